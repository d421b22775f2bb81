package snapshot

import (
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/routing"
)

// httpTimeout bounds resource fetches from the configuration sources
// below.
const httpTimeout = 5 * time.Second

// Source names a place the Loader can retrieve a configuration object
// from: a local file, an HTTP(S) URL, or a row in a configuration
// database (db:<table>:<column>), simplified to one source per object
// instead of a regex-driven search path.
type Source string

// Loader retrieves and assembles a Snapshot from external
// configuration resources. It is the ambient "configuration loading"
// counterpart of the in-process Publisher: the Loader produces
// candidate snapshots, the Publisher validates and installs them.
type Loader struct {
	params map[string]string
	db     *sql.DB
	client *http.Client
}

// NewLoader creates a Loader. params are substituted into any
// configuration object that is read as a text/template (so the same
// bootstrap file can serve several virtual routers), exactly as
// core/config.go's ConfigurationManager does with its configParams map.
func NewLoader(params map[string]string) *Loader {
	if params == nil {
		params = map[string]string{}
	}
	return &Loader{
		params: params,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
	}
}

// OpenDB attaches a MySQL-backed configuration database to the loader,
// used by the "db:" source scheme. This is the one consumer of the
// teacher's github.com/go-sql-driver/mysql dependency in this module:
// peer tables, routes and manipulation rules can be kept in a shared
// schema instead of flat files.
func (l *Loader) OpenDB(dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("snapshot: opening configuration database: %w", err)
	}
	l.db = db
	return nil
}

func (l *Loader) fetch(source Source) ([]byte, error) {
	s := string(source)
	switch {
	case strings.HasPrefix(s, "file://"):
		return os.ReadFile(strings.TrimPrefix(s, "file://"))

	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		resp, err := l.client.Get(s)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("snapshot: fetching %s: status %d", s, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)

	case strings.HasPrefix(s, "db:"):
		if l.db == nil {
			return nil, fmt.Errorf("snapshot: db source %q requires OpenDB first", s)
		}
		parts := strings.SplitN(strings.TrimPrefix(s, "db:"), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("snapshot: malformed db source %q, want db:<table>:<column>", s)
		}
		var contents string
		row := l.db.QueryRow(fmt.Sprintf("SELECT %s FROM %s LIMIT 1", parts[1], parts[0])) // #nosec table/column are operator-controlled config, not user input
		if err := row.Scan(&contents); err != nil {
			return nil, fmt.Errorf("snapshot: reading %s: %w", s, err)
		}
		return []byte(contents), nil

	default:
		return nil, fmt.Errorf("snapshot: unrecognized source scheme %q", s)
	}
}

func (l *Loader) untemplate(raw []byte) ([]byte, error) {
	tmpl, err := template.New("config").Parse(string(raw))
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, l.params); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// jCondition/jManipAction/jRule/jRouteEntry are the JSON wire shapes
// for manipulation rules and routes: unmarshal into a plain struct,
// then build the richer typed form. Pool membership needs no helper
// struct; it is read as a plain map (see LoadPools).
type jCondition struct {
	Kind     string `json:"kind"`
	Code     uint32 `json:"code"`
	VendorId uint32 `json:"vendorId,omitempty"`
	Value    string `json:"value,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

type jManipAction struct {
	Kind     string `json:"kind"`
	Code     uint32 `json:"code"`
	VendorId uint32 `json:"vendorId,omitempty"`
	Value    string `json:"value"`
}

type jRule struct {
	Priority   int            `json:"priority"`
	Conditions []jCondition   `json:"conditions"`
	Actions    []jManipAction `json:"actions"`
}

type jRouteEntry struct {
	Priority      int    `json:"priority"`
	Kind          string `json:"kind"`
	Value         string `json:"value,omitempty"`
	ApplicationId uint32 `json:"applicationId,omitempty"`
	CommandCode   uint32 `json:"commandCode,omitempty"`
	Pool          string `json:"pool"`
}

// LoadRules retrieves and parses a manipulation rule set from source.
func (l *Loader) LoadRules(source Source) ([]routing.Rule, error) {
	raw, err := l.fetch(source)
	if err != nil {
		return nil, err
	}
	raw, err = l.untemplate(raw)
	if err != nil {
		return nil, err
	}

	var jRules []jRule
	if err := json.Unmarshal(raw, &jRules); err != nil {
		return nil, fmt.Errorf("snapshot: parsing rules from %s: %w", source, err)
	}

	rules := make([]routing.Rule, 0, len(jRules))
	for _, jr := range jRules {
		conds := make([]routing.Condition, 0, len(jr.Conditions))
		for _, jc := range jr.Conditions {
			kind, err := conditionKind(jc.Kind)
			if err != nil {
				return nil, err
			}
			conds = append(conds, routing.Condition{
				Kind: kind, Code: jc.Code, VendorId: jc.VendorId,
				Value: []byte(jc.Value), Pattern: jc.Pattern,
			})
		}
		actions := make([]routing.ManipAction, 0, len(jr.Actions))
		for _, ja := range jr.Actions {
			kind, err := manipKind(ja.Kind)
			if err != nil {
				return nil, err
			}
			actions = append(actions, routing.ManipAction{
				Kind: kind, Code: ja.Code, VendorId: ja.VendorId, Value: []byte(ja.Value),
			})
		}
		rules = append(rules, routing.Rule{Priority: jr.Priority, Conditions: conds, Actions: actions})
	}
	return rules, nil
}

// LoadRoutes retrieves and parses a routing table from source.
func (l *Loader) LoadRoutes(source Source) ([]routing.RouteEntry, error) {
	raw, err := l.fetch(source)
	if err != nil {
		return nil, err
	}
	raw, err = l.untemplate(raw)
	if err != nil {
		return nil, err
	}

	var jRoutes []jRouteEntry
	if err := json.Unmarshal(raw, &jRoutes); err != nil {
		return nil, fmt.Errorf("snapshot: parsing routes from %s: %w", source, err)
	}

	routes := make([]routing.RouteEntry, 0, len(jRoutes))
	for _, jr := range jRoutes {
		kind, err := routeKind(jr.Kind)
		if err != nil {
			return nil, err
		}
		routes = append(routes, routing.RouteEntry{
			Priority: jr.Priority,
			Condition: routing.RouteCondition{
				Kind: kind, Value: jr.Value, ApplicationId: jr.ApplicationId, CommandCode: jr.CommandCode,
			},
			Pool: jr.Pool,
		})
	}
	return routes, nil
}

// LoadPools retrieves and parses pool membership (pool name -> ordered
// Diameter-Host list) from source.
func (l *Loader) LoadPools(source Source) (map[string][]string, error) {
	raw, err := l.fetch(source)
	if err != nil {
		return nil, err
	}
	raw, err = l.untemplate(raw)
	if err != nil {
		return nil, err
	}
	var pools map[string][]string
	if err := json.Unmarshal(raw, &pools); err != nil {
		return nil, fmt.Errorf("snapshot: parsing pools from %s: %w", source, err)
	}
	return pools, nil
}

// LoadDictionary retrieves the XML dynamic AVP overlay from source and
// merges it with the built-in catalog, built-in winning conflicts.
func (l *Loader) LoadDictionary(source Source) (*core.Dictionary, error) {
	raw, err := l.fetch(source)
	if err != nil {
		return nil, err
	}
	overlay, err := core.LoadOverlay(raw)
	if err != nil {
		return nil, err
	}
	return core.Merge(core.BuiltinDictionary(), overlay), nil
}

func conditionKind(s string) (routing.ConditionKind, error) {
	switch s {
	case "Always":
		return routing.Always, nil
	case "AvpExists":
		return routing.AvpExists, nil
	case "AvpEquals":
		return routing.AvpEquals, nil
	case "AvpMatches":
		return routing.AvpMatches, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown condition kind %q", s)
	}
}

func manipKind(s string) (routing.ManipKind, error) {
	switch s {
	case "AddAvp":
		return routing.AddAvp, nil
	case "ModifyAvp":
		return routing.ModifyAvp, nil
	case "RemoveAvp":
		return routing.RemoveAvp, nil
	case "SetAvp":
		return routing.SetAvp, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown manipulation action kind %q", s)
	}
}

func routeKind(s string) (routing.RouteKind, error) {
	switch s {
	case "DestinationHost":
		return routing.DestinationHost, nil
	case "DestinationRealm":
		return routing.DestinationRealm, nil
	case "ApplicationCommand":
		return routing.ApplicationCommand, nil
	case "Default":
		return routing.Default, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown route condition kind %q", s)
	}
}
