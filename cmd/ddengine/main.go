// Command ddengine runs a standalone Diameter Distribution Engine
// instance: it loads a configuration bundle, publishes it as a
// snapshot, starts the router's listener, and dials every configured
// active peer.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/instrumentation"
	"github.com/cdde/ddengine/router"
	"github.com/cdde/ddengine/snapshot"
)

// peerEntry is one row of the bootstrap peers file: the set of peers
// this instance should actively dial on startup.
type peerEntry struct {
	DiameterHost string `json:"diameterHost"`
	Addr         string `json:"addr"`
	Port         int    `json:"port"`
}

func main() {
	listenAddr := flag.String("listen", ":3868", "address to accept Diameter connections on")
	originHost := flag.String("origin-host", "", "this instance's Diameter Origin-Host")
	originRealm := flag.String("origin-realm", "", "this instance's Diameter Origin-Realm")
	rulesSource := flag.String("rules", "", "configuration source for manipulation rules")
	routesSource := flag.String("routes", "", "configuration source for routing table")
	poolsSource := flag.String("pools", "", "configuration source for pool membership")
	dictSource := flag.String("dictionary", "", "configuration source for the XML dictionary overlay (optional)")
	peersFile := flag.String("peers", "", "local JSON file listing active peers to dial")
	metricsAddr := flag.String("metrics", ":9090", "address to serve /metrics on")
	dbDSN := flag.String("db-dsn", "", "MySQL DSN for db: configuration sources (optional)")
	flag.Parse()

	if *originHost == "" || *originRealm == "" {
		fmt.Fprintln(os.Stderr, "ddengine: -origin-host and -origin-realm are required")
		os.Exit(2)
	}

	loader := snapshot.NewLoader(nil)
	if *dbDSN != "" {
		if err := loader.OpenDB(*dbDSN); err != nil {
			instrumentation.Logger().Fatalf("opening configuration database: %v", err)
		}
	}

	snap, err := loadSnapshot(loader, *originHost, *rulesSource, *routesSource, *poolsSource, *dictSource)
	if err != nil {
		instrumentation.Logger().Fatalf("loading configuration: %v", err)
	}

	r := router.New(*originHost, *originRealm, defaultLocalHandler)
	if err := r.UpdateSnapshot(snap); err != nil {
		instrumentation.Logger().Fatalf("publishing initial snapshot: %v", err)
	}

	for _, p := range loadPeers(*peersFile) {
		r.AddActivePeer(p.DiameterHost, p.Addr, p.Port)
	}

	if err := r.Listen(*listenAddr); err != nil {
		instrumentation.Logger().Fatalf("listen: %v", err)
	}
	instrumentation.Logger().Infof("ddengine started as %s/%s on %s", *originHost, *originRealm, *listenAddr)

	go serveMetrics(*metricsAddr)

	select {}
}

func loadSnapshot(loader *snapshot.Loader, originHost, rules, routes, pools, dict string) (*snapshot.Snapshot, error) {
	snap := &snapshot.Snapshot{OriginHost: originHost, Dictionary: core.BuiltinDictionary()}

	if rules != "" {
		r, err := loader.LoadRules(snapshot.Source(rules))
		if err != nil {
			return nil, fmt.Errorf("loading rules: %w", err)
		}
		snap.Rules = r
	}
	if routes != "" {
		r, err := loader.LoadRoutes(snapshot.Source(routes))
		if err != nil {
			return nil, fmt.Errorf("loading routes: %w", err)
		}
		snap.Routes = r
	}
	if pools != "" {
		p, err := loader.LoadPools(snapshot.Source(pools))
		if err != nil {
			return nil, fmt.Errorf("loading pools: %w", err)
		}
		snap.Pools = p
	}
	if dict != "" {
		overlay, err := loader.LoadDictionary(snapshot.Source(dict))
		if err != nil {
			return nil, fmt.Errorf("loading dictionary overlay: %w", err)
		}
		snap.Dictionary = core.Merge(snap.Dictionary, overlay)
	}

	return snapshot.Validate(snap)
}

func loadPeers(path string) []peerEntry {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		instrumentation.Logger().Errorf("reading peers file %s: %v", path, err)
		return nil
	}
	var peers []peerEntry
	if err := json.Unmarshal(raw, &peers); err != nil {
		instrumentation.Logger().Errorf("parsing peers file %s: %v", path, err)
		return nil
	}
	return peers
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrumentation.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		instrumentation.Logger().Errorf("metrics server stopped: %v", err)
	}
}

// defaultLocalHandler answers any request the routing table could not
// forward anywhere with DIAMETER_UNABLE_TO_DELIVER, the same fallback a
// connected peer gets for a command code this instance has no
// application handler registered for.
func defaultLocalHandler(req core.Message) (core.Message, error) {
	ans := core.NewAnswer(req)
	ans.AVPs = []core.AVP{{
		Code: core.AVPResultCode, Mandatory: true,
		Data: []byte{0, 0, 0x0B, 0xBA},
	}}
	return ans, nil
}
