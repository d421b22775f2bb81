// Package snapshot implements the configuration publisher: an
// immutable, versioned bundle of routes, manipulation rules, pool
// membership and the AVP dictionary, installed behind a single atomic
// pointer so the hot path never blocks on a lock.
package snapshot

import (
	"fmt"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/routing"
)

// Snapshot is the immutable, versioned configuration bundle consumed by
// the routing engine and the router's peer-pool dispatch. Once
// published it is never mutated; a new configuration is always a new
// Snapshot with a strictly greater Generation.
type Snapshot struct {
	Generation uint64
	OriginHost string
	Dictionary *core.Dictionary
	Rules      []routing.Rule
	Routes     []routing.RouteEntry
	// Pools maps a pool identifier (as referenced by RouteEntry.Pool)
	// to the ordered list of Diameter-Host identities eligible to
	// receive traffic for that pool; first entry is tried first, with
	// failover to the next — no load balancing beyond simple
	// priority-ordered pool fan-out with failover.
	Pools map[string][]string
}

// Validate checks the invariants required before publication: every
// manipulation rule condition with a regex compiles,
// every route entry's pool is known, and priorities fall in the
// allotted range. It returns a new Snapshot with all AvpMatches
// conditions' Regex fields compiled and cached — Process itself must
// never compile a regex on the hot path.
func Validate(snap *Snapshot) (*Snapshot, error) {
	if snap.Dictionary == nil {
		return nil, fmt.Errorf("snapshot: dictionary is required")
	}

	rules := make([]routing.Rule, len(snap.Rules))
	for i, rule := range snap.Rules {
		if rule.Priority < 0 || rule.Priority > 65535 {
			return nil, fmt.Errorf("snapshot: rule priority %d out of range [0,65535]", rule.Priority)
		}
		conds := make([]routing.Condition, len(rule.Conditions))
		for j, cond := range rule.Conditions {
			if cond.Kind == routing.AvpMatches {
				compiled, err := compileRegex(cond.Pattern)
				if err != nil {
					return nil, fmt.Errorf("snapshot: rule priority %d condition %d: %w", rule.Priority, j, err)
				}
				cond.Regex = compiled
			}
			conds[j] = cond
		}
		rule.Conditions = conds
		rules[i] = rule
	}

	for _, route := range snap.Routes {
		if route.Priority < 0 || route.Priority > 65535 {
			return nil, fmt.Errorf("snapshot: route priority %d out of range [0,65535]", route.Priority)
		}
		if _, ok := snap.Pools[route.Pool]; !ok {
			return nil, fmt.Errorf("snapshot: route references unknown pool %q", route.Pool)
		}
	}

	out := *snap
	out.Rules = routing.SortRules(rules)
	out.Routes = routing.SortRoutes(snap.Routes)
	return &out, nil
}
