package routing

import "sort"

// SortRules orders rules ascending by Priority, ties broken by original
// (insertion) order. The publisher calls this once when building a
// snapshot so the hot path (Process) never sorts.
func SortRules(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// SortRoutes orders routes ascending by Priority, ties broken by
// original (insertion) order.
func SortRoutes(routes []RouteEntry) []RouteEntry {
	out := append([]RouteEntry(nil), routes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
