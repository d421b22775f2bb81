package routing

import (
	"regexp"
	"testing"

	"github.com/cdde/ddengine/core"
)

func baseMessage() core.Message {
	return core.Message{
		Header: core.Header{Version: 1, Flags: core.FlagRequest, CommandCode: 272, ApplicationId: 4},
		AVPs: []core.AVP{
			{Code: core.AVPOriginHost, Data: []byte("client.example.com")},
			{Code: core.AVPDestinationRealm, Data: []byte("example.com")},
		},
	}
}

func TestScenarioRouteMatchByRealm(t *testing.T) {
	routes := SortRoutes([]RouteEntry{
		{Priority: 10, Condition: RouteCondition{Kind: DestinationRealm, Value: "example.com"}, Pool: "P1"},
	})

	out, result := Process(baseMessage(), nil, routes, "router.example.net")

	if result.Kind != Forward || result.Pool != "P1" {
		t.Fatalf("unexpected result %+v", result)
	}

	records := out.GetAllAVP(core.AVPRouteRecord, 0)
	if len(records) != 1 || string(records[0].Data) != "router.example.net" {
		t.Fatalf("expected appended Route-Record, got %+v", records)
	}
}

func TestScenarioLoopDetection(t *testing.T) {
	msg := baseMessage()
	msg.AVPs = append(msg.AVPs, core.AVP{Code: core.AVPRouteRecord, Data: []byte("router.example.net")})

	routes := SortRoutes([]RouteEntry{
		{Priority: 10, Condition: RouteCondition{Kind: DestinationRealm, Value: "example.com"}, Pool: "P1"},
	})

	_, result := Process(msg, nil, routes, "router.example.net")

	if result.Kind != Reply || result.ResultCode != core.ResultLoopDetected {
		t.Fatalf("expected loop detected reply, got %+v", result)
	}
}

func TestScenarioManipulationRulePriority(t *testing.T) {
	msg := baseMessage()
	msg.AVPs = append(msg.AVPs, core.AVP{Code: 296, Data: []byte("orig.com")})

	rules := SortRules([]Rule{
		{Priority: 20, Conditions: []Condition{{Kind: Always}}, Actions: []ManipAction{{Kind: SetAvp, Code: 296, Value: []byte("b.com")}}},
		{Priority: 10, Conditions: []Condition{{Kind: Always}}, Actions: []ManipAction{{Kind: SetAvp, Code: 296, Value: []byte("a.com")}}},
	})

	routes := []RouteEntry{{Priority: 0, Condition: RouteCondition{Kind: Default}, Pool: "P1"}}

	out, _ := Process(msg, rules, routes, "router.example.net")

	avp, ok := out.GetAVP(296, 0)
	if !ok || string(avp.Data) != "b.com" {
		t.Fatalf("expected 296=b.com (priority 20 applied last), got %q ok=%v", avp.Data, ok)
	}
}

func TestNoRouteRealmPresentYieldsRealmNotServed(t *testing.T) {
	_, result := Process(baseMessage(), nil, nil, "router.example.net")
	if result.Kind != Reply || result.ResultCode != core.ResultRealmNotServed {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestNoRouteNoRealmYieldsUnableToDeliver(t *testing.T) {
	msg := core.Message{Header: core.Header{Version: 1, CommandCode: 272}}
	_, result := Process(msg, nil, nil, "router.example.net")
	if result.Kind != Reply || result.ResultCode != core.ResultUnableToDeliver {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAvpMatchesCondition(t *testing.T) {
	msg := baseMessage()
	rules := []Rule{
		{
			Priority: 10,
			Conditions: []Condition{
				{Kind: AvpMatches, Code: core.AVPOriginHost, Regex: regexp.MustCompile(`^client\.`)},
			},
			Actions: []ManipAction{{Kind: SetAvp, Code: core.AVPOriginHost, Value: []byte("hidden.example.net")}},
		},
	}
	routes := []RouteEntry{{Priority: 0, Condition: RouteCondition{Kind: Default}, Pool: "P1"}}

	out, _ := Process(msg, rules, routes, "router.example.net")

	avp, _ := out.GetAVP(core.AVPOriginHost, 0)
	if string(avp.Data) != "hidden.example.net" {
		t.Fatalf("topology hiding rule did not apply, got %q", avp.Data)
	}
}

func TestProcessPurityAcrossInvocations(t *testing.T) {
	msg := baseMessage()
	routes := SortRoutes([]RouteEntry{
		{Priority: 10, Condition: RouteCondition{Kind: DestinationRealm, Value: "example.com"}, Pool: "P1"},
	})

	out1, r1 := Process(msg, nil, routes, "router.example.net")
	out2, r2 := Process(msg, nil, routes, "router.example.net")

	if r1 != r2 {
		t.Fatalf("non-deterministic result: %+v vs %+v", r1, r2)
	}
	if len(out1.AVPs) != len(out2.AVPs) {
		t.Fatalf("non-deterministic avp count")
	}

	// The original message must be untouched.
	if len(msg.GetAllAVP(core.AVPRouteRecord, 0)) != 0 {
		t.Fatalf("Process mutated the caller's message")
	}
}
