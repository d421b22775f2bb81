package routing

import (
	"bytes"

	"github.com/cdde/ddengine/core"
)

// Process applies manipulation rules (ascending priority) to a private
// copy of msg, then loop-detects before consulting the routing table at
// all (a message that already carries this node's own Route-Record is
// rejected regardless of whether a route would otherwise have matched),
// then matches routes (ascending priority, first match wins) and
// appends a Route-Record AVP on forward.
//
// Process touches no clock, no randomness and no mutable global state:
// for a fixed (msg, rules, routes, originHost) it always returns equal
// results, and it never mutates msg itself (core.Message.Copy is used
// internally).
func Process(msg core.Message, rules []Rule, routes []RouteEntry, originHost string) (core.Message, Result) {
	working := msg.Copy()

	for _, rule := range rules {
		if ruleMatches(rule, working) {
			working = applyActions(rule.Actions, working)
		}
	}

	if hasRouteRecord(working, originHost) {
		return working, Result{Kind: Reply, ResultCode: core.ResultLoopDetected}
	}

	destHost := avpString(working, core.AVPDestinationHost)
	destRealm := avpString(working, core.AVPDestinationRealm)

	pool, matched := matchRoute(routes, destHost, destRealm, working.ApplicationId, working.CommandCode)
	if !matched {
		if destRealm != "" {
			return working, Result{Kind: Reply, ResultCode: core.ResultRealmNotServed}
		}
		return working, Result{Kind: Reply, ResultCode: core.ResultUnableToDeliver}
	}

	working.AVPs = append(working.AVPs, core.AVP{
		Code:      core.AVPRouteRecord,
		Mandatory: true,
		Data:      []byte(originHost),
	})

	return working, Result{Kind: Forward, Pool: pool}
}

func ruleMatches(rule Rule, msg core.Message) bool {
	for _, cond := range rule.Conditions {
		if !conditionHolds(cond, msg) {
			return false
		}
	}
	return true
}

func conditionHolds(cond Condition, msg core.Message) bool {
	switch cond.Kind {
	case Always:
		return true
	case AvpExists:
		_, ok := msg.GetAVP(cond.Code, cond.VendorId)
		return ok
	case AvpEquals:
		avp, ok := msg.GetAVP(cond.Code, cond.VendorId)
		return ok && bytes.Equal(avp.Data, cond.Value)
	case AvpMatches:
		avp, ok := msg.GetAVP(cond.Code, cond.VendorId)
		if !ok || cond.Regex == nil {
			return false
		}
		return cond.Regex.Match(avp.Data)
	default:
		return false
	}
}

func applyActions(actions []ManipAction, msg core.Message) core.Message {
	for _, act := range actions {
		switch act.Kind {
		case AddAvp:
			msg.AVPs = append(msg.AVPs, core.AVP{Code: act.Code, VendorId: act.VendorId, Vendor: act.VendorId != 0, Data: act.Value})

		case ModifyAvp:
			for i := range msg.AVPs {
				if msg.AVPs[i].Code == act.Code && msg.AVPs[i].VendorId == act.VendorId {
					msg.AVPs[i].Data = act.Value
					break
				}
			}

		case RemoveAvp:
			kept := msg.AVPs[:0]
			for _, a := range msg.AVPs {
				if a.Code != act.Code || a.VendorId != act.VendorId {
					kept = append(kept, a)
				}
			}
			msg.AVPs = kept

		case SetAvp:
			found := false
			for i := range msg.AVPs {
				if msg.AVPs[i].Code == act.Code && msg.AVPs[i].VendorId == act.VendorId {
					msg.AVPs[i].Data = act.Value
					found = true
					break
				}
			}
			if !found {
				msg.AVPs = append(msg.AVPs, core.AVP{Code: act.Code, VendorId: act.VendorId, Vendor: act.VendorId != 0, Data: act.Value})
			}
		}
	}
	return msg
}

func avpString(msg core.Message, code uint32) string {
	avp, ok := msg.GetAVP(code, 0)
	if !ok {
		return ""
	}
	return string(avp.Data)
}

func matchRoute(routes []RouteEntry, destHost, destRealm string, appId, commandCode uint32) (string, bool) {
	for _, r := range routes {
		switch r.Condition.Kind {
		case DestinationHost:
			if r.Condition.Value == destHost {
				return r.Pool, true
			}
		case DestinationRealm:
			if r.Condition.Value == destRealm {
				return r.Pool, true
			}
		case ApplicationCommand:
			if r.Condition.ApplicationId == appId && r.Condition.CommandCode == commandCode {
				return r.Pool, true
			}
		case Default:
			return r.Pool, true
		}
	}
	return "", false
}

func hasRouteRecord(msg core.Message, originHost string) bool {
	for _, a := range msg.GetAllAVP(core.AVPRouteRecord, 0) {
		if string(a.Data) == originHost {
			return true
		}
	}
	return false
}
