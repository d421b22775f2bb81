package router

import (
	"sync/atomic"

	"github.com/cdde/ddengine/core"
)

// idBuilder is the concrete peer.MessageBuilder used by every Peer this
// Router owns: it fills in Origin-Host/Origin-Realm and generates
// hop-by-hop/end-to-end ids from a pair of atomic counters. Kept
// entirely out of the fsm package, since id generation is exactly the
// non-determinism the pure core must stay free of.
type idBuilder struct {
	originHost  string
	originRealm string
	vendorId    uint32
	firmware    uint32

	hbhCounter uint32
	e2eCounter uint32
}

func newIDBuilder(originHost, originRealm string, vendorId, firmware uint32) *idBuilder {
	return &idBuilder{originHost: originHost, originRealm: originRealm, vendorId: vendorId, firmware: firmware}
}

func (b *idBuilder) nextHopByHop() uint32  { return atomic.AddUint32(&b.hbhCounter, 1) }
func (b *idBuilder) nextEndToEnd() uint32  { return atomic.AddUint32(&b.e2eCounter, 1) }

func (b *idBuilder) originAVPs() []core.AVP {
	return []core.AVP{
		{Code: core.AVPOriginHost, Mandatory: true, Data: []byte(b.originHost)},
		{Code: core.AVPOriginRealm, Mandatory: true, Data: []byte(b.originRealm)},
	}
}

func (b *idBuilder) CER() core.Message {
	return core.Message{
		Header: core.Header{
			Version: 1, Flags: core.FlagRequest,
			CommandCode: core.CommandCapabilitiesExchange,
			HopByHopId:  b.nextHopByHop(), EndToEndId: b.nextEndToEnd(),
		},
		AVPs: b.originAVPs(),
	}
}

func (b *idBuilder) CEA(req core.Message, resultCode uint32) core.Message {
	ans := core.NewAnswer(req)
	ans.AVPs = append([]core.AVP{resultCodeAVP(resultCode)}, b.originAVPs()...)
	return ans
}

func (b *idBuilder) DWR() core.Message {
	return core.Message{
		Header: core.Header{
			Version: 1, Flags: core.FlagRequest,
			CommandCode: core.CommandDeviceWatchdog,
			HopByHopId:  b.nextHopByHop(), EndToEndId: b.nextEndToEnd(),
		},
		AVPs: b.originAVPs(),
	}
}

func (b *idBuilder) DWA(req core.Message, resultCode uint32) core.Message {
	ans := core.NewAnswer(req)
	ans.AVPs = append([]core.AVP{resultCodeAVP(resultCode)}, b.originAVPs()...)
	return ans
}

func resultCodeAVP(code uint32) core.AVP {
	return core.AVP{
		Code: core.AVPResultCode, Mandatory: true,
		Data: []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)},
	}
}
