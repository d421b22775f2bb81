package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/routing"
	"github.com/cdde/ddengine/snapshot"
)

func baseRequest() core.Message {
	return core.Message{
		Header: core.Header{
			Version: 1, Flags: core.FlagRequest, CommandCode: 272, ApplicationId: 4,
			HopByHopId: 10, EndToEndId: 20,
		},
		AVPs: []core.AVP{
			{Code: core.AVPOriginHost, Data: []byte("client.example.net")},
			{Code: core.AVPDestinationRealm, Data: []byte("example.com")},
		},
	}
}

func neverCalled(t *testing.T) func(core.Message) (core.Message, error) {
	return func(core.Message) (core.Message, error) {
		t.Fatal("local handler should not have been invoked")
		return core.Message{}, nil
	}
}

func TestHandleApplicationRequestNoSnapshotUnableToDeliver(t *testing.T) {
	r := New("router.example.net", "example.net", neverCalled(t))

	ans, err := r.handleApplicationRequest(baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertResultCode(t, ans, core.ResultUnableToDeliver)
}

func TestHandleApplicationRequestReplyFromRule(t *testing.T) {
	r := New("router.example.net", "example.net", neverCalled(t))
	snap := &snapshot.Snapshot{
		OriginHost: "router.example.net",
		Dictionary: core.BuiltinDictionary(),
		Pools:      map[string][]string{"P1": {"far.example.net"}},
		Routes: []routing.RouteEntry{
			{Priority: 10, Condition: routing.RouteCondition{Kind: routing.DestinationRealm, Value: "other.com"}, Pool: "P1"},
		},
	}
	snap, err := snapshot.Validate(snap)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.UpdateSnapshot(snap); err != nil {
		t.Fatalf("UpdateSnapshot: %v", err)
	}

	ans, err := r.handleApplicationRequest(baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// no route matches example.com realm (rule targets other.com), and
	// a Destination-Realm AVP is present, so routing.Process replies
	// with DIAMETER_REALM_NOT_SERVED rather than UNABLE_TO_DELIVER.
	assertResultCode(t, ans, core.ResultRealmNotServed)
}

func TestForwardEmptyPoolFallsBackToLocalHandler(t *testing.T) {
	called := false
	r := New("router.example.net", "example.net", func(msg core.Message) (core.Message, error) {
		called = true
		ans := core.NewAnswer(msg)
		ans.AVPs = []core.AVP{{Code: core.AVPResultCode, Data: resultCodeBytes(core.ResultSuccess)}}
		return ans, nil
	})

	ans, err := r.forward(nil, baseRequest())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !called {
		t.Fatal("expected local handler to be invoked for an empty pool")
	}
	assertResultCode(t, ans, core.ResultSuccess)
}

func TestForwardNoAvailablePeerUnableToDeliver(t *testing.T) {
	r := New("router.example.net", "example.net", neverCalled(t))

	ans, err := r.forward([]string{"unknown.example.net"}, baseRequest())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	assertResultCode(t, ans, core.ResultUnableToDeliver)
}

// TestForwardHTTPTarget exercises the HTTP(S) Handlers-pool branch: an
// httptest server stands in for an external consumer that answers a
// forwarded Diameter request (plain HTTP/1.1 here, since the test swaps
// http2Client for the httptest server's own client; forwardHTTP only
// cares that http2Client.Do succeeds).
func TestForwardHTTPTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("server: read body: %v", err)
			return
		}
		msg, err := core.ParseMessage(body)
		if err != nil {
			t.Errorf("server: parse: %v", err)
			return
		}
		ans := core.NewAnswer(msg)
		ans.AVPs = []core.AVP{{Code: core.AVPResultCode, Data: resultCodeBytes(core.ResultSuccess)}}
		w.Write(ans.Serialize())
	}))
	defer srv.Close()

	r := New("router.example.net", "example.net", neverCalled(t))
	r.http2Client = srv.Client()
	r.http2Client.Timeout = 2 * time.Second

	ans, err := r.forward([]string{srv.URL}, baseRequest())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	assertResultCode(t, ans, core.ResultSuccess)
}

func TestAddActivePeerPopulatesTable(t *testing.T) {
	r := New("router.example.net", "example.net", neverCalled(t))
	r.AddActivePeer("far.example.net", "127.0.0.1", 1)
	defer r.Close()

	statuses := r.PeerStatus()
	if len(statuses) != 1 || statuses[0].DiameterHost != "far.example.net" {
		t.Fatalf("unexpected peer table: %+v", statuses)
	}
}

func assertResultCode(t *testing.T, msg core.Message, want uint32) {
	t.Helper()
	avp, ok := msg.GetAVP(core.AVPResultCode, 0)
	if !ok {
		t.Fatal("answer missing Result-Code")
	}
	got := uint32(avp.Data[0])<<24 | uint32(avp.Data[1])<<16 | uint32(avp.Data[2])<<8 | uint32(avp.Data[3])
	if got != want {
		t.Fatalf("Result-Code = %d, want %d", got, want)
	}
}
