// Package router wires together the peer table, the transaction store,
// the routing/manipulation engine and the configuration publisher:
// accepting inbound connections, starting configured active peers,
// dispatching inbound requests through routing.Process against the
// current snapshot, and forwarding to the chosen peer or an external
// HTTP handler.
package router

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/fsm"
	"github.com/cdde/ddengine/instrumentation"
	"github.com/cdde/ddengine/peer"
	"github.com/cdde/ddengine/routing"
	"github.com/cdde/ddengine/snapshot"
	"github.com/cdde/ddengine/transaction"
)

// defaultRequestTimeout bounds how long the router waits for a routed
// request's answer before synthesizing one from the transaction store.
const defaultRequestTimeout = 5 * time.Second

const peerCheckInterval = 10 * time.Second

// expiryScanInterval is how often the router drains the transaction
// store of requests that outlived their deadline, well below
// defaultRequestTimeout so a stuck transaction is cleaned up promptly.
const expiryScanInterval = 1 * time.Second

// peerEntry is one row of the router's peer table: the live Peer (nil
// if not currently connected) plus status bookkeeping used to answer
// PeerStatus queries.
type peerEntry struct {
	connID           uint64
	live             *peer.Peer
	engaged          bool
	active           bool // true: we dial out; false: we only accept
	addr             string
	port             int
	lastStatusChange time.Time
	lastError        error
}

// PeerStatus is one row of the router's observability snapshot,
// returned by Router.PeerStatus().
type PeerStatus struct {
	DiameterHost string
	Engaged      bool
	Phase        string
	LastChange   time.Time
	LastError    error
}

// Router owns the server socket, the peer table and the transaction
// store, and dispatches every inbound or routed request through the
// routing engine against the currently published snapshot.
type Router struct {
	publisher *snapshot.Publisher
	store     *transaction.Store
	builder   *idBuilder

	localHandler peer.RequestHandler

	mu    sync.Mutex
	peers map[string]*peerEntry

	nextConnID uint64

	peerControl chan interface{}

	listener     net.Listener
	status       int32
	peerTicker   *time.Ticker
	expiryTicker *time.Ticker
	doneChan     chan struct{}
	wg           sync.WaitGroup

	http2Client *http.Client
}

const (
	statusOperational int32 = iota
	statusTerminated
)

// New creates a Router that will identify itself as originHost/originRealm
// to every peer it manages, and hand application requests it cannot
// forward to localHandler.
func New(originHost, originRealm string, localHandler peer.RequestHandler) *Router {
	r := &Router{
		publisher:    snapshot.NewPublisher(nil),
		store:        transaction.NewStore(),
		builder:      newIDBuilder(originHost, originRealm, 0, 1),
		localHandler: localHandler,
		peers:        make(map[string]*peerEntry),
		peerControl:  make(chan interface{}, 100),
		doneChan:     make(chan struct{}, 1),
		http2Client: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: &http2.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
	}
	return r
}

// UpdateSnapshot installs snap as the router's active configuration,
// rejecting it (and keeping the previous one) if validation fails.
func (r *Router) UpdateSnapshot(snap *snapshot.Snapshot) error {
	return r.publisher.Publish(snap)
}

// Snapshot returns the currently active configuration.
func (r *Router) Snapshot() *snapshot.Snapshot { return r.publisher.Load() }

// Listen starts accepting inbound Diameter connections on addr and
// begins the peer-table maintenance loop. Not safe to call twice.
func (r *Router) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("router: listen %s: %w", addr, err)
	}
	r.listener = l
	instrumentation.Logger().Infof("diameter server listening on %s", addr)

	go r.acceptLoop()

	r.peerTicker = time.NewTicker(peerCheckInterval)
	r.expiryTicker = time.NewTicker(expiryScanInterval)
	go r.eventLoop()

	return nil
}

// AddActivePeer configures a peer this router should actively maintain
// a connection to, dialing immediately and redialing with backoff on
// failure until Close.
func (r *Router) AddActivePeer(diameterHost, addr string, port int) {
	r.mu.Lock()
	r.peers[diameterHost] = &peerEntry{
		connID: atomic.AddUint64(&r.nextConnID, 1), active: true, addr: addr, port: port,
		lastStatusChange: time.Now(),
	}
	r.mu.Unlock()
	r.dialPeer(diameterHost)
}

func (r *Router) dialPeer(diameterHost string) {
	r.mu.Lock()
	entry, ok := r.peers[diameterHost]
	r.mu.Unlock()
	if !ok || entry.live != nil {
		return
	}
	cfg := fsm.Config{Role: fsm.Initiator, ExpectedOriginHost: diameterHost, MaxWatchdogFailures: 3}
	entry.live = peer.NewActive(diameterHost, entry.addr, entry.port, cfg, r.builder, r.handleApplicationRequest, r.peerControl)
}

func (r *Router) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&r.status) == statusTerminated {
				return
			}
			instrumentation.Logger().Errorf("accept error: %v", err)
			continue
		}
		instrumentation.Logger().Infof("accepted connection from %s", conn.RemoteAddr())

		cfg := fsm.Config{Role: fsm.Responder, MaxWatchdogFailures: 3}
		// The peer's real identity is learned from the CER; "" is a
		// placeholder name until the UpEvent reports it.
		p := peer.NewPassive("", conn, cfg, r.builder, r.handleApplicationRequest, r.peerControl)

		r.mu.Lock()
		r.peers[fmt.Sprintf("passive:%p", p)] = &peerEntry{
			connID: atomic.AddUint64(&r.nextConnID, 1), live: p, lastStatusChange: time.Now(),
		}
		r.mu.Unlock()
	}
}

func (r *Router) eventLoop() {
	for {
		select {
		case <-r.peerTicker.C:
			r.redialDownPeers()

		case <-r.expiryTicker.C:
			r.scanExpired()

		case m := <-r.peerControl:
			switch v := m.(type) {
			case peer.UpEvent:
				r.onPeerUp(v)
			case peer.DownEvent:
				r.onPeerDown(v)
			}
		}
	}
}

func (r *Router) onPeerUp(v peer.UpEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Find the table row currently pointing at this Peer (by pointer
	// identity: a passive peer was filed under a placeholder key).
	var rowKey string
	for k, e := range r.peers {
		if e.live == v.Sender {
			rowKey = k
			break
		}
	}
	if rowKey != "" && rowKey != v.OriginHost {
		delete(r.peers, rowKey)
	}

	entry, found := r.peers[v.OriginHost]
	if !found {
		entry = &peerEntry{connID: atomic.AddUint64(&r.nextConnID, 1)}
	}
	entry.live = v.Sender
	entry.engaged = true
	entry.lastStatusChange = time.Now()
	entry.lastError = nil
	r.peers[v.OriginHost] = entry

	instrumentation.Logger().Infof("peer %s is up", v.OriginHost)
}

func (r *Router) onPeerDown(v peer.DownEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, e := range r.peers {
		if e.live == v.Sender {
			e.engaged = false
			e.lastStatusChange = time.Now()
			e.lastError = v.Err
			if !e.active {
				delete(r.peers, k)
			} else {
				e.live = nil
			}
			break
		}
	}
}

// scanExpired drains the transaction store of every request whose
// deadline has passed and, for each, delivers the synthesized timeout
// answer back to whoever is waiting on it (forwardPeer's select, if the
// request is still in flight there) via the Context's Deliver callback.
func (r *Router) scanExpired() {
	for _, ctx := range r.store.PollExpired(time.Now()) {
		instrumentation.PushPeerDiameterRequestTimeout(instrumentation.PeerDiameterMetricKey{
			OriginHost:  ctx.OriginHost,
			CommandCode: fmt.Sprintf("%d", ctx.CommandCode),
		})
		if ctx.Deliver != nil {
			ctx.Deliver(transaction.TimeoutAnswer(ctx))
		}
	}
}

func (r *Router) redialDownPeers() {
	r.mu.Lock()
	var toDial []string
	for host, e := range r.peers {
		if e.active && e.live == nil {
			toDial = append(toDial, host)
		}
	}
	r.mu.Unlock()
	for _, host := range toDial {
		r.dialPeer(host)
	}
}

// PeerStatus returns a point-in-time snapshot of every known peer's
// status, for observability endpoints.
func (r *Router) PeerStatus() []PeerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerStatus, 0, len(r.peers))
	for host, e := range r.peers {
		phase := "Closed"
		if e.live != nil {
			phase = e.live.Phase().String()
		}
		out = append(out, PeerStatus{
			DiameterHost: host, Engaged: e.engaged, Phase: phase,
			LastChange: e.lastStatusChange, LastError: e.lastError,
		})
	}
	return out
}

// Close shuts down the listener, every managed peer, and the peer-table
// maintenance loop.
func (r *Router) Close() {
	atomic.StoreInt32(&r.status, statusTerminated)
	if r.peerTicker != nil {
		r.peerTicker.Stop()
	}
	if r.expiryTicker != nil {
		r.expiryTicker.Stop()
	}
	if r.listener != nil {
		r.listener.Close()
	}
	r.mu.Lock()
	for _, e := range r.peers {
		if e.live != nil {
			e.live.Close()
		}
	}
	r.mu.Unlock()
}

// handleApplicationRequest is the peer.RequestHandler every managed Peer
// invokes for an inbound non-base request: it runs the request through
// the routing engine and either replies locally or forwards it.
func (r *Router) handleApplicationRequest(req core.Message) (core.Message, error) {
	snap := r.publisher.Load()
	if snap == nil {
		return replyWithResultCode(req, core.ResultUnableToDeliver), nil
	}

	processed, result := routing.Process(req, snap.Rules, snap.Routes, snap.OriginHost)

	switch result.Kind {
	case routing.Discard:
		return core.Message{}, fmt.Errorf("router: message discarded by routing rules")

	case routing.Reply:
		if result.ResultCode == core.ResultRealmNotServed || result.ResultCode == core.ResultUnableToDeliver {
			instrumentation.PushRouterRouteNotFound(metricKeyFor(processed))
		}
		return replyWithResultCode(processed, result.ResultCode), nil

	case routing.Forward:
		targets := snap.Pools[result.Pool]
		return r.forward(targets, processed)

	default:
		return replyWithResultCode(processed, core.ResultUnableToDeliver), nil
	}
}

// forward dispatches processed to the first eligible member of targets,
// trying a Diameter peer connection or an HTTP handler URL depending on
// the target's shape, and falling over to the next target on failure.
// targets is tried strictly in priority order — the pool's first entry
// is always tried first — and falls back to the local handler if
// targets is empty (the Default route entry).
func (r *Router) forward(targets []string, processed core.Message) (core.Message, error) {
	if len(targets) == 0 {
		return r.localHandler(processed)
	}

	for _, target := range targets {
		if isHTTPTarget(target) {
			ans, err := r.forwardHTTP(target, processed)
			if err == nil {
				return ans, nil
			}
			instrumentation.Logger().Errorf("http handler %s error: %v", target, err)
			continue
		}

		r.mu.Lock()
		entry, ok := r.peers[target]
		r.mu.Unlock()
		if !ok || entry.live == nil || !entry.engaged {
			continue
		}
		return r.forwardPeer(entry, processed)
	}

	instrumentation.PushRouterNoAvailablePeer(metricKeyFor(processed))
	return replyWithResultCode(processed, core.ResultUnableToDeliver), nil
}

func isHTTPTarget(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}

// forwardPeer sends processed to entry's peer, rewriting the
// hop-by-hop id to one the router controls and recording the in-flight
// transaction in the store so the dedicated expiry scanner can still
// resolve it with a synthetic answer even if entry.live's own
// SendRequestAsync result never arrives. Whichever of the two sources
// resolves the transaction first wins the race in the select below; the
// store's Take is what actually owns removing the bookkeeping, so only
// one of them gets to act on the result.
func (r *Router) forwardPeer(entry *peerEntry, processed core.Message) (core.Message, error) {
	originalHbh := processed.HopByHopId
	processed.HopByHopId = r.builder.nextHopByHop()

	key := transaction.Key{ConnectionId: entry.connID, HopByHopId: processed.HopByHopId}
	delivered := make(chan core.Message, 1)
	ctx := &transaction.Context{
		Key:         key,
		CommandCode: processed.CommandCode,
		EndToEndId:  processed.EndToEndId,
		OriginHost:  snapshotOriginHost(r.publisher.Load()),
		IngressTime: time.Now(),
		Deliver:     func(m core.Message) { delivered <- m },
	}
	deadline := time.Now().Add(defaultRequestTimeout)
	if err := r.store.Insert(key, ctx, deadline); err != nil {
		return core.Message{}, err
	}

	rc := entry.live.SendRequestAsync(processed, defaultRequestTimeout)

	select {
	case v := <-rc:
		r.store.Take(key)
		if ans, ok := v.(core.Message); ok {
			ans.HopByHopId = originalHbh
			return ans, nil
		}
		instrumentation.PushPeerDiameterRequestTimeout(metricKeyFor(processed))
		synthesized := transaction.TimeoutAnswer(ctx)
		synthesized.HopByHopId = originalHbh
		return synthesized, nil

	case synthesized := <-delivered:
		// The expiry scanner already took this transaction out of the
		// store before invoking Deliver.
		synthesized.HopByHopId = originalHbh
		return synthesized, nil
	}
}

// forwardHTTP POSTs processed's wire encoding to an HTTP(S) Handlers
// pool target over HTTP/2, the engine's fan-out path for routing rules
// whose pool resolves to an external consumer rather than a Diameter
// peer.
func (r *Router) forwardHTTP(url string, processed core.Message) (core.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(processed.Serialize()))
	if err != nil {
		return core.Message{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.http2Client.Do(req)
	if err != nil {
		return core.Message{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.Message{}, fmt.Errorf("router: http handler %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Message{}, err
	}
	return core.ParseMessage(body)
}

func replyWithResultCode(req core.Message, code uint32) core.Message {
	ans := core.NewAnswer(req)
	ans.AVPs = []core.AVP{{Code: core.AVPResultCode, Mandatory: true, Data: resultCodeBytes(code)}}
	return ans
}

func resultCodeBytes(code uint32) []byte {
	return []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
}

func metricKeyFor(msg core.Message) instrumentation.PeerDiameterMetricKey {
	dh, _ := msg.GetAVP(core.AVPDestinationHost, 0)
	dr, _ := msg.GetAVP(core.AVPDestinationRealm, 0)
	return instrumentation.PeerDiameterMetricKey{
		DestinationHost:  string(dh.Data),
		DestinationRealm: string(dr.Data),
		CommandCode:      fmt.Sprintf("%d", msg.CommandCode),
	}
}

func snapshotOriginHost(snap *snapshot.Snapshot) string {
	if snap == nil {
		return ""
	}
	return snap.OriginHost
}
