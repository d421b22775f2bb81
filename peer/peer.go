// Package peer is the actor-model runtime around one Diameter peer
// connection: it owns the TCP socket, the read loop and the watchdog and
// reconnect timers, and drives the pure fsm.Step function with the
// events they produce. Every mutation of the connection's lifecycle
// happens on a single goroutine, the event loop.
package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/cdde/ddengine/core"
	"github.com/cdde/ddengine/fsm"
	"github.com/cdde/ddengine/instrumentation"
)

// eventLoopCapacity bounds the internal event channel, matching the
// teacher's EVENTLOOP_CAPACITY.
const eventLoopCapacity = 100

// reconnect backoff bounds: doubling from 1s up to a 60s ceiling, reset
// to the floor after a peer reaches fsm.Open.
const (
	reconnectFloor   = 1 * time.Second
	reconnectCeiling = 60 * time.Second
)

// defaultWatchdogInterval is Tw when cfg.WatchdogInterval is left zero,
// independent of how many consecutive failures a peer tolerates.
const defaultWatchdogInterval = 30 * time.Second

// UpEvent is sent to the owning router when the peer reaches fsm.Open.
type UpEvent struct {
	Sender     *Peer
	OriginHost string
}

// DownEvent is sent to the owning router when the peer's event loop
// exits. Err is nil for an orderly shutdown.
type DownEvent struct {
	Sender *Peer
	Err    error
}

// internal event-loop messages
type startMsg struct{}
type connEstablishedMsg struct{ conn net.Conn }
type connFailedMsg struct{ err error }
type readEOFMsg struct{}
type readErrorMsg struct{ err error }
type writeErrorMsg struct{ err error }
type ingressMsg struct{ msg core.Message }
type watchdogTickMsg struct{}
type reconnectTickMsg struct{}
type closeCommandMsg struct{}

// egressMsg asks the event loop to write msg to the wire; rchan, if
// non-nil, receives the correlated answer or a timeout/error.
type egressMsg struct {
	msg     core.Message
	rchan   chan interface{}
	timeout time.Duration
}

// pendingRequest is the bookkeeping kept for one outstanding non-base
// request sent through SendRequest.
type pendingRequest struct {
	rchan chan interface{}
	timer *time.Timer
}

// MessageBuilder supplies the actual wire bytes for the intents fsm.Step
// emits (ActionSendCER etc). The FSM never builds messages itself, since
// doing so needs a hop-by-hop/end-to-end id generator — a source of
// non-determinism the pure core must stay free of.
type MessageBuilder interface {
	CER() core.Message
	CEA(req core.Message, resultCode uint32) core.Message
	DWR() core.Message
	DWA(req core.Message, resultCode uint32) core.Message
}

// RequestHandler processes an inbound non-base-application request and
// returns the answer to send back.
type RequestHandler func(req core.Message) (core.Message, error)

// Peer drives one connection's lifecycle: it owns the fsm.State, the
// net.Conn, and the outstanding-request bookkeeping, all confined to the
// single goroutine running loop().
type Peer struct {
	name    string
	cfg     fsm.Config
	builder MessageBuilder
	handler RequestHandler

	control chan interface{} // to the owning router
	events  chan interface{} // the actor's own inbox

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cancel context.CancelFunc

	state fsm.State

	watchdogTimer    *time.Timer
	reconnectTimer   *time.Timer
	reconnectBackoff time.Duration

	pending map[uint32]pendingRequest

	// handshakeLog accumulates the CER/CEA exchange's log lines as one
	// batch for the initiator side, flushed when the CEA arrives (or
	// dropped on connection loss before it does); the responder side
	// logs its own batch synchronously in handleCER.
	handshakeLog *instrumentation.Batch

	dialAddr string
	dialPort int

	wg sync.WaitGroup
}

// NewActive creates a Peer that will dial dialAddr:dialPort and initiate
// the CER/CEA handshake once connected.
func NewActive(name, dialAddr string, dialPort int, cfg fsm.Config, builder MessageBuilder, handler RequestHandler, control chan interface{}) *Peer {
	p := newPeer(name, cfg, builder, handler, control)
	p.dialAddr = dialAddr
	p.dialPort = dialPort
	go p.loop()
	p.events <- startMsg{}
	return p
}

// NewPassive creates a Peer wrapping an already-accepted connection; the
// remote side is expected to send the CER.
func NewPassive(name string, conn net.Conn, cfg fsm.Config, builder MessageBuilder, handler RequestHandler, control chan interface{}) *Peer {
	p := newPeer(name, cfg, builder, handler, control)
	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.writer = bufio.NewWriter(conn)
	p.state.Phase = fsm.WaitCEA // waiting for the remote CER, reusing WaitCEA's "expect a base exchange message" handling below
	go p.loop()
	go p.readLoop()
	return p
}

func newPeer(name string, cfg fsm.Config, builder MessageBuilder, handler RequestHandler, control chan interface{}) *Peer {
	return &Peer{
		name:             name,
		cfg:              cfg,
		builder:          builder,
		handler:          handler,
		control:          control,
		events:           make(chan interface{}, eventLoopCapacity),
		pending:          make(map[uint32]pendingRequest),
		reconnectBackoff: reconnectFloor,
	}
}

// Name returns the configured peer name (the Origin-Host this Peer is
// expected to, or already did, negotiate with).
func (p *Peer) Name() string { return p.name }

// Phase returns the peer's current lifecycle phase for observability
// purposes; safe to call from any goroutine since it is read-only and
// the router only calls it between UpEvent/DownEvent deliveries.
func (p *Peer) Phase() fsm.Phase { return p.state.Phase }

// Close requests an orderly shutdown; a DownEvent follows on control.
func (p *Peer) Close() {
	p.events <- closeCommandMsg{}
}

// SendRequest sends a non-base-application request and blocks for its
// answer or a timeout/network error.
func (p *Peer) SendRequest(msg core.Message, timeout time.Duration) (core.Message, error) {
	switch v := (<-p.SendRequestAsync(msg, timeout)).(type) {
	case error:
		return core.Message{}, v
	case core.Message:
		return v, nil
	default:
		return core.Message{}, fmt.Errorf("peer: unreachable response type %T", v)
	}
}

// SendRequestAsync behaves like SendRequest but returns immediately with
// the channel that will eventually receive the correlated answer
// (core.Message) or a timeout/network error, letting the caller race it
// against another completion source instead of blocking on it directly.
func (p *Peer) SendRequestAsync(msg core.Message, timeout time.Duration) chan interface{} {
	rc := make(chan interface{}, 1)
	p.events <- egressMsg{msg: msg, rchan: rc, timeout: timeout}
	return rc
}

func (p *Peer) loop() {
	defer func() {
		if p.watchdogTimer != nil {
			p.watchdogTimer.Stop()
		}
		if p.reconnectTimer != nil {
			p.reconnectTimer.Stop()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	}()

	for raw := range p.events {
		if p.handle(raw) {
			return
		}
	}
}

// handle processes one event-loop message and reports whether the loop
// should stop (an orderly close was requested).
func (p *Peer) handle(raw interface{}) bool {
	switch v := raw.(type) {

	case startMsg:
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.Start})
		p.state = state
		p.runActions(actions)

	case connEstablishedMsg:
		p.conn = v.conn
		p.reader = bufio.NewReader(p.conn)
		p.writer = bufio.NewWriter(p.conn)
		go p.readLoop()
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.ConnectionUp})
		p.state = state
		p.runActions(actions)

	case connFailedMsg:
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.ConnectionFailed})
		p.state = state
		p.runActions(actions)

	case readEOFMsg:
		instrumentation.Logger().Debugf("peer %s: connection closed by remote", p.name)
		p.terminateConnection(nil)

	case readErrorMsg:
		instrumentation.Logger().Errorf("peer %s: read error: %v", p.name, v.err)
		p.terminateConnection(v.err)

	case writeErrorMsg:
		instrumentation.Logger().Errorf("peer %s: write error: %v", p.name, v.err)
		p.terminateConnection(v.err)

	case ingressMsg:
		p.handleIngress(v.msg)

	case watchdogTickMsg:
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.WatchdogTimerExpiry})
		p.state = state
		p.runActions(actions)

	case reconnectTickMsg:
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.Start})
		p.state = state
		p.runActions(actions)

	case closeCommandMsg:
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.DisconnectRequest})
		p.state = state
		p.runActions(actions)
		p.failPending(fmt.Errorf("peer: closed"))
		p.control <- DownEvent{Sender: p}
		instrumentation.SetPeerStatus(p.name, int(p.state.Phase))
		return true

	case egressMsg:
		p.sendEgress(v)

	case egressTimeoutMsg:
		p.timeoutPending(v.hopByHopId)
	}

	instrumentation.SetPeerStatus(p.name, int(p.state.Phase))
	return false
}

func (p *Peer) timeoutPending(hbh uint32) {
	pr, ok := p.pending[hbh]
	if !ok {
		return
	}
	delete(p.pending, hbh)
	pr.rchan <- fmt.Errorf("peer: request timed out")
	close(pr.rchan)
}

func (p *Peer) terminateConnection(err error) {
	if p.conn != nil {
		p.conn.Close()
	}
	p.failPending(fmt.Errorf("peer: connection down: %w", errOrNil(err)))
	if p.cfg.Role == fsm.Initiator {
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.ConnectionFailed})
		p.state = state
		p.runActions(actions)
	} else {
		p.control <- DownEvent{Sender: p, Err: err}
	}
}

func errOrNil(err error) error {
	if err == nil {
		return fmt.Errorf("EOF")
	}
	return err
}

func (p *Peer) failPending(err error) {
	for hbh, pr := range p.pending {
		if pr.timer.Stop() {
			p.wg.Done()
		}
		pr.rchan <- err
		close(pr.rchan)
		delete(p.pending, hbh)
	}
}

// runActions executes the side effects fsm.Step emitted, translating
// each ActionKind intent into real I/O or timer state. This is the only
// place in the package that touches the clock or the network directly
// in response to an FSM decision.
func (p *Peer) runActions(actions []fsm.Action) {
	for _, a := range actions {
		switch a.Kind {

		case fsm.ActionConnectToPeer:
			if p.dialAddr != "" {
				p.wg.Add(1)
				go p.connect()
			}

		case fsm.ActionDisconnectPeer:
			if p.conn != nil {
				p.conn.Close()
			}

		case fsm.ActionSendCER:
			p.handshakeLog = instrumentation.NewBatch()
			p.handshakeLog.Log(zapcore.InfoLevel, "peer %s: sending CER", p.name)
			p.write(p.builder.CER())

		case fsm.ActionSendCEA:
			// Built with the request that triggered it; see handleIngress.

		case fsm.ActionSendDWR:
			p.write(p.builder.DWR())

		case fsm.ActionSendDWA:
			// Built with the request that triggered it; see handleIngress.

		case fsm.ActionResetWatchdogTimer:
			p.resetWatchdogTimer()

		case fsm.ActionScheduleReconnect:
			p.scheduleReconnect()

		case fsm.ActionNotifyUp:
			p.reconnectBackoff = reconnectFloor
			p.control <- UpEvent{Sender: p, OriginHost: p.state.PeerOriginHost}

		case fsm.ActionNotifyDown:
			p.control <- DownEvent{Sender: p}

		case fsm.ActionLog:
			instrumentation.Logger().Debugf("peer %s: %s", p.name, a.Message)
		}
	}
}

func (p *Peer) resetWatchdogTimer() {
	if p.watchdogTimer != nil {
		p.watchdogTimer.Stop()
	}
	interval := p.cfg.WatchdogInterval
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	p.watchdogTimer = time.AfterFunc(interval, func() {
		p.events <- watchdogTickMsg{}
	})
}

func (p *Peer) scheduleReconnect() {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
	}
	delay := p.reconnectBackoff
	p.reconnectTimer = time.AfterFunc(delay, func() {
		p.events <- reconnectTickMsg{}
	})
	p.reconnectBackoff *= 2
	if p.reconnectBackoff > reconnectCeiling {
		p.reconnectBackoff = reconnectCeiling
	}
}

func (p *Peer) connect() {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p.cancel = cancel
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.dialAddr, strconv.Itoa(p.dialPort)))
	if err != nil {
		p.events <- connFailedMsg{err: err}
		return
	}
	p.events <- connEstablishedMsg{conn: conn}
}

func (p *Peer) readLoop() {
	for {
		msg, err := readMessage(p.reader)
		if err != nil {
			if err == io.EOF {
				p.events <- readEOFMsg{}
			} else {
				p.events <- readErrorMsg{err: err}
			}
			return
		}
		p.events <- ingressMsg{msg: msg}
	}
}

// readMessage reads one complete Diameter message from r, first parsing
// its header to learn the declared length.
func readMessage(r *bufio.Reader) (core.Message, error) {
	head := make([]byte, core.HeaderLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return core.Message{}, err
	}
	length := uint32(head[1])<<16 | uint32(head[2])<<8 | uint32(head[3])
	if length < core.HeaderLen {
		return core.Message{}, fmt.Errorf("peer: invalid message length %d", length)
	}
	buf := make([]byte, length)
	copy(buf, head)
	if _, err := io.ReadFull(r, buf[core.HeaderLen:]); err != nil {
		return core.Message{}, err
	}
	return core.ParseMessage(buf)
}

func (p *Peer) write(msg core.Message) {
	if p.writer == nil {
		return
	}
	if _, err := p.writer.Write(msg.Serialize()); err != nil {
		p.events <- writeErrorMsg{err: err}
		return
	}
	if err := p.writer.Flush(); err != nil {
		p.events <- writeErrorMsg{err: err}
	}
}

func (p *Peer) sendEgress(e egressMsg) {
	if p.state.Phase != fsm.Open {
		if e.rchan != nil {
			e.rchan <- fmt.Errorf("peer: not open, phase is %s", p.state.Phase)
		}
		return
	}
	hbh := e.msg.HopByHopId
	if _, dup := p.pending[hbh]; dup && e.rchan != nil {
		e.rchan <- fmt.Errorf("peer: duplicate hop-by-hop id %d", hbh)
		return
	}

	p.write(e.msg)
	if e.rchan == nil {
		instrumentation.PushPeerDiameterAnswerSent(metricKey(p.name, e.msg))
		return
	}
	instrumentation.PushPeerDiameterRequestSent(metricKey(p.name, e.msg))

	p.wg.Add(1)
	timer := time.AfterFunc(e.timeout, func() {
		defer p.wg.Done()
		p.events <- egressTimeoutMsg{hopByHopId: hbh}
	})
	p.pending[hbh] = pendingRequest{rchan: e.rchan, timer: timer}
}

type egressTimeoutMsg struct{ hopByHopId uint32 }

func (p *Peer) handleIngress(msg core.Message) {
	if msg.IsRequest() {
		instrumentation.PushPeerDiameterRequestReceived(metricKey(p.name, msg))
		switch msg.CommandCode {
		case core.CommandCapabilitiesExchange:
			p.state.PeerOriginHost = originHostOf(msg)
			p.handleCER(msg)
		case core.CommandDeviceWatchdog:
			state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.MessageReceived, Message: &msg})
			p.state = state
			p.write(p.builder.DWA(msg, core.ResultSuccess))
			p.runActions(actions)
		default:
			p.handleApplicationRequest(msg)
		}
		return
	}

	// Answer.
	if msg.CommandCode == core.CommandCapabilitiesExchange {
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.MessageReceived, Message: &msg})
		p.state = state
		p.state.PeerOriginHost = originHostOf(msg)
		if p.handshakeLog != nil {
			p.handshakeLog.Log(zapcore.InfoLevel, "peer %s: received CEA from %s, result-code=%d",
				p.name, p.state.PeerOriginHost, resultCodeOf(msg))
			p.handshakeLog.Write()
			p.handshakeLog = nil
		}
		p.runActions(actions)
		return
	}
	if msg.CommandCode == core.CommandDeviceWatchdog {
		state, actions := fsm.Step(p.state, p.cfg, fsm.Event{Kind: fsm.MessageReceived, Message: &msg})
		p.state = state
		p.runActions(actions)
		return
	}

	if pr, ok := p.pending[msg.HopByHopId]; ok {
		if pr.timer.Stop() {
			p.wg.Done()
		}
		instrumentation.PushPeerDiameterAnswerReceived(metricKey(p.name, msg))
		pr.rchan <- msg
		close(pr.rchan)
		delete(p.pending, msg.HopByHopId)
	} else {
		instrumentation.PushPeerDiameterAnswerStalled(metricKey(p.name, msg))
		instrumentation.Logger().Warnf("peer %s: stalled answer, hop-by-hop %d", p.name, msg.HopByHopId)
	}
}

// handleCER answers the initiator's CER and moves a responder peer to
// Open. fsm.Step's WaitCEA case only matches a received CEA (the
// initiator's view): receiving a CER is the mirror-image responder
// transition, so it is applied directly here rather than forced through
// Step, keeping fsm.Step's table exactly as specified for the initiator
// scenarios while still reaching the same Open state with the same
// actions for the responder side.
func (p *Peer) handleCER(req core.Message) {
	if p.state.Phase != fsm.WaitCEA {
		instrumentation.Logger().Warnf("peer %s: unexpected CER in phase %s", p.name, p.state.Phase)
		return
	}
	batch := instrumentation.NewBatch()
	batch.Log(zapcore.InfoLevel, "peer %s: received CER from %s", p.name, originHostOf(req))

	p.state.Phase = fsm.Open
	p.state.Failures = 0
	p.write(p.builder.CEA(req, core.ResultSuccess))
	batch.Log(zapcore.InfoLevel, "peer %s: sent CEA, result-code=%d", p.name, core.ResultSuccess)
	batch.Write()

	p.runActions([]fsm.Action{
		{Kind: fsm.ActionResetWatchdogTimer},
		{Kind: fsm.ActionNotifyUp},
	})
}

func (p *Peer) handleApplicationRequest(req core.Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		resp, err := p.handler(req)
		if err != nil {
			instrumentation.Logger().Errorf("peer %s: handler error: %v", p.name, err)
			resp = core.NewAnswer(req)
			resp.AVPs = []core.AVP{{Code: core.AVPResultCode, Mandatory: true, Data: resultCodeBytes(core.ResultApplicationUnsup)}}
		}
		p.events <- egressMsg{msg: resp}
	}()
}

func resultCodeBytes(code uint32) []byte {
	return []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
}

func resultCodeOf(m core.Message) uint32 {
	avp, ok := m.GetAVP(core.AVPResultCode, 0)
	if !ok || len(avp.Data) != 4 {
		return 0
	}
	return uint32(avp.Data[0])<<24 | uint32(avp.Data[1])<<16 | uint32(avp.Data[2])<<8 | uint32(avp.Data[3])
}

// metricKey builds the peer-traffic metric label set for msg, attributed
// to this connection's configured peer name.
func metricKey(peerName string, msg core.Message) instrumentation.PeerDiameterMetricKey {
	oh, _ := msg.GetAVP(core.AVPOriginHost, 0)
	or, _ := msg.GetAVP(core.AVPOriginRealm, 0)
	dh, _ := msg.GetAVP(core.AVPDestinationHost, 0)
	dr, _ := msg.GetAVP(core.AVPDestinationRealm, 0)
	return instrumentation.PeerDiameterMetricKey{
		Peer:             peerName,
		OriginHost:       string(oh.Data),
		OriginRealm:      string(or.Data),
		DestinationHost:  string(dh.Data),
		DestinationRealm: string(dr.Data),
		ApplicationId:    fmt.Sprintf("%d", msg.ApplicationId),
		CommandCode:      fmt.Sprintf("%d", msg.CommandCode),
	}
}

func originHostOf(msg core.Message) string {
	avp, ok := msg.GetAVP(core.AVPOriginHost, 0)
	if !ok {
		return ""
	}
	return string(avp.Data)
}
