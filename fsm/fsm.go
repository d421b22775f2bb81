// Package fsm implements the per-peer Diameter lifecycle as a pure
// state-transition function, stripped of all I/O: Step never touches a
// socket, a clock or a random source. Wrapping Step with a real
// connection, timers and reconnect backoff is the peer package's job.
package fsm

import (
	"time"

	"github.com/cdde/ddengine/core"
)

// Phase is the peer lifecycle state (RFC 6733 §5.6).
type Phase int

const (
	Closed Phase = iota
	WaitConnAck
	WaitCEA
	Open
	Closing
)

func (p Phase) String() string {
	switch p {
	case Closed:
		return "Closed"
	case WaitConnAck:
		return "WaitConnAck"
	case WaitCEA:
		return "WaitCEA"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// State is the full state of one peer's FSM, including the data that
// becomes meaningful once Open (negotiated identity, consecutive
// watchdog failures).
type State struct {
	Phase           Phase
	Failures        int
	PeerOriginHost  string
	PeerOriginRealm string
}

// Role distinguishes which side initiates the transport connection.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Config is the immutable per-peer configuration the FSM consults.
type Config struct {
	Role               Role
	ExpectedOriginHost string
	// MaxWatchdogFailures is how many consecutive missed DWAs are
	// tolerated before the peer is brought down.
	MaxWatchdogFailures int
	// WatchdogInterval is Tw, the period between watchdog timer resets;
	// it is independent of MaxWatchdogFailures. Zero means the runtime's
	// own default applies.
	WatchdogInterval time.Duration
}

// EventKind enumerates the events the FSM reacts to.
type EventKind int

const (
	Start EventKind = iota
	ConnectionUp
	ConnectionFailed
	MessageReceived
	WatchdogTimerExpiry
	DisconnectRequest
)

// Event is one input to Step. Message is only meaningful for
// MessageReceived.
type Event struct {
	Kind    EventKind
	Message *core.Message
}

// ActionKind enumerates the side effects Step asks the runtime to
// perform. The FSM never builds message bytes itself (that would
// require a hop-by-hop/end-to-end id generator, which is a source of
// non-determinism) — it only states intent; the runtime fills in the
// actual CER/CEA/DWR/DWA content.
type ActionKind int

const (
	ActionConnectToPeer ActionKind = iota
	ActionDisconnectPeer
	ActionSendCER
	ActionSendCEA
	ActionSendDWR
	ActionSendDWA
	ActionResetWatchdogTimer
	ActionScheduleReconnect
	ActionNotifyUp
	ActionNotifyDown
	ActionLog
)

// Action is one emitted side effect. ResultCode is set for
// ActionSendCEA/ActionSendDWA; Message is set for ActionLog.
type Action struct {
	Kind       ActionKind
	ResultCode uint32
	Message    string
}

func logAction(msg string) Action { return Action{Kind: ActionLog, Message: msg} }

// Step is the pure transition function: given the current state, the
// peer's static configuration and one event, it returns the next state
// and the ordered list of actions the runtime must perform. Two calls
// with the same (state, config, event) always return equal results.
func Step(state State, cfg Config, event Event) (State, []Action) {
	switch state.Phase {

	case Closed:
		if event.Kind == Start {
			state.Phase = WaitConnAck
			return state, []Action{{Kind: ActionConnectToPeer}}
		}

	case WaitConnAck:
		switch event.Kind {
		case ConnectionUp:
			state.Phase = WaitCEA
			return state, []Action{{Kind: ActionSendCER}}
		case ConnectionFailed:
			state.Phase = Closed
			return state, []Action{
				logAction("connection failed, scheduling reconnect"),
				{Kind: ActionScheduleReconnect},
			}
		}

	case WaitCEA:
		if event.Kind == MessageReceived && event.Message != nil && isCEA(*event.Message) {
			if resultCode(*event.Message) == core.ResultSuccess {
				state.Phase = Open
				state.Failures = 0
				return state, []Action{
					{Kind: ActionResetWatchdogTimer},
					{Kind: ActionNotifyUp},
				}
			}
			state.Phase = Closing
			return state, []Action{{Kind: ActionDisconnectPeer}}
		}

	case Open:
		switch event.Kind {
		case WatchdogTimerExpiry:
			if state.Failures >= cfg.MaxWatchdogFailures {
				state.Phase = Closed
				state.Failures = 0
				return state, []Action{
					{Kind: ActionNotifyDown},
					{Kind: ActionDisconnectPeer},
				}
			}
			state.Failures++
			return state, []Action{
				{Kind: ActionSendDWR},
				{Kind: ActionResetWatchdogTimer},
			}

		case MessageReceived:
			if event.Message == nil {
				break
			}
			state.Failures = 0
			actions := []Action{{Kind: ActionResetWatchdogTimer}}
			switch {
			case isDWR(*event.Message):
				actions = append(actions, Action{Kind: ActionSendDWA, ResultCode: core.ResultSuccess})
			case isDWA(*event.Message):
				actions = append(actions, logAction("DWA received, peer is healthy"))
			}
			return state, actions
		}
	}

	// DisconnectRequest is handled from any phase.
	if event.Kind == DisconnectRequest {
		state.Phase = Closed
		state.Failures = 0
		return state, []Action{
			{Kind: ActionDisconnectPeer},
			{Kind: ActionNotifyDown},
		}
	}

	return state, []Action{logAction("ignored event " + eventName(event.Kind) + " in state " + state.Phase.String())}
}

func isCEA(m core.Message) bool {
	return m.CommandCode == core.CommandCapabilitiesExchange && !m.IsRequest()
}

func isDWR(m core.Message) bool {
	return m.CommandCode == core.CommandDeviceWatchdog && m.IsRequest()
}

func isDWA(m core.Message) bool {
	return m.CommandCode == core.CommandDeviceWatchdog && !m.IsRequest()
}

func resultCode(m core.Message) uint32 {
	avp, ok := m.GetAVP(core.AVPResultCode, 0)
	if !ok || len(avp.Data) != 4 {
		return 0
	}
	return uint32(avp.Data[0])<<24 | uint32(avp.Data[1])<<16 | uint32(avp.Data[2])<<8 | uint32(avp.Data[3])
}

func eventName(k EventKind) string {
	switch k {
	case Start:
		return "Start"
	case ConnectionUp:
		return "ConnectionUp"
	case ConnectionFailed:
		return "ConnectionFailed"
	case MessageReceived:
		return "MessageReceived"
	case WatchdogTimerExpiry:
		return "WatchdogTimerExpiry"
	case DisconnectRequest:
		return "DisconnectRequest"
	default:
		return "Unknown"
	}
}
