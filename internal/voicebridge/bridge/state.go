package bridge

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Bridge states.
const (
	StateConnecting = "connecting"
	StateActive     = "active"
	StateDraining   = "draining"
	StateClosed     = "closed"
)

const (
	eventActivate = "activate"
	eventDrain    = "drain"
	eventClose    = "close"
)

// Close reasons reported in BridgeEnded.
const (
	ReasonCallerHangup     = "caller_hangup"
	ReasonAgentClosed      = "agent_closed"
	ReasonAgentError       = "agent_error"
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonHoldTimeout      = "hold_timeout"
	ReasonExternal         = "external"
	ReasonReplaced         = "replaced"
	ReasonShutdown         = "shutdown"
)

// newStateMachine builds connecting -> active -> draining -> closed, with
// close reachable from every live state.
func (b *Bridge) newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: eventActivate, Src: []string{StateConnecting}, Dst: StateActive},
			{Name: eventDrain, Src: []string{StateActive}, Dst: StateDraining},
			{Name: eventClose, Src: []string{StateConnecting, StateActive, StateDraining}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.log.Debug("[Bridge] State changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// transition fires event on the state machine. Only the Run goroutine calls it.
func (b *Bridge) transition(event string) error {
	from := b.fsm.Current()
	err := b.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return &StateTransitionError{Event: event, From: from, Cause: err}
}

// State returns the current state.
func (b *Bridge) State() string {
	return b.fsm.Current()
}
