package bridge

import "fmt"

// StateTransitionError reports a refused state machine event.
type StateTransitionError struct {
	Event string
	From  string
	Cause error
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("bridge: event %q not allowed in state %q: %v", e.Event, e.From, e.Cause)
}

func (e *StateTransitionError) Unwrap() error {
	return e.Cause
}
