package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentUnavailable indicates the agent session could not be established.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrPeerClosed indicates the agent socket closed underneath us.
	ErrPeerClosed = errors.New("agent connection closed")

	// ErrRemote indicates the agent reported an error and ended the conversation.
	ErrRemote = errors.New("agent reported error")
)

// ConnectError describes a failed negotiation with the agent service.
type ConnectError struct {
	// Stage is "signed_url" or "dial".
	Stage string

	// Attempts is how many handshakes were tried.
	Attempts int

	// Cause is the last underlying error.
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("agent connect failed at %s after %d attempt(s): %v", e.Stage, e.Attempts, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// Is makes every ConnectError match ErrAgentUnavailable.
func (e *ConnectError) Is(target error) bool {
	return target == ErrAgentUnavailable
}
