// Package agent implements conversational agent sessions: the remote side of
// a bridged call that listens to the caller and talks back.
package agent

import (
	"context"

	"github.com/sebas/voicebridge/internal/voicebridge/media"
)

// Session is one conversation with an agent.
type Session interface {
	// Connect negotiates the session. It blocks until the agent is ready, the
	// context ends, or negotiation fails with an error matching ErrAgentUnavailable.
	Connect(ctx context.Context) error

	// Events delivers agent events in order, ending with exactly one ClosedEvent.
	// Only valid after Connect succeeds.
	Events() <-chan Event

	// SendUserAudio forwards caller audio encoded as InputCodec. It does not
	// block on the network and is a no-op after close.
	SendUserAudio(data []byte) error

	// InputCodec is the format the agent expects for caller audio.
	InputCodec() media.Codec

	Close() error
}

// CallInfo identifies the call an agent session serves.
type CallInfo struct {
	CallID     string
	StreamID   string
	Parameters map[string]string
}

// Factory creates an unconnected session for a call.
type Factory func(info CallInfo) Session
