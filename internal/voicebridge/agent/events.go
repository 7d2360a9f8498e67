package agent

import "github.com/sebas/voicebridge/internal/voicebridge/media"

// Event is one of the agent event variants below.
type Event interface {
	agentEvent()
}

// AudioEvent is a chunk of synthesized agent speech.
type AudioEvent struct {
	Data    []byte
	Codec   media.Codec
	EventID int
}

// InterruptionEvent means the caller barged in; queued playback must be discarded.
type InterruptionEvent struct {
	EventID int
}

// MetadataEvent describes the negotiated conversation.
type MetadataEvent struct {
	ConversationID string
	Input          media.Codec
	Output         media.Codec
}

// AgentResponseEvent is the text of what the agent said.
type AgentResponseEvent struct {
	Text string
}

// UserTranscriptEvent is the agent's transcript of what the caller said.
type UserTranscriptEvent struct {
	Text string
}

// ClosedEvent is terminal and delivered exactly once. Err is nil for a normal
// end of conversation.
type ClosedEvent struct {
	Err error
}

// UnknownEvent is a message type this package does not model. Sessions drop it.
type UnknownEvent struct {
	Type string
}

// pingEvent is answered inside the session and never delivered.
type pingEvent struct {
	EventID int
}

func (AudioEvent) agentEvent()          {}
func (InterruptionEvent) agentEvent()   {}
func (MetadataEvent) agentEvent()       {}
func (AgentResponseEvent) agentEvent()  {}
func (UserTranscriptEvent) agentEvent() {}
func (ClosedEvent) agentEvent()         {}
func (UnknownEvent) agentEvent()        {}
func (pingEvent) agentEvent()           {}
