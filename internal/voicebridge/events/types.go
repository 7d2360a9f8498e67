// Package events carries call lifecycle notifications out of the bridge:
// to logs, the call store, and tests.
package events

import (
	"fmt"
	"time"
)

// EventType identifies an event variant.
type EventType string

const (
	BridgeStarted  EventType = "bridge.started"
	BridgeEnded    EventType = "bridge.ended"
	TranscriptLine EventType = "transcript.line"
)

// SubjectPrefix roots every event subject.
const SubjectPrefix = "voicebridge.calls"

// Speaker attributes a transcript line.
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerAgent    Speaker = "agent"
)

// Event is implemented by every notification.
type Event interface {
	Type() EventType
	CallID() string
	Timestamp() time.Time
	Subject() string
}

// BaseEvent holds fields common to all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	Call      string    `json:"call_id"`
	NodeID    string    `json:"node_id,omitempty"`
}

func (b BaseEvent) Type() EventType      { return b.EventType }
func (b BaseEvent) CallID() string       { return b.Call }
func (b BaseEvent) Timestamp() time.Time { return b.EventTime }

// Subject is "voicebridge.calls.<call_id>.<suffix>".
func (b BaseEvent) Subject() string {
	return CallSubject(b.Call, b.EventType)
}

// CallSubject builds the subject for one call's event.
func CallSubject(callID string, t EventType) string {
	suffix := "unknown"
	switch t {
	case BridgeStarted:
		suffix = "started"
	case BridgeEnded:
		suffix = "ended"
	case TranscriptLine:
		suffix = "transcript"
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, callID, suffix)
}

// BridgeStartedEvent is emitted once a call's start frame has been seen.
type BridgeStartedEvent struct {
	BaseEvent
	StreamID   string            `json:"stream_id"`
	AgentKind  string            `json:"agent_kind,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// BridgeEndedEvent is emitted exactly once per bridge.
type BridgeEndedEvent struct {
	BaseEvent
	StreamID        string    `json:"stream_id,omitempty"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	Reason          string    `json:"reason"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// TranscriptLineEvent is one recognized line of the conversation.
type TranscriptLineEvent struct {
	BaseEvent
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}
