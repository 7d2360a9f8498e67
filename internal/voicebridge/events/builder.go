package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder stamps events with an ID, a UTC time and the node name.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) newBase(t EventType, callID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: t,
		EventTime: b.now().UTC(),
		Call:      callID,
		NodeID:    b.nodeID,
	}
}

// Started builds a BridgeStartedEvent.
func (b *Builder) Started(callID, streamID, agentKind string, params map[string]string) *BridgeStartedEvent {
	return &BridgeStartedEvent{
		BaseEvent:  b.newBase(BridgeStarted, callID),
		StreamID:   streamID,
		AgentKind:  agentKind,
		Parameters: params,
	}
}

// Ended builds a BridgeEndedEvent; the duration runs from startedAt to now.
func (b *Builder) Ended(callID, reason string, startedAt time.Time) *BridgeEndedEvent {
	ev := &BridgeEndedEvent{
		BaseEvent: b.newBase(BridgeEnded, callID),
		Reason:    reason,
		StartedAt: startedAt.UTC(),
	}
	if !startedAt.IsZero() {
		ev.DurationSeconds = ev.EventTime.Sub(startedAt).Seconds()
	}
	return ev
}

// Line builds a TranscriptLineEvent.
func (b *Builder) Line(callID string, speaker Speaker, text string) *TranscriptLineEvent {
	return &TranscriptLineEvent{
		BaseEvent: b.newBase(TranscriptLine, callID),
		Speaker:   speaker,
		Text:      text,
	}
}
