package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectNaming(t *testing.T) {
	b := NewBuilder("node-1")
	assert.Equal(t, "voicebridge.calls.CA1.started", b.Started("CA1", "MZ1", "elevenlabs", nil).Subject())
	assert.Equal(t, "voicebridge.calls.CA1.ended", b.Ended("CA1", "caller_hangup", time.Now()).Subject())
	assert.Equal(t, "voicebridge.calls.CA1.transcript", b.Line("CA1", SpeakerCustomer, "hi").Subject())
}

func TestEndedEventJSON(t *testing.T) {
	b := NewBuilder("node-1")
	fixed := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	ev := b.Ended("CA1", "agent_closed", fixed.Add(-30*time.Second))
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "bridge.ended", m["event_type"])
	assert.Equal(t, "CA1", m["call_id"])
	assert.Equal(t, "node-1", m["node_id"])
	assert.Equal(t, "agent_closed", m["reason"])
	assert.InDelta(t, 30.0, m["duration_seconds"], 0.001)

	_, err = uuid.Parse(m["event_id"].(string))
	assert.NoError(t, err)
}

func TestEventIDsUnique(t *testing.T) {
	b := NewBuilder("n")
	assert.NotEqual(t, b.Line("CA1", SpeakerAgent, "a").EventID, b.Line("CA1", SpeakerAgent, "a").EventID)
}

func TestChannelNotifierDropsOnFull(t *testing.T) {
	n := NewChannelNotifier(1)
	b := NewBuilder("n")
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, b.Line("CA1", SpeakerCustomer, "one")))
	require.NoError(t, n.Notify(ctx, b.Line("CA1", SpeakerCustomer, "two")))
	assert.Equal(t, int64(1), n.DroppedCount())

	ev := <-n.Events()
	assert.Equal(t, "one", ev.(*TranscriptLineEvent).Text)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.NoError(t, n.Notify(ctx, b.Line("CA1", SpeakerCustomer, "late")))
}

type failingNotifier struct{ NoopNotifier }

func (failingNotifier) Notify(ctx context.Context, event Event) error { return errors.New("disk full") }

func TestMultiNotifierFansOut(t *testing.T) {
	ch1 := NewChannelNotifier(4)
	ch2 := NewChannelNotifier(4)
	var logBuf bytes.Buffer
	logged := NewLoggingNotifier(slog.New(slog.NewTextHandler(&logBuf, nil)))

	multi := NewMultiNotifier(ch1, nil, logged, failingNotifier{}, ch2)
	ev := NewBuilder("n").Started("CA1", "MZ1", "pipeline", map[string]string{"conversationId": "abc123"})

	err := multi.Notify(context.Background(), ev)
	assert.ErrorContains(t, err, "disk full")

	assert.Same(t, ev, (<-ch1.Events()).(*BridgeStartedEvent))
	assert.Same(t, ev, (<-ch2.Events()).(*BridgeStartedEvent))
	assert.Contains(t, logBuf.String(), "Bridge started")

	require.NoError(t, multi.Close())
}
