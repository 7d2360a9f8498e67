package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/voicebridge/events"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCallLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	b := events.NewBuilder("test")

	started := b.Started("CA1", "MZ1", "elevenlabs", map[string]string{"conversationId": "abc123"})
	require.NoError(t, s.Notify(ctx, started))

	c, err := s.Call(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, "MZ1", c.StreamID)
	assert.Equal(t, "abc123", c.Parameters["conversationId"])
	assert.Nil(t, c.EndedAt)

	ended := b.Ended("CA1", "caller_hangup", started.EventTime.Add(-2*time.Second))
	ended.ConversationID = "conv-9"
	require.NoError(t, s.Notify(ctx, ended))

	c, err = s.Call(ctx, "CA1")
	require.NoError(t, err)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, "caller_hangup", c.Reason)
	assert.Equal(t, "conv-9", c.ConversationID)
	assert.Equal(t, "elevenlabs", c.AgentKind)
	assert.InDelta(t, 2.0, c.DurationSeconds, 0.5)
}

func TestEndedWithoutStart(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, events.NewBuilder("t").Ended("CA2", "agent_unavailable", time.Time{})))
	c, err := s.Call(ctx, "CA2")
	require.NoError(t, err)
	assert.Equal(t, "agent_unavailable", c.Reason)
}

func TestTranscriptLines(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	b := events.NewBuilder("t")

	require.NoError(t, s.Notify(ctx, b.Line("CA1", events.SpeakerAgent, "How can I help?")))
	require.NoError(t, s.Notify(ctx, b.Line("CA1", events.SpeakerCustomer, "Where is my order")))
	require.NoError(t, s.Notify(ctx, b.Line("CA9", events.SpeakerCustomer, "other call")))

	lines, err := s.Lines(ctx, "CA1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "agent", lines[0].Speaker)
	assert.Equal(t, "Where is my order", lines[1].Text)
}

func TestCallNotFound(t *testing.T) {
	_, err := openTest(t).Call(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Notify(context.Background(), events.NewBuilder("t").Started("CA1", "MZ1", "pipeline", nil)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.Call(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", c.AgentKind)
}

var _ events.Notifier = (*Store)(nil)
