package bridge

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/voicebridge/agent"
	"github.com/sebas/voicebridge/internal/voicebridge/events"
	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/registry"
	"github.com/sebas/voicebridge/internal/voicebridge/telephony"
)

type fakeTelephony struct {
	events chan telephony.Event

	mu     sync.Mutex
	audio  [][]byte
	clears int
	closes int
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{events: make(chan telephony.Event, 64)}
}

func (f *fakeTelephony) Events() <-chan telephony.Event { return f.events }

func (f *fakeTelephony) SendAudio(ulaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), ulaw...))
	return nil
}

func (f *fakeTelephony) SendClear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTelephony) SendMark(string) error { return nil }

func (f *fakeTelephony) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTelephony) played() (frames, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.audio {
		total += len(a)
	}
	return len(f.audio), total
}

func (f *fakeTelephony) counts() (clears, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears, f.closes
}

type fakeAgent struct {
	input      media.Codec
	connectErr error
	events     chan agent.Event

	mu     sync.Mutex
	info   agent.CallInfo
	sent   [][]byte
	closes int
}

func newFakeAgent(input media.Codec) *fakeAgent {
	return &fakeAgent{input: input, events: make(chan agent.Event, 64)}
}

func (f *fakeAgent) factory(info agent.CallInfo) agent.Session {
	f.mu.Lock()
	f.info = info
	f.mu.Unlock()
	return f
}

func (f *fakeAgent) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeAgent) Events() <-chan agent.Event        { return f.events }
func (f *fakeAgent) InputCodec() media.Codec           { return f.input }

func (f *fakeAgent) SendUserAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeAgent) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeAgent) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fixture struct {
	tel      *fakeTelephony
	agent    *fakeAgent
	notifier *events.ChannelNotifier
	registry *registry.Registry[*Bridge]
	bridge   *Bridge
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, input media.Codec, tweak func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		tel:      newFakeTelephony(),
		agent:    newFakeAgent(input),
		notifier: events.NewChannelNotifier(64),
		registry: registry.New[*Bridge](nil),
	}
	cfg := Config{
		Agent:         f.agent.factory,
		AgentKind:     "fake",
		PlaybackChunk: 20 * time.Millisecond,
		DrainTimeout:  2 * time.Second,
		Registry:      f.registry,
		Notifier:      f.notifier,
		Events:        events.NewBuilder("test-node"),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.bridge = New(f.tel, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.bridge.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.bridge.Done():
		case <-time.After(3 * time.Second):
			t.Error("bridge did not finish")
		}
	})
	return f
}

func (f *fixture) start(callID string) {
	f.tel.events <- telephony.StartEvent{
		CallID:           callID,
		StreamID:         "MZ" + callID,
		Codec:            media.CodecMulaw8k,
		CustomParameters: map[string]string{"conversationId": callID},
	}
}

func (f *fixture) waitActive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.bridge.State() == StateActive },
		2*time.Second, 5*time.Millisecond)
}

func (f *fixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.bridge.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not close")
	}
}

// notifications drains everything the notifier has seen. Only valid after Done.
func (f *fixture) notifications() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-f.notifier.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(evs []events.Event, t events.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

func TestBridgeForwardsCallerAudioResampled(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("abc123")
	f.waitActive(t)

	frame := bytes.Repeat([]byte{0xFF}, 160)
	for i := 0; i < 3; i++ {
		f.tel.events <- telephony.AudioEvent{Payload: frame, Sequence: int64(i + 1), Track: "inbound"}
	}
	f.tel.events <- telephony.StopEvent{Reason: telephony.StopProvider}
	f.waitDone(t)

	sent := f.agent.received()
	require.Len(t, sent, 3)
	for _, chunk := range sent {
		assert.Len(t, chunk, 640)
	}

	assert.Equal(t, "abc123", f.agent.info.CallID)
	assert.Equal(t, "abc123", f.agent.info.Parameters["conversationId"])
	assert.Equal(t, ReasonCallerHangup, f.bridge.Reason())
	assert.Equal(t, StateClosed, f.bridge.State())
	assert.Zero(t, f.registry.Count())

	evs := f.notifications()
	assert.Equal(t, 1, countType(evs, events.BridgeStarted))
	require.Equal(t, 1, countType(evs, events.BridgeEnded))
	for _, ev := range evs {
		if ended, ok := ev.(*events.BridgeEndedEvent); ok {
			assert.Equal(t, ReasonCallerHangup, ended.Reason)
			assert.Equal(t, "MZabc123", ended.StreamID)
			assert.Equal(t, "abc123", ended.CallID())
		}
	}

	stats := f.bridge.Stats()
	assert.Equal(t, int64(3), stats.FramesIn)
	assert.Equal(t, int64(480), stats.BytesIn)
}

func TestBridgePreservesInboundOrder(t *testing.T) {
	f := newFixture(t, media.CodecMulaw8k, nil)
	f.start("CA-order")
	f.waitActive(t)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		f.tel.events <- telephony.AudioEvent{Payload: bytes.Repeat([]byte{byte(i)}, 160)}
		time.Sleep(time.Duration(rng.Intn(500)) * time.Microsecond)
	}
	f.tel.events <- telephony.StopEvent{Reason: telephony.StopProvider}
	f.waitDone(t)

	sent := f.agent.received()
	require.Len(t, sent, 40)
	for i, chunk := range sent {
		assert.Equal(t, byte(i), chunk[0], "frame %d out of order", i)
	}
}

func TestBridgeDropsAudioBeforeActive(t *testing.T) {
	f := newFixture(t, media.CodecMulaw8k, nil)
	f.tel.events <- telephony.AudioEvent{Payload: []byte{1, 2, 3}}
	f.start("CA-early")
	f.waitActive(t)
	f.tel.events <- telephony.StopEvent{Reason: telephony.StopRemote}
	f.waitDone(t)

	assert.Empty(t, f.agent.received())
	assert.Equal(t, int64(1), f.bridge.Stats().Dropped)
}

func TestBridgePlaysAgentAudioAtTelephonyRate(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-play")
	f.waitActive(t)

	// 100ms of 16k PCM becomes 800 bytes of 8k µ-law in 20ms chunks.
	f.agent.events <- agent.AudioEvent{Data: make([]byte, 3200), Codec: media.CodecPCM16k}
	require.Eventually(t, func() bool {
		_, total := f.tel.played()
		return total == 800
	}, 2*time.Second, 5*time.Millisecond)

	frames, _ := f.tel.played()
	assert.Equal(t, 5, frames)
}

func TestBridgeInterruptionClearsOnce(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-barge")
	f.waitActive(t)

	f.agent.events <- agent.AudioEvent{Data: make([]byte, 64000), Codec: media.CodecPCM16k}
	require.Eventually(t, func() bool {
		frames, _ := f.tel.played()
		return frames > 0
	}, time.Second, 5*time.Millisecond)

	f.agent.events <- agent.InterruptionEvent{EventID: 9}
	require.Eventually(t, func() bool {
		return f.bridge.Stats().Interruptions == 1
	}, time.Second, 5*time.Millisecond)

	clears, _ := f.tel.counts()
	assert.Equal(t, 1, clears)
	assert.Equal(t, StateActive, f.bridge.State())

	// Playback stops well short of the full two seconds.
	time.Sleep(100 * time.Millisecond)
	_, total := f.tel.played()
	assert.Less(t, total, 16000)
}

func TestBridgeAgentErrorClosesCall(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-err")
	f.waitActive(t)

	f.agent.events <- agent.ClosedEvent{Err: errors.New("socket reset")}
	f.waitDone(t)

	assert.Equal(t, ReasonAgentError, f.bridge.Reason())
	_, closes := f.tel.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, countType(f.notifications(), events.BridgeEnded))
}

func TestBridgeDrainsBeforeClosing(t *testing.T) {
	f := newFixture(t, media.CodecMulaw8k, nil)
	f.start("CA-drain")
	f.waitActive(t)

	f.agent.events <- agent.AudioEvent{Data: bytes.Repeat([]byte{0x7F}, 800), Codec: media.CodecMulaw8k}
	f.agent.events <- agent.ClosedEvent{}
	f.waitDone(t)

	assert.Equal(t, ReasonAgentClosed, f.bridge.Reason())
	_, total := f.tel.played()
	assert.Equal(t, 800, total)
}

func TestBridgeHangupFallback(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, func(c *Config) {
		c.Fallback = FallbackHangup
	})
	f.agent.connectErr = &agent.ConnectError{Stage: "dial", Attempts: 2, Cause: errors.New("refused")}
	f.start("CA-down")
	f.waitDone(t)

	assert.Equal(t, ReasonAgentUnavailable, f.bridge.Reason())
	_, closes := f.tel.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, f.agent.closeCount())
}

func TestBridgeHoldFallback(t *testing.T) {
	hold := bytes.Repeat([]byte{0x55}, 320)
	f := newFixture(t, media.CodecPCM16k, func(c *Config) {
		c.Fallback = FallbackHold
		c.HoldAudio = hold
		c.MaxHold = 150 * time.Millisecond
	})
	f.agent.connectErr = errors.New("refused")
	f.start("CA-hold")

	require.Eventually(t, func() bool { return f.bridge.Info().Holding }, time.Second, 5*time.Millisecond)
	f.waitDone(t)

	assert.Equal(t, ReasonHoldTimeout, f.bridge.Reason())
	_, total := f.tel.played()
	assert.Greater(t, total, len(hold), "hold audio should loop")
	assert.Equal(t, 1, f.agent.closeCount())
}

func TestBridgeSimultaneousTerminalEvents(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-both")
	f.waitActive(t)

	f.tel.events <- telephony.StopEvent{Reason: telephony.StopProvider}
	f.agent.events <- agent.ClosedEvent{}
	f.waitDone(t)

	assert.Contains(t, []string{ReasonCallerHangup, ReasonAgentClosed}, f.bridge.Reason())
	_, closes := f.tel.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, f.agent.closeCount())
	assert.Equal(t, 1, countType(f.notifications(), events.BridgeEnded))
}

// slowNotifier records event types after a fixed delay per event.
type slowNotifier struct {
	delay time.Duration

	mu    sync.Mutex
	types []events.EventType
}

func (n *slowNotifier) Notify(ctx context.Context, ev events.Event) error {
	time.Sleep(n.delay)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, ev.Type())
	return nil
}

func (n *slowNotifier) Close() error { return nil }

func (n *slowNotifier) seen() []events.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.EventType(nil), n.types...)
}

func TestBridgeEndedSurvivesNotificationBacklog(t *testing.T) {
	slow := &slowNotifier{delay: 5 * time.Millisecond}
	f := newFixture(t, media.CodecPCM16k, func(c *Config) {
		c.Notifier = slow
		c.NotifyTimeout = 5 * time.Second
	})
	f.start("CA-backlog")
	f.waitActive(t)

	// More transcript lines than the queue holds, so some are dropped.
	for i := 0; i < 80; i++ {
		f.agent.events <- agent.UserTranscriptEvent{Text: "still there?"}
	}
	require.Eventually(t, func() bool { return len(f.agent.events) == 0 }, time.Second, time.Millisecond)
	f.tel.events <- telephony.StopEvent{Reason: telephony.StopProvider}
	f.waitDone(t)

	seen := slow.seen()
	require.NotEmpty(t, seen)
	ended := 0
	for _, typ := range seen {
		if typ == events.BridgeEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
	assert.Equal(t, events.BridgeEnded, seen[len(seen)-1])
}

func TestBridgeEndIsIdempotent(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-end")
	f.waitActive(t)

	f.bridge.End(ReasonExternal)
	f.bridge.End(ReasonShutdown)
	f.waitDone(t)
	f.tel.events <- telephony.StopEvent{Reason: telephony.StopProvider}

	assert.Equal(t, ReasonExternal, f.bridge.Reason())
	_, closes := f.tel.counts()
	assert.Equal(t, 1, closes)
	f.agent.mu.Lock()
	assert.Equal(t, 1, f.agent.closes)
	f.agent.mu.Unlock()
	assert.Equal(t, 1, countType(f.notifications(), events.BridgeEnded))
}

func TestBridgeClosedBeforeStart(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.bridge.End(ReasonShutdown)
	f.waitDone(t)

	assert.Empty(t, f.notifications())
	assert.Equal(t, "", f.bridge.CallID())
}

func TestBridgeShutdownOnContextCancel(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-ctx")
	f.waitActive(t)

	f.cancel()
	f.waitDone(t)
	assert.Equal(t, ReasonShutdown, f.bridge.Reason())
}

func TestBridgeReplacedByNewStream(t *testing.T) {
	reg := registry.New[*Bridge](nil)
	first := newFixture(t, media.CodecPCM16k, func(c *Config) { c.Registry = reg })
	first.start("CA-dup")
	first.waitActive(t)

	second := newFixture(t, media.CodecPCM16k, func(c *Config) { c.Registry = reg })
	second.start("CA-dup")
	first.waitDone(t)

	assert.Equal(t, ReasonReplaced, first.bridge.Reason())
	second.waitActive(t)
	current, ok := reg.Lookup("CA-dup")
	require.True(t, ok)
	assert.Same(t, second.bridge, current)
}

func TestBridgeRecordsTranscriptLines(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	f.start("CA-lines")
	f.waitActive(t)

	f.agent.events <- agent.UserTranscriptEvent{Text: "where is my order"}
	f.agent.events <- agent.AgentResponseEvent{Text: "let me check"}
	f.agent.events <- agent.MetadataEvent{ConversationID: "conv_1", Input: media.CodecPCM16k, Output: media.CodecPCM16k}
	require.Eventually(t, func() bool {
		return f.bridge.Info().ConversationID == "conv_1"
	}, time.Second, 5*time.Millisecond)

	f.bridge.End(ReasonExternal)
	f.waitDone(t)

	var speakers []events.Speaker
	for _, ev := range f.notifications() {
		switch e := ev.(type) {
		case *events.TranscriptLineEvent:
			speakers = append(speakers, e.Speaker)
		case *events.BridgeEndedEvent:
			assert.Equal(t, "conv_1", e.ConversationID)
		}
	}
	assert.Equal(t, []events.Speaker{events.SpeakerCustomer, events.SpeakerAgent}, speakers)
}

func TestBridgeInfo(t *testing.T) {
	f := newFixture(t, media.CodecPCM16k, nil)
	info := f.bridge.Info()
	assert.Equal(t, StateConnecting, info.State)
	assert.Zero(t, info.AgeSeconds)

	f.start("CA-info")
	f.waitActive(t)
	info = f.bridge.Info()
	assert.Equal(t, "CA-info", info.CallID)
	assert.Equal(t, "MZCA-info", info.StreamID)
	assert.Equal(t, "fake", info.AgentKind)
	assert.Contains(t, info.ID, "bridge-")
}
