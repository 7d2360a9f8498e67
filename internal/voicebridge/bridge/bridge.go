// Package bridge runs one call: it joins a telephony media stream to a
// conversational agent session, translating audio in both directions.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sebas/voicebridge/internal/voicebridge/agent"
	"github.com/sebas/voicebridge/internal/voicebridge/events"
	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/telephony"
)

// Fallback policies applied when the agent cannot be reached.
const (
	FallbackHangup = "hangup"
	FallbackHold   = "hold"
)

// Telephony is the caller's side of the bridge.
type Telephony interface {
	Events() <-chan telephony.Event
	SendAudio(ulaw []byte) error
	SendClear() error
	SendMark(name string) error
	Close() error
}

// Registrar is where a bridge announces itself once its call ID is known.
type Registrar interface {
	Register(callID string, b *Bridge)
	Remove(callID string, b *Bridge) bool
}

// Config is shared by every bridge of a process.
type Config struct {
	Agent     agent.Factory
	AgentKind string

	ConnectTimeout time.Duration // default 10s
	Fallback       string        // FallbackHangup or FallbackHold
	HoldAudio      []byte        // µ-law 8k, looped while holding
	MaxHold        time.Duration // default 2m
	PlaybackChunk  time.Duration // default 20ms
	DrainTimeout   time.Duration // default 3s
	NotifyTimeout  time.Duration // default 2s

	Registry Registrar
	Notifier events.Notifier
	Events   *events.Builder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (c *Config) withDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Fallback == "" {
		c.Fallback = FallbackHangup
	}
	if c.MaxHold <= 0 {
		c.MaxHold = 2 * time.Minute
	}
	if c.PlaybackChunk <= 0 {
		c.PlaybackChunk = 20 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 2 * time.Second
	}
	if c.Notifier == nil {
		c.Notifier = events.NewNoopNotifier()
	}
	if c.Events == nil {
		c.Events = events.NewBuilder("")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are per-bridge counters.
type Stats struct {
	FramesIn      int64 `json:"framesIn"`
	FramesOut     int64 `json:"framesOut"`
	BytesIn       int64 `json:"bytesIn"`
	BytesOut      int64 `json:"bytesOut"`
	Dropped       int64 `json:"dropped"`
	Interruptions int64 `json:"interruptions"`
}

// Info is a point-in-time description of a bridge.
type Info struct {
	ID             string    `json:"id"`
	CallID         string    `json:"callId"`
	StreamID       string    `json:"streamId"`
	ConversationID string    `json:"conversationId,omitempty"`
	AgentKind      string    `json:"agentKind,omitempty"`
	State          string    `json:"state"`
	Holding        bool      `json:"holding"`
	StartedAt      time.Time `json:"startedAt"`
	AgeSeconds     float64   `json:"ageSeconds"`
	Stats          Stats     `json:"stats"`
}

// Bridge owns one call's telephony and agent sessions. All call state is
// driven by the Run goroutine.
type Bridge struct {
	ID string

	cfg Config
	tel Telephony
	log *slog.Logger
	fsm *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	callID         string
	streamID       string
	conversationID string
	startedAt      time.Time
	holding        bool
	reason         string

	// Run goroutine only.
	agent   agent.Session
	started bool
	pacer   *pacer
	notes   chan events.Event
	final   events.Event

	connectCh chan error
	endCh     chan string
	done      chan struct{}
	closeOnce sync.Once

	framesIn      atomic.Int64
	framesOut     atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	dropped       atomic.Int64
	interruptions atomic.Int64
}

// New creates a bridge for a freshly accepted telephony session. Call Run to
// drive it.
func New(tel Telephony, cfg Config) *Bridge {
	cfg.withDefaults()
	id := "bridge-" + uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		ID:        id,
		cfg:       cfg,
		tel:       tel,
		log:       cfg.Logger.With("bridge_id", id),
		ctx:       ctx,
		cancel:    cancel,
		notes:     make(chan events.Event, 64),
		connectCh: make(chan error, 1),
		endCh:     make(chan string, 1),
		done:      make(chan struct{}),
	}
	b.fsm = b.newStateMachine()
	b.pacer = newPacer(b.sendToCaller, cfg.PlaybackChunk)
	return b
}

// CallID returns the call ID once the start frame has arrived.
func (b *Bridge) CallID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callID
}

// End asks the bridge to close with reason. It never blocks; only the first
// request counts.
func (b *Bridge) End(reason string) {
	select {
	case b.endCh <- reason:
	default:
	}
}

// Done is closed when Run has finished all teardown.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Reason is the close reason, empty while the bridge is live.
func (b *Bridge) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesIn:      b.framesIn.Load(),
		FramesOut:     b.framesOut.Load(),
		BytesIn:       b.bytesIn.Load(),
		BytesOut:      b.bytesOut.Load(),
		Dropped:       b.dropped.Load(),
		Interruptions: b.interruptions.Load(),
	}
}

// Info returns a snapshot for the control API.
func (b *Bridge) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info := Info{
		ID:             b.ID,
		CallID:         b.callID,
		StreamID:       b.streamID,
		ConversationID: b.conversationID,
		AgentKind:      b.cfg.AgentKind,
		State:          b.fsm.Current(),
		Holding:        b.holding,
		StartedAt:      b.startedAt,
		Stats:          b.Stats(),
	}
	if !b.startedAt.IsZero() {
		info.AgeSeconds = time.Since(b.startedAt).Seconds()
	}
	return info
}

// Run drives the bridge until it closes. Cancelling ctx closes the bridge
// with ReasonShutdown.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)

	notifyDone := make(chan struct{})
	go b.notifyLoop(notifyDone)

	var (
		telEvents   = b.tel.Events()
		agentEvents <-chan agent.Event
		drainTimer  <-chan time.Time
		holdTimer   <-chan time.Time
	)

	for b.State() != StateClosed {
		var idle <-chan struct{}
		if b.State() == StateDraining || b.isHolding() {
			idle = b.pacer.Idle()
		}

		select {
		case ev, ok := <-telEvents:
			if !ok {
				telEvents = nil
				b.shutdown(ReasonCallerHangup)
				continue
			}
			b.handleTelephony(ev)

		case err := <-b.connectCh:
			if err == nil {
				agentEvents = b.agent.Events()
				b.activate()
				continue
			}
			holdTimer = b.connectFailed(err)

		case ev, ok := <-agentEvents:
			if !ok {
				// Closed without a ClosedEvent.
				agentEvents = nil
				if b.State() == StateActive {
					b.shutdown(ReasonAgentError)
				}
				continue
			}
			if _, last := ev.(agent.ClosedEvent); last {
				agentEvents = nil
			}
			if b.handleAgent(ev) {
				drainTimer = time.After(b.cfg.DrainTimeout)
			}

		case <-idle:
			if b.pacer.Busy() {
				continue
			}
			if b.isHolding() {
				b.pacer.Enqueue(b.cfg.HoldAudio)
				continue
			}
			b.shutdown(ReasonAgentClosed)

		case <-drainTimer:
			b.log.Warn("[Bridge] Drain timed out with audio still queued")
			b.shutdown(ReasonAgentClosed)

		case <-holdTimer:
			b.shutdown(ReasonHoldTimeout)

		case reason := <-b.endCh:
			b.shutdown(reason)

		case <-ctx.Done():
			b.shutdown(ReasonShutdown)
		}
	}

	close(b.notes)
	select {
	case <-notifyDone:
	case <-time.After(b.cfg.NotifyTimeout):
		b.log.Warn("[Bridge] Notifications still pending, delivering in background")
	}
}

func (b *Bridge) isHolding() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.holding
}

func (b *Bridge) handleTelephony(ev telephony.Event) {
	switch e := ev.(type) {
	case telephony.StartEvent:
		b.start(e)

	case telephony.AudioEvent:
		b.framesIn.Add(1)
		b.bytesIn.Add(int64(len(e.Payload)))
		b.cfg.Metrics.Frame(metrics.DirectionInbound)
		if b.State() != StateActive {
			b.drop("not_active")
			return
		}
		b.forwardToAgent(e.Payload)

	case telephony.MarkEvent:
		b.log.Debug("[Bridge] Playback mark reached", "name", e.Name)

	case telephony.StopEvent:
		if e.Err != nil {
			b.log.Debug("[Bridge] Telephony stream failed", "error", e.Err)
		}
		b.shutdown(ReasonCallerHangup)
	}
}

func (b *Bridge) start(e telephony.StartEvent) {
	if b.started {
		return
	}
	b.started = true

	b.mu.Lock()
	b.callID = e.CallID
	b.streamID = e.StreamID
	b.startedAt = time.Now()
	b.mu.Unlock()

	b.log = b.log.With("call_id", e.CallID)
	b.log.Info("[Bridge] Call started",
		"stream_id", e.StreamID,
		"agent", b.cfg.AgentKind,
		"parameters", len(e.CustomParameters),
	)

	if b.cfg.Registry != nil {
		b.cfg.Registry.Register(e.CallID, b)
	}
	b.cfg.Metrics.BridgeStarted()
	b.notify(b.cfg.Events.Started(e.CallID, e.StreamID, b.cfg.AgentKind, e.CustomParameters))

	b.agent = b.cfg.Agent(agent.CallInfo{
		CallID:     e.CallID,
		StreamID:   e.StreamID,
		Parameters: e.CustomParameters,
	})
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
		defer cancel()
		b.connectCh <- b.agent.Connect(ctx)
	}()
}

func (b *Bridge) activate() {
	if err := b.transition(eventActivate); err != nil {
		b.log.Warn("[Bridge] Cannot activate", "error", err)
		return
	}
	b.mu.Lock()
	wasHolding := b.holding
	b.holding = false
	b.mu.Unlock()
	if wasHolding {
		b.pacer.Clear()
	}
	b.log.Info("[Bridge] Agent connected", "input", b.agent.InputCodec().String())
}

// connectFailed applies the fallback policy. It returns the hold deadline
// when the caller is put on hold.
func (b *Bridge) connectFailed(err error) <-chan time.Time {
	b.log.Warn("[Bridge] Agent unavailable", "error", err, "fallback", b.cfg.Fallback,
		"unavailable", errors.Is(err, agent.ErrAgentUnavailable))

	if b.cfg.Fallback != FallbackHold || len(b.cfg.HoldAudio) == 0 {
		b.shutdown(ReasonAgentUnavailable)
		return nil
	}

	b.mu.Lock()
	b.holding = true
	b.mu.Unlock()
	b.pacer.Enqueue(b.cfg.HoldAudio)
	b.log.Info("[Bridge] Caller placed on hold", "max_hold", b.cfg.MaxHold)
	return time.After(b.cfg.MaxHold)
}

// handleAgent processes one agent event and reports whether the bridge just
// started draining.
func (b *Bridge) handleAgent(ev agent.Event) bool {
	switch e := ev.(type) {
	case agent.AudioEvent:
		if b.State() != StateActive {
			return false
		}
		b.playToCaller(e)

	case agent.InterruptionEvent:
		dropped := b.pacer.Clear()
		if err := b.tel.SendClear(); err != nil {
			b.log.Debug("[Bridge] Clear failed", "error", err)
		}
		b.interruptions.Add(1)
		b.cfg.Metrics.Interruption()
		b.log.Debug("[Bridge] Caller interrupted agent", "event_id", e.EventID, "discarded_chunks", dropped)

	case agent.MetadataEvent:
		b.mu.Lock()
		b.conversationID = e.ConversationID
		b.mu.Unlock()

	case agent.UserTranscriptEvent:
		b.notify(b.cfg.Events.Line(b.CallID(), events.SpeakerCustomer, e.Text))

	case agent.AgentResponseEvent:
		b.notify(b.cfg.Events.Line(b.CallID(), events.SpeakerAgent, e.Text))

	case agent.ClosedEvent:
		if e.Err != nil {
			b.log.Warn("[Bridge] Agent session failed", "error", e.Err)
			b.shutdown(ReasonAgentError)
			return false
		}
		if b.pacer.Busy() {
			if err := b.transition(eventDrain); err != nil {
				b.log.Warn("[Bridge] Cannot drain", "error", err)
				b.shutdown(ReasonAgentClosed)
				return false
			}
			b.log.Info("[Bridge] Agent finished, draining playback")
			return true
		}
		b.shutdown(ReasonAgentClosed)
	}
	return false
}

// forwardToAgent converts one caller frame to the agent's input format.
func (b *Bridge) forwardToAgent(ulaw []byte) {
	if err := media.Validate(media.CodecMulaw8k, ulaw); err != nil {
		b.log.Debug("[Bridge] Dropping inbound frame", "error", err)
		b.drop("malformed_inbound")
		return
	}

	in := b.agent.InputCodec()
	out := ulaw
	if in.Encoding != media.EncodingMulaw {
		pcm := media.MulawToPCM16(ulaw)
		if in.SampleRate != media.CodecMulaw8k.SampleRate {
			pcm = media.Resample(pcm, media.CodecMulaw8k.SampleRate, in.SampleRate)
		}
		out = media.PCM16ToBytes(pcm)
	}
	if err := b.agent.SendUserAudio(out); err != nil {
		b.log.Debug("[Bridge] Agent send failed", "error", err)
		b.drop("agent_send")
	}
}

// playToCaller converts agent speech to 8k µ-law and queues it for paced
// playback.
func (b *Bridge) playToCaller(e agent.AudioEvent) {
	if err := media.Validate(e.Codec, e.Data); err != nil {
		b.log.Debug("[Bridge] Dropping agent audio", "error", err)
		b.drop("malformed_outbound")
		return
	}

	ulaw := e.Data
	if e.Codec.Encoding != media.EncodingMulaw {
		pcm, err := media.PCM16FromBytes(e.Data)
		if err != nil {
			b.drop("malformed_outbound")
			return
		}
		if e.Codec.SampleRate != media.CodecMulaw8k.SampleRate {
			pcm = media.Resample(pcm, e.Codec.SampleRate, media.CodecMulaw8k.SampleRate)
		}
		ulaw = media.PCM16ToMulaw(pcm)
	}
	b.pacer.Enqueue(ulaw)
}

func (b *Bridge) sendToCaller(ulaw []byte) error {
	b.framesOut.Add(1)
	b.bytesOut.Add(int64(len(ulaw)))
	b.cfg.Metrics.Frame(metrics.DirectionOutbound)
	return b.tel.SendAudio(ulaw)
}

func (b *Bridge) drop(reason string) {
	b.dropped.Add(1)
	b.cfg.Metrics.FrameDropped(reason)
}

// shutdown enters the closed state. Every trigger funnels through here and
// only the first has any effect.
func (b *Bridge) shutdown(reason string) {
	if b.State() == StateClosed {
		return
	}
	if err := b.transition(eventClose); err != nil {
		b.log.Error("[Bridge] Close refused", "error", err)
		return
	}

	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.reason = reason
		b.holding = false
		callID, startedAt := b.callID, b.startedAt
		conversationID, streamID := b.conversationID, b.streamID
		b.mu.Unlock()

		b.pacer.Stop()
		b.cancel()
		if b.agent != nil {
			_ = b.agent.Close()
		}
		_ = b.tel.Close()

		if !b.started {
			b.log.Debug("[Bridge] Closed before start", "reason", reason)
			return
		}
		if b.cfg.Registry != nil {
			b.cfg.Registry.Remove(callID, b)
		}
		b.cfg.Metrics.BridgeEnded(reason)

		ended := b.cfg.Events.Ended(callID, reason, startedAt)
		ended.StreamID = streamID
		ended.ConversationID = conversationID
		b.final = ended

		stats := b.Stats()
		b.log.Info("[Bridge] Call ended",
			"reason", reason,
			"duration", time.Since(startedAt).Round(time.Millisecond),
			"frames_in", stats.FramesIn,
			"frames_out", stats.FramesOut,
			"interruptions", stats.Interruptions,
		)
	})
}

// notify queues an event for the notifier goroutine. Events beyond the
// buffer are dropped so a slow sink never stalls audio. The terminal event
// does not go through here; see notifyLoop.
func (b *Bridge) notify(ev events.Event) {
	select {
	case b.notes <- ev:
	default:
		b.log.Warn("[Bridge] Notification dropped", "type", ev.Type())
	}
}

// notifyLoop delivers queued events in order, then the terminal event once
// Run has closed the queue. The close orders the write of b.final before
// the read here.
func (b *Bridge) notifyLoop(done chan<- struct{}) {
	defer close(done)
	for ev := range b.notes {
		b.deliver(ev)
	}
	if b.final != nil {
		b.deliver(b.final)
	}
}

func (b *Bridge) deliver(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.NotifyTimeout)
	defer cancel()
	if err := b.cfg.Notifier.Notify(ctx, ev); err != nil {
		b.log.Warn("[Bridge] Notifier failed", "type", ev.Type(), "error", err)
	}
}
