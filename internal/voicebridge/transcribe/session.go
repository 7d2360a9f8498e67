package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
)

// Mode is the active tier of a Session.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeStreaming Mode = "streaming"
	ModeBatch     Mode = "batch"
	ModeStopped   Mode = "stopped"
)

// Config tunes a Session. Zero values take the defaults noted per field.
type Config struct {
	Window         time.Duration // batch flush interval, 5s
	ConnectTimeout time.Duration // streaming handshake bound, 5s
	RequestTimeout time.Duration // per batch request, 20s
	MinBytes       int           // smallest batch worth sending, 20000 (2.5s)
	HistorySize    int           // final lines kept, 15
	PromptLines    int           // lines passed as prompt context, 3

	// Limiter bounds concurrent batch requests across all calls. Nil means
	// no bound.
	Limiter *semaphore.Weighted

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 20000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 15
	}
	if c.PromptLines <= 0 {
		c.PromptLines = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sink receives transcript lines. It may be called from several goroutines
// but never concurrently for the same Session.
type Sink func(Line)

// Session transcribes one call.
type Session struct {
	callID    string
	cfg       Config
	streaming StreamingProvider
	batch     BatchProvider
	sink      Sink
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	mode        Mode
	stream      Stream
	buf         []byte
	windowStart time.Time
	history     history

	sinkMu   sync.Mutex
	inflight sync.WaitGroup
}

// NewSession creates an idle session. Either provider may be nil.
func NewSession(callID string, streaming StreamingProvider, batch BatchProvider, sink Sink, cfg Config) *Session {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		callID:    callID,
		cfg:       cfg,
		streaming: streaming,
		batch:     batch,
		sink:      sink,
		log:       cfg.Logger.With("call_id", callID),
		ctx:       ctx,
		cancel:    cancel,
		mode:      ModeIdle,
		history:   history{max: cfg.HistorySize},
	}
}

// Mode returns the active tier.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start tries the streaming provider within ConnectTimeout and otherwise
// settles on batch mode. It fails only when neither tier is usable.
func (s *Session) Start(ctx context.Context) error {
	if s.streaming != nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		stream, err := s.streaming.Open(dialCtx)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.mode = ModeStreaming
			s.stream = stream
			s.mu.Unlock()
			go s.forward(stream)
			s.log.Info("[Transcribe] Streaming recognition started", "provider", s.streaming.Name())
			return nil
		}
		s.cfg.Metrics.Transcription(s.streaming.Name(), 0, err)
		s.log.Warn("[Transcribe] Streaming provider unavailable, using batch", "provider", s.streaming.Name(), "error", err)
	}

	if s.batch == nil {
		s.mu.Lock()
		s.mode = ModeStopped
		s.mu.Unlock()
		return fmt.Errorf("%w: no usable transcription provider", ErrProviderFailure)
	}

	s.mu.Lock()
	s.switchToBatchLocked()
	s.mu.Unlock()
	return nil
}

func (s *Session) switchToBatchLocked() {
	s.mode = ModeBatch
	s.stream = nil
	s.buf = s.buf[:0]
	s.windowStart = time.Now()
	s.log.Info("[Transcribe] Batch recognition active", "provider", s.batch.Name(), "window", s.cfg.Window)
}

// Feed adds inbound µ-law audio. It does not wait for any provider.
func (s *Session) Feed(ulaw []byte) {
	if len(ulaw) == 0 {
		return
	}

	s.mu.Lock()
	switch s.mode {
	case ModeStreaming:
		stream := s.stream
		s.mu.Unlock()
		if err := stream.Send(ulaw); err != nil {
			s.log.Debug("[Transcribe] Stream send failed", "error", err)
		}
		return

	case ModeBatch:
		s.buf = append(s.buf, ulaw...)
		if time.Since(s.windowStart) < s.cfg.Window {
			s.mu.Unlock()
			return
		}
		chunk := s.takeLocked()
		s.mu.Unlock()
		s.flush(chunk, false)
		return

	default:
		s.mu.Unlock()
	}
}

func (s *Session) takeLocked() []byte {
	chunk := s.buf
	s.buf = nil
	s.windowStart = time.Now()
	return chunk
}

// forward relays streaming results and falls back to batch when the stream
// dies on its own.
func (s *Session) forward(stream Stream) {
	for line := range stream.Results() {
		if line.IsFinal {
			s.mu.Lock()
			s.history.add(line.Text)
			s.mu.Unlock()
		}
		s.emit(line)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeStreaming || s.stream != stream {
		return
	}
	s.cfg.Metrics.Transcription(s.streaming.Name(), 0, stream.Err())
	if s.batch == nil {
		s.mode = ModeStopped
		s.log.Warn("[Transcribe] Stream ended with no batch fallback", "error", stream.Err())
		return
	}
	s.log.Warn("[Transcribe] Stream ended mid-call, switching to batch", "error", stream.Err())
	s.switchToBatchLocked()
}

// flush sends one window to the batch provider. Only Stop's own flush runs
// after the session has stopped, so inflight never grows once Stop waits.
func (s *Session) flush(chunk []byte, final bool) {
	provider := s.batch.Name()
	if len(chunk) < s.cfg.MinBytes {
		s.cfg.Metrics.TranscriptionSkipped(provider, "short")
		return
	}
	if !media.HasSpeechEnergy(chunk) {
		s.cfg.Metrics.TranscriptionSkipped(provider, "silence")
		s.log.Debug("[Transcribe] Skipping silent window", "bytes", len(chunk))
		return
	}

	s.mu.Lock()
	if s.mode == ModeStopped && !final {
		s.mu.Unlock()
		return
	}
	prompt := s.history.prompt(s.cfg.PromptLines)
	s.inflight.Add(1)
	s.mu.Unlock()

	wav := media.MulawToWAV(chunk)
	go func() {
		defer s.inflight.Done()
		s.transcribe(wav, prompt)
	}()
}

func (s *Session) transcribe(wav []byte, prompt string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Acquire(ctx, 1); err != nil {
			s.cfg.Metrics.TranscriptionSkipped(s.batch.Name(), "busy")
			return
		}
		defer s.cfg.Limiter.Release(1)
	}

	start := time.Now()
	text, err := s.batch.Transcribe(ctx, wav, prompt)
	s.cfg.Metrics.Transcription(s.batch.Name(), time.Since(start), err)
	if err != nil {
		s.log.Warn("[Transcribe] Batch transcription failed", "provider", s.batch.Name(), "error", err)
		return
	}
	if !IsValidTranscript(text) {
		s.log.Debug("[Transcribe] Discarding filler transcript", "text", text)
		return
	}

	s.mu.Lock()
	s.history.add(text)
	s.mu.Unlock()
	s.emit(Line{Text: text, IsFinal: true})
}

func (s *Session) emit(line Line) {
	if s.sink == nil {
		return
	}
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink(line)
}

// History returns the retained final lines, oldest first.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history.lines...)
}

// Stop flushes buffered batch audio, closes any stream and waits for pending
// requests until ctx ends.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	mode := s.mode
	stream := s.stream
	var chunk []byte
	if mode == ModeBatch {
		chunk = s.takeLocked()
	}
	s.mode = ModeStopped
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if len(chunk) > 0 {
		s.flush(chunk, true)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("[Transcribe] Abandoning pending transcriptions")
	}
	s.cancel()
}
