package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Notifier receives call events. Notify is best effort: callers log a
// returned error and carry on.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (NoopNotifier) Notify(ctx context.Context, event Event) error { return nil }
func (NoopNotifier) Close() error                                  { return nil }

// LoggingNotifier logs each event.
type LoggingNotifier struct {
	logger *slog.Logger
}

// NewLoggingNotifier creates a notifier that logs events.
func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []any{"subject", event.Subject(), "call_id", event.CallID()}
	switch e := event.(type) {
	case *BridgeStartedEvent:
		n.logger.Info("[Events] Bridge started", append(attrs, "stream_id", e.StreamID, "agent", e.AgentKind)...)
	case *BridgeEndedEvent:
		n.logger.Info("[Events] Bridge ended", append(attrs, "reason", e.Reason, "duration_s", e.DurationSeconds)...)
	case *TranscriptLineEvent:
		n.logger.Debug("[Events] Transcript", append(attrs, "speaker", e.Speaker, "text", e.Text)...)
	default:
		n.logger.Debug("[Events] Event", append(attrs, "type", event.Type())...)
	}
	return nil
}

func (n *LoggingNotifier) Close() error { return nil }

// ChannelNotifier delivers events to an in-memory channel, dropping when
// the buffer is full.
type ChannelNotifier struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// NewChannelNotifier creates a notifier backed by a buffered channel.
func NewChannelNotifier(bufferSize int) *ChannelNotifier {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelNotifier{ch: make(chan Event, bufferSize)}
}

func (n *ChannelNotifier) Notify(ctx context.Context, event Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil
	}
	select {
	case n.ch <- event:
	default:
		n.dropped.Add(1)
		slog.Warn("[Events] Event dropped: buffer full", "type", event.Type(), "call_id", event.CallID())
	}
	return nil
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (n *ChannelNotifier) Events() <-chan Event { return n.ch }

// DroppedCount returns the number of events dropped on overflow.
func (n *ChannelNotifier) DroppedCount() int64 { return n.dropped.Load() }

// MultiNotifier fans events out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a fan-out notifier. Nil entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Notify delivers to every notifier and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiNotifier) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
