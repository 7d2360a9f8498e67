// Package telephony implements one call's media stream socket to the
// telephony provider (Twilio Media Streams wire format).
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
)

const (
	defaultQueueSize    = 250 // 5s of 20ms frames
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	maxMessageSize      = 1 << 20
)

// Options configures a Session.
type Options struct {
	// QueueSize bounds outbound audio chunks waiting for the writer. When full
	// the oldest chunk is dropped.
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an incoming media stream request and starts a Session on it.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewSession(conn, opts), nil
}

type outboundKind int

const (
	outboundAudio outboundKind = iota
	outboundMark
)

type outbound struct {
	kind outboundKind
	data []byte
	name string
}

// Session is one duplex media stream. Inbound frames are delivered in arrival
// order on Events; outbound audio goes through a single writer goroutine.
type Session struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	events chan Event
	done   chan struct{}
	wake   chan struct{}

	closeOnce sync.Once
	stopped   atomic.Bool
	started   atomic.Bool

	mu           sync.Mutex
	callID       string
	streamID     string
	queue        []outbound
	clearPending bool
	audioQueued  bool // audio queued or written since the last clear

	framesIn  atomic.Int64
	framesOut atomic.Int64
	dropped   atomic.Int64
}

// NewSession wraps an established websocket connection.
func NewSession(conn *websocket.Conn, opts Options) *Session {
	opts.withDefaults()
	conn.SetReadLimit(maxMessageSize)

	s := &Session{
		conn:   conn,
		opts:   opts,
		log:    opts.Logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}

	go s.readLoop()
	go s.writeLoop()

	return s
}

// Events returns the inbound event stream. It is closed after the StopEvent.
func (s *Session) Events() <-chan Event {
	return s.events
}

// CallID returns the provider call identifier, empty before start.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// StreamID returns the media stream identifier, empty before start.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// SendAudio queues µ-law audio for playback to the caller. It never blocks on
// the network and is a no-op once the stream has stopped.
func (s *Session) SendAudio(ulaw []byte) error {
	if s.stopped.Load() || len(ulaw) == 0 {
		return nil
	}
	data := make([]byte, len(ulaw))
	copy(data, ulaw)

	s.mu.Lock()
	if len(s.queue) >= s.opts.QueueSize {
		s.dropOldestAudioLocked()
	}
	s.queue = append(s.queue, outbound{kind: outboundAudio, data: data})
	s.audioQueued = true
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *Session) dropOldestAudioLocked() {
	for i, item := range s.queue {
		if item.kind == outboundAudio {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped.Add(1)
			s.opts.Metrics.FrameDropped("outbound_overflow")
			return
		}
	}
}

// SendClear discards audio queued here and tells the provider to flush its
// playback buffer. Clearing when nothing has been queued since the previous
// clear writes nothing.
func (s *Session) SendClear() error {
	if s.stopped.Load() {
		return nil
	}

	s.mu.Lock()
	if !s.audioQueued {
		s.mu.Unlock()
		return nil
	}
	s.queue = s.queue[:0]
	s.clearPending = true
	s.audioQueued = false
	s.mu.Unlock()

	s.signal()
	return nil
}

// SendMark asks the provider to echo name back once all audio queued before it
// has played.
func (s *Session) SendMark(name string) error {
	if s.stopped.Load() {
		return nil
	}
	s.mu.Lock()
	s.queue = append(s.queue, outbound{kind: outboundMark, name: name})
	s.mu.Unlock()

	s.signal()
	return nil
}

// Close ends the stream. The StopEvent is still delivered if the consumer is
// reading. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()

		s.log.Debug("[Telephony] Session closed",
			"call_id", s.CallID(),
			"frames_in", s.framesIn.Load(),
			"frames_out", s.framesOut.Load(),
			"dropped", s.dropped.Load(),
		)
	})
	return nil
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver hands an event to the consumer, giving up once the session is closed
// and nobody is reading.
func (s *Session) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		select {
		case s.events <- ev:
			return true
		default:
			return false
		}
	}
}

// readLoop is the only sender on s.events.
func (s *Session) readLoop() {
	stop := StopEvent{Reason: StopLocal}
	defer func() {
		s.stopped.Store(true)
		s.deliver(stop)
		close(s.events)
		_ = s.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				stop = StopEvent{Reason: StopLocal}
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					stop = StopEvent{Reason: StopRemote}
				} else {
					stop = StopEvent{Reason: StopError, Err: fmt.Errorf("%w: %v", ErrPeerClosed, err)}
				}
			}
			return
		}

		ev, err := ParseFrame(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				s.log.Debug("[Telephony] Ignoring frame", "call_id", s.CallID(), "reason", err)
				continue
			}
			s.opts.Metrics.FrameDropped("malformed")
			s.log.Warn("[Telephony] Dropping malformed frame", "call_id", s.CallID(), "error", err)
			continue
		}

		switch e := ev.(type) {
		case StartEvent:
			if !s.started.CompareAndSwap(false, true) {
				s.log.Warn("[Telephony] Duplicate start ignored", "call_id", e.CallID, "stream_sid", e.StreamID)
				continue
			}
			s.mu.Lock()
			s.callID = e.CallID
			s.streamID = e.StreamID
			s.mu.Unlock()
			s.log.Info("[Telephony] Stream started", "call_id", e.CallID, "stream_sid", e.StreamID)

		case AudioEvent:
			s.framesIn.Add(1)

		case StopEvent:
			stop = e
			s.log.Info("[Telephony] Stream stopped by provider", "call_id", s.CallID())
			return
		}

		if !s.deliver(ev) {
			return
		}
	}
}

// writeLoop writes queued frames. A pending clear always goes out before any
// queued audio.
func (s *Session) writeLoop() {
	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				s.log.Debug("[Telephony] Ping failed", "call_id", s.CallID(), "error", err)
			}
		case <-s.wake:
			if err := s.flush(); err != nil {
				s.log.Warn("[Telephony] Write failed", "call_id", s.CallID(), "error", err)
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Session) flush() error {
	for {
		s.mu.Lock()
		streamID := s.streamID
		var msg *outboundMessage
		switch {
		case s.clearPending:
			s.clearPending = false
			msg = &outboundMessage{Event: "clear", StreamSID: streamID}
		case len(s.queue) > 0:
			item := s.queue[0]
			s.queue = s.queue[1:]
			if item.kind == outboundMark {
				msg = &outboundMessage{Event: "mark", StreamSID: streamID, Mark: &markMessage{Name: item.name}}
			} else {
				msg = &outboundMessage{
					Event:     "media",
					StreamSID: streamID,
					Media:     &mediaMessage{Payload: base64.StdEncoding.EncodeToString(item.data)},
				}
			}
		}
		s.mu.Unlock()

		if msg == nil {
			return nil
		}
		select {
		case <-s.done:
			return nil
		default:
		}
		if err := s.write(msg); err != nil {
			return err
		}
		if msg.Event == "media" {
			s.framesOut.Add(1)
			s.opts.Metrics.Frame(metrics.DirectionOutbound)
		}
	}
}

func (s *Session) write(msg *outboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
