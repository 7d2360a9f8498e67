package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
)

const (
	DefaultElevenLabsURL = "https://api.elevenlabs.io"

	signedURLPath     = "/v1/convai/conversation/get-signed-url"
	publicConvPath    = "/v1/convai/conversation"
	sendQueueSize     = 256
	agentWriteTimeout = 5 * time.Second
)

// ElevenLabsConfig configures the conversational AI client.
type ElevenLabsConfig struct {
	APIKey  string
	AgentID string
	BaseURL string

	// InputCodec is assumed until the agent's initiation metadata says otherwise.
	InputCodec media.Codec

	// Retries is the number of extra handshakes after the first fails.
	Retries int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func (c *ElevenLabsConfig) withDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultElevenLabsURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.InputCodec.SampleRate == 0 {
		c.InputCodec = media.CodecPCM16k
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewElevenLabsFactory returns a Factory producing ElevenLabs sessions.
func NewElevenLabsFactory(cfg ElevenLabsConfig) Factory {
	cfg.withDefaults()
	return func(info CallInfo) Session {
		return NewElevenLabs(cfg, info)
	}
}

// ElevenLabs is a Session backed by the ElevenLabs Conversational AI websocket.
type ElevenLabs struct {
	cfg  ElevenLabsConfig
	info CallInfo
	log  *slog.Logger

	conn   *websocket.Conn
	events chan Event
	send   chan []byte
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	closeOnce sync.Once

	input  atomic.Value // media.Codec
	output media.Codec  // read loop only

	conversationID atomic.Value // string
}

// NewElevenLabs creates an unconnected session.
func NewElevenLabs(cfg ElevenLabsConfig, info CallInfo) *ElevenLabs {
	cfg.withDefaults()
	e := &ElevenLabs{
		cfg:    cfg,
		info:   info,
		log:    cfg.Logger.With("call_id", info.CallID),
		events: make(chan Event, 64),
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		output: media.CodecPCM16k,
	}
	e.input.Store(cfg.InputCodec)
	e.conversationID.Store("")
	return e
}

// Connect fetches a signed URL and opens the conversation socket, retrying the
// whole handshake up to cfg.Retries more times.
func (e *ElevenLabs) Connect(ctx context.Context) error {
	start := time.Now()
	conn, err := e.handshake(ctx)
	e.cfg.Metrics.AgentConnect(time.Since(start), err)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: closed during connect", ErrPeerClosed)
	}
	e.conn = conn
	e.connected = true
	e.mu.Unlock()

	if err := e.sendClientData(); err != nil {
		e.log.Warn("[Agent] Failed to send client data", "error", err)
	}

	go e.readLoop()
	go e.writeLoop()

	e.log.Info("[Agent] Connected", "agent_id", e.cfg.AgentID, "elapsed", time.Since(start))
	return nil
}

func (e *ElevenLabs) handshake(ctx context.Context) (*websocket.Conn, error) {
	if e.cfg.AgentID == "" {
		return nil, &ConnectError{Stage: "signed_url", Attempts: 0, Cause: errors.New("agent id not configured")}
	}

	var lastErr error
	stage := "signed_url"
	attempts := 0
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		attempts++

		wsURL, err := e.conversationURL(ctx)
		if err != nil {
			stage, lastErr = "signed_url", err
			e.log.Warn("[Agent] Signed URL request failed", "attempt", attempts, "error", err)
			continue
		}

		conn, resp, err := e.cfg.Dialer.DialContext(ctx, wsURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			stage, lastErr = "dial", err
			e.log.Warn("[Agent] Dial failed", "attempt", attempts, "error", err)
			continue
		}
		return conn, nil
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, &ConnectError{Stage: stage, Attempts: attempts, Cause: lastErr}
}

// conversationURL returns a signed URL for private agents, or the public
// conversation URL when no API key is configured.
func (e *ElevenLabs) conversationURL(ctx context.Context) (string, error) {
	if e.cfg.APIKey == "" {
		u, err := url.Parse(e.cfg.BaseURL + publicConvPath)
		if err != nil {
			return "", err
		}
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
		u.RawQuery = url.Values{"agent_id": {e.cfg.AgentID}}.Encode()
		return u.String(), nil
	}

	reqURL := e.cfg.BaseURL + signedURLPath + "?" + url.Values{"agent_id": {e.cfg.AgentID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signed url: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("signed url: %w", err)
	}
	if body.SignedURL == "" {
		return "", errors.New("signed url: empty response")
	}
	return body.SignedURL, nil
}

func (e *ElevenLabs) sendClientData() error {
	msg := clientDataMessage{Type: "conversation_initiation_client_data"}
	if len(e.info.Parameters) > 0 {
		msg.DynamicVariables = e.info.Parameters
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.enqueue(payload)
}

// Events implements Session.
func (e *ElevenLabs) Events() <-chan Event {
	return e.events
}

// InputCodec implements Session.
func (e *ElevenLabs) InputCodec() media.Codec {
	return e.input.Load().(media.Codec)
}

// ConversationID is known once initiation metadata has arrived.
func (e *ElevenLabs) ConversationID() string {
	return e.conversationID.Load().(string)
}

// SendUserAudio implements Session.
func (e *ElevenLabs) SendUserAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	payload, err := json.Marshal(userAudioMessage{UserAudioChunk: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return err
	}
	return e.enqueue(payload)
}

func (e *ElevenLabs) enqueue(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.connected {
		return nil
	}
	select {
	case e.send <- payload:
	default:
		e.cfg.Metrics.FrameDropped("agent_send_overflow")
		e.log.Debug("[Agent] Send queue full, dropping frame")
	}
	return nil
}

// Close implements Session. Safe to call more than once.
func (e *ElevenLabs) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		connected := e.connected
		e.mu.Unlock()

		close(e.done)
		if !connected {
			close(e.events)
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = e.conn.Close()
	})
	return nil
}

func (e *ElevenLabs) deliver(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		select {
		case e.events <- ev:
			return true
		default:
			return false
		}
	}
}

// readLoop is the only sender on e.events once connected.
func (e *ElevenLabs) readLoop() {
	var closeErr error
	defer func() {
		e.deliver(ClosedEvent{Err: closeErr})
		close(e.events)
		_ = e.Close()
	}()

	for {
		msgType, data, err := e.conn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					closeErr = fmt.Errorf("%w: %v", ErrPeerClosed, err)
				}
			}
			return
		}

		var ev Event
		if msgType == websocket.BinaryMessage {
			ev = AudioEvent{Data: data, Codec: e.output}
		} else {
			ev, err = ParseMessage(data, e.output)
			if err != nil {
				var remote *remoteError
				if errors.As(err, &remote) {
					e.log.Error("[Agent] Agent reported error", "message", remote.message)
					closeErr = err
					return
				}
				e.cfg.Metrics.FrameDropped("agent_malformed")
				e.log.Warn("[Agent] Dropping malformed message", "error", err)
				continue
			}
		}

		switch m := ev.(type) {
		case pingEvent:
			if payload, err := json.Marshal(pongMessage{Type: "pong", EventID: m.EventID}); err == nil {
				_ = e.enqueue(payload)
			}
			continue
		case UnknownEvent:
			e.log.Debug("[Agent] Ignoring message", "type", m.Type)
			continue
		case MetadataEvent:
			e.output = m.Output
			e.input.Store(m.Input)
			e.conversationID.Store(m.ConversationID)
			e.log.Info("[Agent] Conversation started",
				"conversation_id", m.ConversationID,
				"input", m.Input.String(),
				"output", m.Output.String(),
			)
		}

		if !e.deliver(ev) {
			return
		}
	}
}

func (e *ElevenLabs) writeLoop() {
	for {
		select {
		case <-e.done:
			return
		case payload := <-e.send:
			if err := e.conn.SetWriteDeadline(time.Now().Add(agentWriteTimeout)); err != nil {
				return
			}
			if err := e.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				e.log.Warn("[Agent] Write failed", "error", err)
				_ = e.conn.Close()
				return
			}
		}
	}
}
