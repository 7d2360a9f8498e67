package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/transcribe"
)

// Turn is one line of the conversation as seen by a Responder.
type Turn struct {
	Role string `json:"role"` // "user" or "agent"
	Text string `json:"text"`
}

// Responder decides what the agent says next.
type Responder interface {
	Respond(ctx context.Context, callID string, history []Turn) (string, error)
}

// Synthesizer renders text as 16kHz PCM16 speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// HTTPResponder posts the conversation to an external service and speaks the
// text it returns.
type HTTPResponder struct {
	URL    string
	Client *http.Client
}

type respondRequest struct {
	CallID  string `json:"callId"`
	History []Turn `json:"history"`
}

type respondResponse struct {
	Text string `json:"text"`
}

func (h *HTTPResponder) Respond(ctx context.Context, callID string, history []Turn) (string, error) {
	payload, err := json.Marshal(respondRequest{CallID: callID, History: history})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("responder: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out respondResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}
	return out.Text, nil
}

// ElevenLabsTTS is a Synthesizer for the ElevenLabs text-to-speech API.
type ElevenLabsTTS struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
	Client  *http.Client
}

func (t *ElevenLabsTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = DefaultElevenLabsURL
	}
	model := t.ModelID
	if model == "" {
		model = "eleven_turbo_v2_5"
	}

	reqURL := base + "/v1/text-to-speech/" + url.PathEscape(t.VoiceID) + "?output_format=pcm_16000"
	payload, err := json.Marshal(map[string]string{"text": text, "model_id": model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("xi-api-key", t.APIKey)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

// PipelineConfig wires a Pipeline agent.
type PipelineConfig struct {
	STT       transcribe.StreamingProvider
	Responder Responder
	TTS       Synthesizer

	// Greeting is spoken as soon as the session connects. Empty means wait
	// for the caller.
	Greeting string

	// TurnTimeout bounds one respond-and-synthesize round. Default 15s.
	TurnTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewPipelineFactory returns a Factory producing Pipeline sessions.
func NewPipelineFactory(cfg PipelineConfig) Factory {
	return func(info CallInfo) Session {
		return NewPipeline(cfg, info)
	}
}

// pipelineChunk is 100ms of 16kHz PCM16.
const pipelineChunk = 3200

type turnOutput struct {
	gen int
	ev  Event
	err error
}

// Pipeline is a Session assembled from a streaming recognizer, a Responder and
// a Synthesizer. Caller speech during an agent turn cancels the turn and
// produces an InterruptionEvent.
type Pipeline struct {
	cfg  PipelineConfig
	info CallInfo
	log  *slog.Logger

	stream transcribe.Stream
	events chan Event
	turns  chan turnOutput
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	closeOnce sync.Once
}

// NewPipeline creates an unconnected pipeline session.
func NewPipeline(cfg PipelineConfig, info CallInfo) *Pipeline {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		info:   info,
		log:    cfg.Logger.With("call_id", info.CallID),
		events: make(chan Event, 64),
		turns:  make(chan turnOutput, 16),
		done:   make(chan struct{}),
	}
}

// Connect opens the recognition stream.
func (p *Pipeline) Connect(ctx context.Context) error {
	start := time.Now()
	if p.cfg.STT == nil || p.cfg.Responder == nil || p.cfg.TTS == nil {
		err := &ConnectError{Stage: "config", Cause: errors.New("pipeline requires stt, responder and tts")}
		p.cfg.Metrics.AgentConnect(time.Since(start), err)
		return err
	}

	stream, err := p.cfg.STT.Open(ctx)
	if err != nil {
		cerr := &ConnectError{Stage: "stt", Attempts: 1, Cause: err}
		p.cfg.Metrics.AgentConnect(time.Since(start), cerr)
		return cerr
	}
	p.cfg.Metrics.AgentConnect(time.Since(start), nil)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("%w: closed during connect", ErrPeerClosed)
	}
	p.stream = stream
	p.connected = true
	p.mu.Unlock()

	go p.run()
	p.log.Info("[Agent] Pipeline connected", "stt", p.cfg.STT.Name(), "elapsed", time.Since(start))
	return nil
}

func (p *Pipeline) Events() <-chan Event { return p.events }

// InputCodec is always 8kHz µ-law; the recognizer takes telephony audio as is.
func (p *Pipeline) InputCodec() media.Codec { return media.CodecMulaw8k }

func (p *Pipeline) SendUserAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p.mu.Lock()
	stream := p.stream
	ok := p.connected && !p.closed
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := stream.Send(data); err != nil && !errors.Is(err, transcribe.ErrStreamClosed) {
		return err
	}
	return nil
}

func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		connected := p.connected
		stream := p.stream
		p.mu.Unlock()

		close(p.done)
		if !connected {
			close(p.events)
			return
		}
		_ = stream.Close()
	})
	return nil
}

func (p *Pipeline) deliver(ev Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		select {
		case p.events <- ev:
			return true
		default:
			return false
		}
	}
}

// run is the only sender on p.events once connected.
func (p *Pipeline) run() {
	var (
		closeErr   error
		history    []Turn
		gen        int
		turnCancel context.CancelFunc

		// speakingUntil estimates when handed-over audio finishes playing.
		speakingUntil time.Time
	)
	defer func() {
		if turnCancel != nil {
			turnCancel()
		}
		p.deliver(ClosedEvent{Err: closeErr})
		close(p.events)
	}()

	startTurn := func(speak string) {
		gen++
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TurnTimeout)
		turnCancel = cancel
		hist := append([]Turn(nil), history...)
		go p.turn(ctx, gen, speak, hist)
	}
	endTurn := func() {
		if turnCancel != nil {
			turnCancel()
			turnCancel = nil
		}
	}

	if p.cfg.Greeting != "" {
		startTurn(p.cfg.Greeting)
	}

	results := p.stream.Results()
	for {
		select {
		case <-p.done:
			return

		case line, ok := <-results:
			if !ok {
				select {
				case <-p.done:
				default:
					if err := p.stream.Err(); err != nil {
						closeErr = fmt.Errorf("%w: %v", ErrPeerClosed, err)
					}
				}
				return
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			if turnCancel != nil || time.Now().Before(speakingUntil) {
				endTurn()
				speakingUntil = time.Time{}
				gen++
				p.log.Debug("[Agent] Caller barged in", "text", text)
				if !p.deliver(InterruptionEvent{EventID: gen}) {
					return
				}
			}
			if !line.IsFinal {
				continue
			}
			history = append(history, Turn{Role: "user", Text: text})
			if !p.deliver(UserTranscriptEvent{Text: text}) {
				return
			}
			startTurn("")

		case out := <-p.turns:
			if out.gen != gen {
				continue
			}
			if out.err != nil {
				p.log.Warn("[Agent] Turn failed", "error", out.err)
				endTurn()
				continue
			}
			if out.ev == nil {
				endTurn()
				continue
			}
			switch ev := out.ev.(type) {
			case AgentResponseEvent:
				history = append(history, Turn{Role: "agent", Text: ev.Text})
			case AudioEvent:
				if now := time.Now(); speakingUntil.Before(now) {
					speakingUntil = now
				}
				speakingUntil = speakingUntil.Add(ev.Codec.Duration(len(ev.Data)))
			}
			if !p.deliver(out.ev) {
				return
			}
		}
	}
}

// turn produces one agent reply. speak, when set, skips the Responder. It
// reports a nil event once all audio is handed over.
func (p *Pipeline) turn(ctx context.Context, gen int, speak string, history []Turn) {
	emit := func(out turnOutput) bool {
		out.gen = gen
		select {
		case p.turns <- out:
			return true
		case <-ctx.Done():
			return false
		case <-p.done:
			return false
		}
	}

	text := speak
	if text == "" {
		var err error
		text, err = p.cfg.Responder.Respond(ctx, p.info.CallID, history)
		if err != nil {
			emit(turnOutput{err: err})
			return
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		emit(turnOutput{})
		return
	}
	if !emit(turnOutput{ev: AgentResponseEvent{Text: text}}) {
		return
	}

	pcm, err := p.cfg.TTS.Synthesize(ctx, text)
	if err != nil {
		emit(turnOutput{err: err})
		return
	}
	pcm = pcm[:len(pcm)&^1]
	for off := 0; off < len(pcm); off += pipelineChunk {
		end := off + pipelineChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := make([]byte, end-off)
		copy(chunk, pcm[off:end])
		if !emit(turnOutput{ev: AudioEvent{Data: chunk, Codec: media.CodecPCM16k, EventID: gen}}) {
			return
		}
	}
	emit(turnOutput{})
}
