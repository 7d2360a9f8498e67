package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

	deepgramKeepAlive    = 8 * time.Second
	deepgramWriteTimeout = 5 * time.Second
	deepgramSendQueue    = 256
)

// DeepgramConfig configures live recognition.
type DeepgramConfig struct {
	APIKey      string
	URL         string
	Model       string
	Language    string
	Endpointing time.Duration
	Interim     bool
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
}

// Deepgram is a StreamingProvider for the Deepgram live API.
type Deepgram struct {
	cfg DeepgramConfig
}

// NewDeepgram creates a provider. Defaults: nova-2, en-US, 300ms endpointing.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.URL == "" {
		cfg.URL = DefaultDeepgramURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Endpointing <= 0 {
		cfg.Endpointing = 300 * time.Millisecond
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Deepgram{cfg: cfg}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) listenURL() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("channels", "1")
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", strconv.FormatBool(d.cfg.Interim))
	q.Set("endpointing", strconv.FormatInt(d.cfg.Endpointing.Milliseconds(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials a live stream. The context bounds only the handshake.
func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	if d.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: deepgram api key not configured", ErrProviderFailure)
	}
	wsURL, err := d.listenURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.cfg.Dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram dial: %v", ErrProviderFailure, err)
	}

	s := &deepgramStream{
		conn:    conn,
		log:     d.cfg.Logger,
		results: make(chan Line, 32),
		send:    make(chan []byte, deepgramSendQueue),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn *websocket.Conn
	log  *slog.Logger

	results chan Line
	send    chan []byte
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (s *deepgramStream) Send(ulaw []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	data := make([]byte, len(ulaw))
	copy(data, ulaw)
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrStreamClosed
	default:
		return nil // drop under backpressure
	}
}

func (s *deepgramStream) Results() <-chan Line { return s.results }

func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	return nil
}

func (s *deepgramStream) readLoop() {
	defer func() {
		close(s.results)
		_ = s.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.fail(fmt.Errorf("%w: deepgram read: %v", ErrProviderFailure, err))
				}
			}
			return
		}

		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil {
			s.log.Debug("[Transcribe] Unparseable deepgram message", "error", err)
			continue
		}
		if res.Type != "" && res.Type != "Results" {
			continue
		}
		if len(res.Channel.Alternatives) == 0 || res.Channel.Alternatives[0].Transcript == "" {
			continue
		}

		select {
		case s.results <- Line{Text: res.Channel.Alternatives[0].Transcript, IsFinal: res.IsFinal}:
		case <-s.done:
			return
		}
	}
}

// writeLoop sends audio and a KeepAlive while the caller is silent.
func (s *deepgramStream) writeLoop() {
	keepAlive := time.NewTicker(deepgramKeepAlive)
	defer keepAlive.Stop()

	write := func(kind int, data []byte) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if err := s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout)); err != nil {
			return err
		}
		return s.conn.WriteMessage(kind, data)
	}

	for {
		var err error
		select {
		case <-s.done:
			return
		case data := <-s.send:
			err = write(websocket.BinaryMessage, data)
			keepAlive.Reset(deepgramKeepAlive)
		case <-keepAlive.C:
			err = write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
		}
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.fail(fmt.Errorf("%w: deepgram write: %v", ErrProviderFailure, err))
			}
			_ = s.conn.Close()
			return
		}
	}
}
