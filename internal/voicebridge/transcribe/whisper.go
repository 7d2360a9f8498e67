package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const (
	DefaultGroqURL   = "https://api.groq.com/openai/v1/audio/transcriptions"
	DefaultGroqModel = "whisper-large-v3-turbo"
)

// WhisperConfig configures an OpenAI-compatible transcription endpoint.
type WhisperConfig struct {
	Name       string
	APIKey     string
	URL        string
	Model      string
	Language   string
	HTTPClient *http.Client
}

// Whisper is a BatchProvider posting WAV uploads to an OpenAI-compatible
// /audio/transcriptions endpoint (Groq by default).
type Whisper struct {
	cfg WhisperConfig
}

// NewWhisper creates a provider with Groq defaults.
func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.Name == "" {
		cfg.Name = "groq"
	}
	if cfg.URL == "" {
		cfg.URL = DefaultGroqURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGroqModel
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Whisper{cfg: cfg}
}

func (w *Whisper) Name() string { return w.cfg.Name }

type whisperResp struct {
	Text string `json:"text"`
}

// Transcribe uploads one WAV file and returns the recognized text.
func (w *Whisper) Transcribe(ctx context.Context, wav []byte, prompt string) (string, error) {
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("write audio to form: %w", err)
	}
	fields := map[string]string{
		"model":           w.cfg.Model,
		"language":        w.cfg.Language,
		"response_format": "json",
		"temperature":     "0",
	}
	if prompt != "" {
		fields["prompt"] = prompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, &b)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: post to %s: %v", ErrProviderFailure, w.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response body: %v", ErrProviderFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s returned status %d: %s", ErrProviderFailure, w.cfg.Name, resp.StatusCode, string(body))
	}

	var wr whisperResp
	if err := json.Unmarshal(body, &wr); err != nil {
		return "", fmt.Errorf("%w: unmarshal response: %v", ErrProviderFailure, err)
	}
	return wr.Text, nil
}
