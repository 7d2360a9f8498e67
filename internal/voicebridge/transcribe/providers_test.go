package transcribe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, DefaultGroqModel, r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "json", r.FormValue("response_format"))
		assert.Equal(t, "0", r.FormValue("temperature"))
		assert.Equal(t, "earlier context", r.FormValue("prompt"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "audio.wav", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("RIFFdata"), data)

		_ = json.NewEncoder(w).Encode(map[string]string{"text": "where is my package"})
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{APIKey: "gsk-test", URL: srv.URL})
	assert.Equal(t, "groq", w.Name())

	text, err := w.Transcribe(context.Background(), []byte("RIFFdata"), "earlier context")
	require.NoError(t, err)
	assert.Equal(t, "where is my package", text)
}

func TestWhisperOmitsEmptyPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["prompt"]
		assert.False(t, present)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	_, err := NewWhisper(WhisperConfig{URL: srv.URL}).Transcribe(context.Background(), []byte{1}, "")
	require.NoError(t, err)
}

func TestWhisperStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewWhisper(WhisperConfig{URL: srv.URL}).Transcribe(context.Background(), []byte{1}, "")
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.Contains(t, err.Error(), "429")
}

func deepgramServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeepgramStream(t *testing.T) {
	received := make(chan []byte, 1)
	url := deepgramServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "Token dg-test", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "mulaw", q.Get("encoding"))
		assert.Equal(t, "8000", q.Get("sample_rate"))
		assert.Equal(t, "nova-2", q.Get("model"))
		assert.Equal(t, "300", q.Get("endpointing"))

		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Equal(t, websocket.BinaryMessage, kind)
		received <- data

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"cancel my order","confidence":0.97}]}}`))

		// Wait for CloseStream.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil || strings.Contains(string(msg), "CloseStream") {
				return
			}
		}
	})

	dg := NewDeepgram(DeepgramConfig{APIKey: "dg-test", URL: url})
	stream, err := dg.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.Send([]byte{0xFF, 0x7F}))
	select {
	case data := <-received:
		assert.Equal(t, []byte{0xFF, 0x7F}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("audio not received")
	}

	select {
	case line := <-stream.Results():
		assert.Equal(t, Line{Text: "cancel my order", IsFinal: true}, line)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.ErrorIs(t, stream.Send([]byte{1}), ErrStreamClosed)

	for range stream.Results() {
	}
	assert.NoError(t, stream.Err())
}

func TestDeepgramServerDropReportsError(t *testing.T) {
	url := deepgramServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.UnderlyingConn().Close()
	})

	stream, err := NewDeepgram(DeepgramConfig{APIKey: "dg-test", URL: url}).Open(context.Background())
	require.NoError(t, err)

	for range stream.Results() {
	}
	assert.ErrorIs(t, stream.Err(), ErrProviderFailure)
}

func TestDeepgramRequiresKey(t *testing.T) {
	_, err := NewDeepgram(DeepgramConfig{}).Open(context.Background())
	assert.ErrorIs(t, err, ErrProviderFailure)
}
