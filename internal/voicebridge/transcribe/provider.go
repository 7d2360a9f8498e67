// Package transcribe turns a call's inbound µ-law audio into transcript lines.
//
// A Session prefers a streaming provider and falls back, for the rest of the
// call, to batching audio into short WAV windows for a request/response
// provider.
package transcribe

import (
	"context"
	"errors"
)

var (
	// ErrProviderFailure wraps any error returned by a transcription provider.
	ErrProviderFailure = errors.New("transcription provider failure")

	// ErrStreamClosed is returned by Stream.Send after the stream has ended.
	ErrStreamClosed = errors.New("transcription stream closed")
)

// Line is one piece of recognized speech.
type Line struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// Stream is a live recognition socket fed with 8kHz µ-law audio.
type Stream interface {
	Send(ulaw []byte) error

	// Results is closed when the stream ends; Err then reports why.
	Results() <-chan Line
	Err() error
	Close() error
}

// StreamingProvider opens live recognition streams.
type StreamingProvider interface {
	Name() string
	Open(ctx context.Context) (Stream, error)
}

// BatchProvider transcribes one complete WAV recording. prompt carries recent
// context and may be empty.
type BatchProvider interface {
	Name() string
	Transcribe(ctx context.Context, wav []byte, prompt string) (string, error)
}
