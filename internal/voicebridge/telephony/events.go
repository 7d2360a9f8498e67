package telephony

import "github.com/sebas/voicebridge/internal/voicebridge/media"

// Event is one of StartEvent, AudioEvent, MarkEvent or StopEvent.
type Event interface {
	telephonyEvent()
}

// StartEvent is delivered once per stream, before any audio.
type StartEvent struct {
	CallID           string
	StreamID         string
	AccountID        string
	Tracks           []string
	Codec            media.Codec
	CustomParameters map[string]string
}

// AudioEvent carries one inbound µ-law frame.
type AudioEvent struct {
	Payload   []byte
	Sequence  int64
	Timestamp int64 // milliseconds since stream start
	Track     string
}

// MarkEvent acknowledges playback of a previously sent mark.
type MarkEvent struct {
	Name string
}

// StopReason says why a stream ended.
type StopReason string

const (
	StopProvider StopReason = "provider_stop" // stop frame from the provider
	StopRemote   StopReason = "remote_closed" // socket closed by the peer
	StopError    StopReason = "socket_error"  // read failed
	StopLocal    StopReason = "local_close"   // Close was called
)

// StopEvent is the terminal event. It is delivered exactly once, after which
// the event channel is closed.
type StopEvent struct {
	Reason StopReason
	Err    error
}

func (StartEvent) telephonyEvent() {}
func (AudioEvent) telephonyEvent() {}
func (MarkEvent) telephonyEvent()  {}
func (StopEvent) telephonyEvent()  {}
