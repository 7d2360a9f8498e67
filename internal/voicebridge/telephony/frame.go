package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sebas/voicebridge/internal/voicebridge/media"
)

// Media stream message types.
type streamMessage struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSID      string          `json:"streamSid,omitempty"`
	Start          *startMessage   `json:"start,omitempty"`
	Media          *mediaMessage   `json:"media,omitempty"`
	Mark           *markMessage    `json:"mark,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaMessage struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markMessage struct {
	Name string `json:"name"`
}

// outboundMessage is what we write back to the provider.
type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaMessage `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
}

// ParseFrame decodes one inbound text frame. Frames with an event name that is
// not modelled (connected, dtmf, ...) return ErrUnknownEvent; anything that
// cannot be decoded returns an error wrapping media.ErrMalformedFrame.
func ParseFrame(data []byte) (Event, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrMalformedFrame, err)
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", media.ErrMalformedFrame)
		}
		streamID := msg.Start.StreamSID
		if streamID == "" {
			streamID = msg.StreamSID
		}
		if streamID == "" || msg.Start.CallSID == "" {
			return nil, fmt.Errorf("%w: start missing streamSid or callSid", media.ErrMalformedFrame)
		}
		codec, err := startCodec(msg.Start.MediaFormat)
		if err != nil {
			return nil, err
		}
		params := msg.Start.CustomParams
		if params == nil {
			params = map[string]string{}
		}
		return StartEvent{
			CallID:           msg.Start.CallSID,
			StreamID:         streamID,
			AccountID:        msg.Start.AccountSID,
			Tracks:           msg.Start.Tracks,
			Codec:            codec,
			CustomParameters: params,
		}, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", media.ErrMalformedFrame)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64: %v", media.ErrMalformedFrame, err)
		}
		if err := media.Validate(media.CodecMulaw8k, payload); err != nil {
			return nil, err
		}
		seq, _ := strconv.ParseInt(msg.Media.Chunk, 10, 64)
		ts, _ := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
		return AudioEvent{
			Payload:   payload,
			Sequence:  seq,
			Timestamp: ts,
			Track:     msg.Media.Track,
		}, nil

	case "mark":
		if msg.Mark == nil {
			return nil, fmt.Errorf("%w: mark without name", media.ErrMalformedFrame)
		}
		return MarkEvent{Name: msg.Mark.Name}, nil

	case "stop":
		return StopEvent{Reason: StopProvider}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

func startCodec(f mediaFormat) (media.Codec, error) {
	if f.Encoding == "" {
		return media.CodecMulaw8k, nil
	}
	enc := strings.ToLower(f.Encoding)
	if enc != "audio/x-mulaw" && enc != "mulaw" && enc != "ulaw" {
		return media.Codec{}, fmt.Errorf("%w: stream encoding %q", media.ErrUnsupportedFormat, f.Encoding)
	}
	if f.SampleRate != 0 && f.SampleRate != media.CodecMulaw8k.SampleRate {
		return media.Codec{}, fmt.Errorf("%w: stream sample rate %d", media.ErrUnsupportedFormat, f.SampleRate)
	}
	return media.CodecMulaw8k, nil
}
