package media

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Encoding is the sample representation carried by a frame.
type Encoding string

const (
	EncodingMulaw Encoding = "mulaw"
	EncodingPCM16 Encoding = "pcm16"
)

// Codec represents an immutable audio format specification.
// Use the pre-defined codec values (CodecMulaw8k, CodecPCM16k, etc.) where possible.
type Codec struct {
	Encoding   Encoding      // Sample representation
	SampleRate int           // Sample rate in Hz (8000, 16000, ...)
	SampleDur  time.Duration // Duration per frame (typically 20ms)
}

// Pre-defined codecs used on the two legs of a call.
var (
	// CodecMulaw8k is G.711 µ-law as delivered by the telephony media stream
	CodecMulaw8k = Codec{EncodingMulaw, 8000, 20 * time.Millisecond}

	// CodecPCM8k is 16-bit little-endian linear PCM at telephony rate
	CodecPCM8k = Codec{EncodingPCM16, 8000, 20 * time.Millisecond}

	// CodecPCM16k is 16-bit little-endian linear PCM at the agent's default rate
	CodecPCM16k = Codec{EncodingPCM16, 16000, 20 * time.Millisecond}
)

// String returns the frame tag, e.g. "mulaw-8k" or "pcm16-16k".
func (c Codec) String() string {
	if c.SampleRate%1000 == 0 {
		return fmt.Sprintf("%s-%dk", c.Encoding, c.SampleRate/1000)
	}
	return fmt.Sprintf("%s-%d", c.Encoding, c.SampleRate)
}

// BytesPerSample returns 1 for µ-law and 2 for PCM16.
func (c Codec) BytesPerSample() int {
	if c.Encoding == EncodingMulaw {
		return 1
	}
	return 2
}

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return c.SampleRate * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.BytesPerSample()
}

// Duration returns the playback time of n payload bytes.
func (c Codec) Duration(n int) time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	samples := n / c.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// BytesFor returns the payload size that plays for d, rounded down to whole samples.
func (c Codec) BytesFor(d time.Duration) int {
	return int(int64(c.SampleRate)*int64(d)/int64(time.Second)) * c.BytesPerSample()
}

// WithFrame returns a copy of c with a different frame duration.
func (c Codec) WithFrame(d time.Duration) Codec {
	c.SampleDur = d
	return c
}

// ParseFormat converts an agent audio format name ("pcm_16000", "ulaw_8000")
// into a Codec.
func ParseFormat(format string) (Codec, error) {
	name, rateStr, ok := strings.Cut(strings.ToLower(strings.TrimSpace(format)), "_")
	if !ok {
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	switch name {
	case "pcm":
		return Codec{EncodingPCM16, rate, 20 * time.Millisecond}, nil
	case "ulaw", "mulaw":
		if rate != 8000 {
			return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
		}
		return CodecMulaw8k, nil
	default:
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Validate reports whether data is a well-formed payload for c.
func Validate(c Codec, data []byte) error {
	if len(data) == 0 {
		return &FrameError{Codec: c, Length: 0, Reason: "empty payload"}
	}
	if c.Encoding == EncodingPCM16 && len(data)%2 != 0 {
		return &FrameError{Codec: c, Length: len(data), Reason: "odd byte count for 16-bit samples"}
	}
	return nil
}
