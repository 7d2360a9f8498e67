package media

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when an audio payload cannot be decoded
	// for its declared encoding.
	ErrMalformedFrame = errors.New("malformed audio frame")

	// ErrUnsupportedFormat is returned for audio format strings this package
	// does not know how to convert.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// FrameError describes why a single frame was rejected.
type FrameError struct {
	Codec  Codec
	Length int
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed %s frame (%d bytes): %s", e.Codec, e.Length, e.Reason)
}

func (e *FrameError) Unwrap() error {
	return ErrMalformedFrame
}
