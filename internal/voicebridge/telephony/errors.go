package telephony

import "errors"

var (
	// ErrPeerClosed is returned by operations on a session whose stream has ended.
	ErrPeerClosed = errors.New("telephony stream closed")

	// ErrUnknownEvent is returned by ParseFrame for event names it does not model.
	ErrUnknownEvent = errors.New("unknown media stream event")
)
