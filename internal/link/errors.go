package link

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Transport-level failures (timeout, reset, broken pipe) are deliberately not
// wrapped; they propagate as-is and the caller's policy is to Disconnect.
var (
	// ErrNotConnected reports an operation that needs a live connection while
	// the link is down.
	ErrNotConnected = errors.New("not connected")

	// ErrRemoteClosed reports a graceful close by the device. The link
	// transitions to disconnected before returning it.
	ErrRemoteClosed = errors.New("remote closed")

	// ErrInvalidData reports a received payload that is not well-formed JSON.
	// The receive buffer is left untouched.
	ErrInvalidData = errors.New("invalid data")
)
