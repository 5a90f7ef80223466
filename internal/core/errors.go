// Package core defines sentinel errors.
package core

import (
	"context"
	"errors"
)

// Sentinel errors terminating a relay pipeline. None of them is retried.
var (
	// ErrConnectionClosed reports that the peer ended the stream, mid-frame or
	// between frames. It is the normal end of a pipeline.
	ErrConnectionClosed = errors.New("inspector: connection closed")

	// ErrIO reports a read or write failure other than a clean close.
	ErrIO = errors.New("inspector: i/o failure")

	// ErrMalformedFrame reports a frame the codec could not decode or
	// re-encode. The byte stream is considered desynchronized.
	ErrMalformedFrame = errors.New("inspector: malformed frame")

	// ErrLockPoisoned reports that a goroutine panicked while holding the
	// packet store lock.
	ErrLockPoisoned = errors.New("inspector: packet store lock poisoned")
)

// Reason maps a terminal pipeline error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, ErrLockPoisoned):
		return "poisoned"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
