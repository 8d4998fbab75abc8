package session

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/onnwee/danmu-tender/roomapi"
)

// ErrStartup marks a session that could not start and will not retry,
// for example because the room does not exist.
var ErrStartup = errors.New("session startup failed")

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts resolution and connection errors into retryable vs fatal.
//
// Fatal: the room lookup answered that the room does not exist or refused the
// request, the websocket upgrade was refused, or the context was canceled.
// Retryable: the lookup service was unreachable or overloaded, network
// timeouts, and anything unrecognized.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, roomapi.ErrRoomNotFound), errors.Is(err, roomapi.ErrRejected),
		errors.Is(err, websocket.ErrBadHandshake), errors.Is(err, context.Canceled):
		return ErrorClassFatal
	case errors.Is(err, roomapi.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	}
	// Network errors and anything unrecognized are retried rather than
	// abandoning the room.
	return ErrorClassRetryable
}

// IsFatal reports whether err should stop further attempts.
func IsFatal(err error) bool { return Classify(err) == ErrorClassFatal }
