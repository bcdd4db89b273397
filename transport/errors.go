package transport

import (
	"errors"
	"strings"
)

var (
	// ErrAuthentication marks credential failures. They stop the receive loop
	// instead of reconnecting with the same credentials.
	ErrAuthentication = errors.New("authentication failed")
	// ErrReconnect asks the receive loop to drop the socket and dial again.
	ErrReconnect = errors.New("reconnect requested")
	// ErrNotConnected is returned by Send while no socket is open.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("receive loop already running")
)

// ErrorClass tells the receive loop what to do with an error.
type ErrorClass int

const (
	// ClassRetryable covers network faults and malformed frames. Frames are
	// dropped, dropped sockets are re-dialed with backoff.
	ClassRetryable ErrorClass = iota
	// ClassReconnect drops the current socket and dials again.
	ClassReconnect
	// ClassFatal stops the loop for good.
	ClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ClassRetryable:
		return "retryable"
	case ClassReconnect:
		return "reconnect"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var fatalPatterns = []string{
	"login authentication failed",
	"improperly formatted auth",
	"invalid oauth token",
	"authentication failed",
}

// Classify maps an error to an ErrorClass. Sentinels win over message
// patterns; anything unrecognised is retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassRetryable
	}
	if errors.Is(err, ErrAuthentication) {
		return ClassFatal
	}
	if errors.Is(err, ErrReconnect) {
		return ClassReconnect
	}
	lower := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ClassFatal
		}
	}
	return ClassRetryable
}

// IsFatal reports whether err must stop the receive loop.
func IsFatal(err error) bool { return Classify(err) == ClassFatal }
