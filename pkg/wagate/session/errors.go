package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidID is returned for session ids that cannot name a session.
	ErrInvalidID = errors.New("invalid session id")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session manager closed")
)

// SessionNotConnectedError is returned when a send targets a session that
// does not exist or is not connected.
type SessionNotConnectedError struct {
	ID string

	// Status is empty when no session exists.
	Status Status

	// Err is the backend's refusal, if the session looked connected.
	Err error
}

func (e *SessionNotConnectedError) Error() string {
	switch {
	case e.Status == "":
		return fmt.Sprintf("session %q is not connected (no such session)", e.ID)
	case e.Err != nil:
		return fmt.Sprintf("session %q is not connected (%s): %v", e.ID, e.Status, e.Err)
	default:
		return fmt.Sprintf("session %q is not connected (%s)", e.ID, e.Status)
	}
}

func (e *SessionNotConnectedError) Unwrap() error { return e.Err }

// TimeoutError is returned when starting a backend or sending a message
// exceeds its configured time limit.
type TimeoutError struct {
	Op    string
	ID    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %q: %s timed out after %s", e.ID, e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true, for callers checking net.Error-style timeouts.
func (e *TimeoutError) Timeout() bool { return true }
