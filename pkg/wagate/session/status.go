package session

import "github.com/jholhewres/wagate/pkg/wagate/backend"

// Status is a session's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusCodeIssued   Status = "code_issued"
	StatusConnected    Status = "connected"
	StatusAuthFailure  Status = "auth_failure"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusAuthFailure || s == StatusDisconnected
}

// Snapshot is a consistent view of a session at one instant.
type Snapshot struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	LoginCode string `json:"login_code,omitempty"`
}

// nextStatus is the lifecycle transition table. Events that do not apply to
// the current status leave it unchanged.
//
//	from \ event   LoginCode    Ready/Authenticated  AuthFailure   Disconnected
//	initializing   code_issued  connected            auth_failure  auth_failure
//	code_issued    code_issued  connected            auth_failure  auth_failure
//	connected      -            -                    disconnected  disconnected
//
// initializing -> auth_failure is reachable directly: a backend may reject
// the stored credentials, or fail to start, before it issues any code.
func nextStatus(cur Status, kind backend.EventKind) Status {
	switch cur {
	case StatusInitializing, StatusCodeIssued:
		switch kind {
		case backend.EventLoginCode:
			return StatusCodeIssued
		case backend.EventReady, backend.EventAuthenticated:
			return StatusConnected
		case backend.EventAuthFailure, backend.EventDisconnected:
			// Losing the connection before it was ever usable means the
			// login never completed.
			return StatusAuthFailure
		}
	case StatusConnected:
		switch kind {
		case backend.EventAuthFailure, backend.EventDisconnected:
			return StatusDisconnected
		}
	}
	return cur
}
