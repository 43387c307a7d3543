// Package backend defines the contract between the session layer and a
// messaging backend. A Client owns exactly one backend connection and
// reports its lifecycle through a small event vocabulary; it knows nothing
// about tenants, registries or HTTP.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/wagate/pkg/wagate/media"
)

// DefaultChatDomain is the WhatsApp user server.
const DefaultChatDomain = "s.whatsapp.net"

// EventKind identifies a lifecycle notification from a backend.
type EventKind string

const (
	// EventLoginCode carries a code the operator must scan to link the device.
	EventLoginCode EventKind = "login_code"

	// EventAuthenticated is emitted once a login code was accepted.
	EventAuthenticated EventKind = "authenticated"

	// EventReady is emitted when the connection can carry messages.
	EventReady EventKind = "ready"

	// EventAuthFailure is emitted when credentials are rejected or the
	// login could not complete.
	EventAuthFailure EventKind = "auth_failure"

	// EventDisconnected is emitted when an established connection ends for good.
	EventDisconnected EventKind = "disconnected"
)

// Event is a single lifecycle notification.
type Event struct {
	Kind EventKind

	// Code is set for EventLoginCode.
	Code string

	// Reason is a human-readable cause for failures and disconnects.
	Reason string

	// Err is the underlying error, if any.
	Err error

	// Transient marks a failure that says nothing about the stored
	// credentials, such as a start error or timeout. It never causes a purge.
	Transient bool
}

func (e Event) String() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s (%v)", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Handler receives lifecycle events. Implementations must not block for long;
// events are delivered in backend order.
type Handler func(Event)

// Client is one backend connection owned by exactly one session.
type Client interface {
	// Subscribe registers the lifecycle handler. Called once, before Start.
	Subscribe(h Handler)

	// Start begins connecting. Calling it again is a no-op.
	Start(ctx context.Context) error

	// SendText delivers a text message.
	SendText(ctx context.Context, to ChatAddress, body string) error

	// SendMedia delivers a media message.
	SendMedia(ctx context.Context, to ChatAddress, m *media.Media) error

	// Shutdown releases the connection and all resources. Idempotent.
	Shutdown() error
}

// Purger is implemented by clients whose stored credentials can be wiped
// after an authentication failure.
type Purger interface {
	Purge(ctx context.Context) error
}

// Factory builds a fresh, unstarted Client for a session id.
type Factory func(sessionID string) (Client, error)

// ChatAddress is a backend-specific recipient identifier.
type ChatAddress string

func (a ChatAddress) String() string { return string(a) }

// User returns the part before the '@'.
func (a ChatAddress) User() string {
	user, _, _ := strings.Cut(string(a), "@")
	return user
}

// Domain returns the part after the '@'.
func (a ChatAddress) Domain() string {
	_, domain, _ := strings.Cut(string(a), "@")
	return domain
}

// NormalizeAddress turns a phone number into a chat address: a leading '+'
// is stripped and "@domain" appended. Values that already contain '@' are
// returned unchanged. No further validation is done; an invalid number
// surfaces as a backend send error.
func NormalizeAddress(phone, domain string) ChatAddress {
	phone = strings.TrimSpace(phone)
	if strings.Contains(phone, "@") {
		return ChatAddress(phone)
	}
	if domain == "" {
		domain = DefaultChatDomain
	}
	return ChatAddress(strings.TrimPrefix(phone, "+") + "@" + domain)
}

// NotConnectedError is returned by a Client asked to send while it is not
// connected.
type NotConnectedError struct {
	Reason string
}

func (e *NotConnectedError) Error() string {
	if e.Reason == "" {
		return "backend: not connected"
	}
	return "backend: not connected: " + e.Reason
}
