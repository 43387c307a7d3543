// Package session owns the per-tenant backend connections: it creates a
// session on first reference, tracks its lifecycle through authentication,
// and serialises outbound sends through it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/media"
)

// maxIDLength bounds tenant keys; they become directory names.
const maxIDLength = 128

// Config configures session lifecycles and sends.
type Config struct {
	// StartTimeout bounds backend startup (0 = unbounded).
	StartTimeout time.Duration `yaml:"start_timeout"`

	// SendTimeout bounds a single send, including rate-limit waits.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// SendRate is the sustained sends per second per session (0 = unlimited).
	SendRate float64 `yaml:"send_rate"`

	// SendBurst is the number of sends allowed back to back.
	SendBurst int `yaml:"send_burst"`

	// ChatDomain is appended to bare phone numbers.
	ChatDomain string `yaml:"chat_domain"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StartTimeout: 60 * time.Second,
		SendTimeout:  30 * time.Second,
		SendRate:     1,
		SendBurst:    5,
		ChatDomain:   backend.DefaultChatDomain,
	}
}

// Resolver turns an attachment reference into media.
type Resolver interface {
	Resolve(ctx context.Context, reference, explicitType string) (*media.Media, error)
}

// Manager is the session registry.
type Manager struct {
	cfg      Config
	factory  backend.Factory
	resolver Resolver
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty registry.
func NewManager(cfg Config, factory backend.Factory, resolver Resolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChatDomain == "" {
		cfg.ChatDomain = backend.DefaultChatDomain
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		resolver: resolver,
		logger:   logger.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// ValidateID reports whether id can name a session.
func ValidateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, maxIDLength)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return nil
}

// GetOrCreate returns the live session for id, creating and starting one if
// none exists. Concurrent callers for the same id get the same session and
// the backend is started once. It does not wait for the backend.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	client, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("creating backend client for %q: %w", id, err)
	}

	s := newSession(id, client, m.cfg, m.logger, m.remove)
	m.sessions[id] = s

	go s.run()
	go s.start()

	m.logger.Info("session created", "session", id)
	return s, nil
}

// Get returns the live session for id without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Status returns the snapshot of id's session, creating it if needed.
func (m *Manager) Status(id string) (Snapshot, error) {
	s, err := m.GetOrCreate(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Sessions returns snapshots of all live sessions, ordered by id.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(list))
	for i, s := range list {
		out[i] = s.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SendText sends body to the phone number or chat address to. The session
// must already exist and be connected; an unknown id is not created.
func (m *Manager) SendText(ctx context.Context, id, to, body string) error {
	s, ok := m.Get(id)
	if !ok {
		return &SessionNotConnectedError{ID: id}
	}
	return s.sendText(ctx, backend.NormalizeAddress(to, m.cfg.ChatDomain), body)
}

// SendMedia resolves reference and sends it with caption. Resolution errors
// are returned unchanged and take precedence over the connection check.
func (m *Manager) SendMedia(ctx context.Context, id, to, reference, caption, explicitType string) error {
	if m.resolver == nil {
		return fmt.Errorf("no media resolver configured")
	}
	md, err := m.resolver.Resolve(ctx, reference, explicitType)
	if err != nil {
		return err
	}
	md.Caption = caption

	s, ok := m.Get(id)
	if !ok {
		return &SessionNotConnectedError{ID: id}
	}
	return s.sendMedia(ctx, backend.NormalizeAddress(to, m.cfg.ChatDomain), md)
}

// remove is the compare-and-delete used by ending sessions: a session only
// ever removes itself, never a successor registered under the same id.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
}

// Close shuts every backend down without purging credentials and waits for
// the sessions to stop, or for ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range list {
		s.close()
	}
	for _, s := range list {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for sessions to stop: %w", ctx.Err())
		}
	}

	m.logger.Info("session manager closed", "sessions", len(list))
	return nil
}
