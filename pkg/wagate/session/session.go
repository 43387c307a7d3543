package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/media"
)

// eventBuffer bounds the per-session queue between the backend and the
// lifecycle goroutine.
const eventBuffer = 64

// purgeTimeout bounds credential removal after an authentication failure.
const purgeTimeout = 30 * time.Second

// Session is one tenant's backend connection. Its status is written only by
// its lifecycle goroutine, which applies backend events in arrival order.
type Session struct {
	id     string
	client backend.Client
	cfg    Config
	logger *slog.Logger

	events chan backend.Event

	// ctx ends when the session reaches a terminal status or is closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	status    Status
	loginCode string
	history   []Status

	sendMu  sync.Mutex
	limiter *rate.Limiter

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// onTerminal removes the session from its registry.
	onTerminal func(*Session)
}

func newSession(id string, client backend.Client, cfg Config, logger *slog.Logger, onTerminal func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		client:     client,
		cfg:        cfg,
		logger:     logger.With("session", id),
		events:     make(chan backend.Event, eventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		status:     StatusInitializing,
		history:    []Status{StatusInitializing},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		onTerminal: onTerminal,
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	client.Subscribe(s.deliver)
	return s
}

// ID returns the tenant key.
func (s *Session) ID() string { return s.id }

// Snapshot returns the current id, status and login code as one consistent
// value. It never touches the backend.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{ID: s.id, Status: s.status, LoginCode: s.loginCode}
}

// History returns every status the session has been in, in order.
func (s *Session) History() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Status(nil), s.history...)
}

// Done is closed once the session has ended and left the registry, or was
// closed by its manager.
func (s *Session) Done() <-chan struct{} { return s.done }

// deliver queues a backend event for the lifecycle goroutine. Events that
// arrive after the session ended are dropped.
func (s *Session) deliver(ev backend.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// start launches the backend connection without waiting for it. A failure
// or timeout becomes a transient AuthFailure event: the session ends but the
// stored credentials are kept.
func (s *Session) start() {
	ctx := s.ctx
	if s.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StartTimeout)
		defer cancel()
	}

	err := s.client.Start(ctx)
	if err == nil {
		return
	}
	if s.ctx.Err() != nil {
		// Closed while starting; nobody is listening.
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{Op: "start", ID: s.id, Limit: s.cfg.StartTimeout, Err: err}
	}
	s.logger.Error("backend start failed", "error", err)
	s.deliver(backend.Event{Kind: backend.EventAuthFailure, Reason: err.Error(), Err: err, Transient: true})
}

// run is the lifecycle goroutine.
func (s *Session) run() {
	for {
		select {
		case ev := <-s.events:
			if terminal := s.apply(ev); terminal {
				s.finish(ev)
				return
			}
		case <-s.stop:
			s.cancel()
			if err := s.client.Shutdown(); err != nil {
				s.logger.Warn("backend shutdown failed", "error", err)
			}
			close(s.done)
			return
		}
	}
}

// apply runs one event through the transition table and reports whether the
// session reached a terminal status.
func (s *Session) apply(ev backend.Event) bool {
	if ev.Kind == backend.EventLoginCode && ev.Code == "" {
		s.logger.Warn("empty login code ignored")
		return false
	}

	s.mu.Lock()
	prev := s.status
	next := nextStatus(prev, ev.Kind)

	codeChanged := false
	if next == StatusCodeIssued {
		if ev.Kind == backend.EventLoginCode {
			codeChanged = s.loginCode != ev.Code
			s.loginCode = ev.Code
		}
	} else {
		s.loginCode = ""
	}
	if next != prev {
		s.status = next
		s.history = append(s.history, next)
	}
	s.mu.Unlock()

	switch {
	case next != prev:
		s.logger.Info("session status changed", "from", prev, "to", next, "event", ev.String())
	case codeChanged:
		s.logger.Debug("login code replaced")
	default:
		s.logger.Debug("event ignored", "status", prev, "event", ev.String())
	}
	return next.Terminal()
}

// finish tears the session down after the terminal event ev: the backend
// is shut down, credentials are purged after an authentication failure the
// backend reported itself, and the session leaves the registry before Done
// is closed.
func (s *Session) finish(ev backend.Event) {
	s.cancel()
	status := s.Snapshot().Status

	if err := s.client.Shutdown(); err != nil {
		s.logger.Warn("backend shutdown failed", "error", err)
	}

	if status == StatusAuthFailure && !ev.Transient {
		if p, ok := s.client.(backend.Purger); ok {
			ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
			if err := p.Purge(ctx); err != nil {
				s.logger.Warn("credential purge failed", "error", err)
			}
			cancel()
		}
	}

	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	s.logger.Info("session ended", "status", status, "transient", ev.Transient)
	close(s.done)
}

// close stops the lifecycle goroutine without purging anything.
func (s *Session) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// sendText delivers a text message if the session is connected.
func (s *Session) sendText(ctx context.Context, to backend.ChatAddress, body string) error {
	return s.send(ctx, func(ctx context.Context) error {
		return s.client.SendText(ctx, to, body)
	})
}

// sendMedia delivers resolved media if the session is connected.
func (s *Session) sendMedia(ctx context.Context, to backend.ChatAddress, m *media.Media) error {
	return s.send(ctx, func(ctx context.Context) error {
		return s.client.SendMedia(ctx, to, m)
	})
}

// send serialises outbound calls, enforces the connected precondition and
// applies the rate limit and send timeout.
func (s *Session) send(ctx context.Context, fn func(context.Context) error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	status := s.Snapshot().Status
	if status != StatusConnected {
		return &SessionNotConnectedError{ID: s.id, Status: status}
	}

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return &TimeoutError{Op: "send", ID: s.id, Limit: s.cfg.SendTimeout, Err: err}
		}
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}

	var nc *backend.NotConnectedError
	switch {
	case errors.As(err, &nc):
		return &SessionNotConnectedError{ID: s.id, Status: status, Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TimeoutError{Op: "send", ID: s.id, Limit: s.cfg.SendTimeout, Err: err}
	}
	return err
}
