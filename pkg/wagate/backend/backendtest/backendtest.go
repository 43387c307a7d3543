// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/media"
)

// SentMessage records one successful send.
type SentMessage struct {
	To    backend.ChatAddress
	Text  string
	Media *media.Media
}

// Client is a scriptable backend.Client. Lifecycle events are injected with
// Emit; sends are gated on the last emitted event like a real backend.
type Client struct {
	// ID is the session id the client was built for.
	ID string

	// StartErr is returned by Start.
	StartErr error

	// StartBlock, when non-nil, makes Start wait until it is closed or the
	// context ends.
	StartBlock chan struct{}

	// OnStart is emitted in order from within Start.
	OnStart []backend.Event

	// SendErr is returned by sends that pass the connection gate.
	SendErr error

	// SendHook runs inside every gated send before it is recorded.
	SendHook func(ctx context.Context) error

	mu        sync.Mutex
	handler   backend.Handler
	connected bool
	starts    int
	shutdowns int
	purges    int
	attempts  int
	sent      []SentMessage
}

var (
	_ backend.Client = (*Client)(nil)
	_ backend.Purger = (*Client)(nil)
)

// NewClient creates an unstarted client.
func NewClient(id string) *Client {
	return &Client{ID: id}
}

func (c *Client) Subscribe(h backend.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.starts++
	block := c.StartBlock
	err := c.StartErr
	script := c.OnStart
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	for _, ev := range script {
		c.Emit(ev)
	}
	return nil
}

// Emit delivers ev to the subscribed handler.
func (c *Client) Emit(ev backend.Event) {
	c.mu.Lock()
	switch ev.Kind {
	case backend.EventReady, backend.EventAuthenticated:
		c.connected = true
	case backend.EventAuthFailure, backend.EventDisconnected:
		c.connected = false
	}
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

func (c *Client) SendText(ctx context.Context, to backend.ChatAddress, body string) error {
	return c.send(ctx, SentMessage{To: to, Text: body})
}

func (c *Client) SendMedia(ctx context.Context, to backend.ChatAddress, m *media.Media) error {
	return c.send(ctx, SentMessage{To: to, Media: m})
}

func (c *Client) send(ctx context.Context, msg SentMessage) error {
	c.mu.Lock()
	c.attempts++
	if !c.connected {
		c.mu.Unlock()
		return &backend.NotConnectedError{Reason: "fake client not ready"}
	}
	hook := c.SendHook
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *Client) Shutdown() error {
	c.mu.Lock()
	c.shutdowns++
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) Purge(ctx context.Context) error {
	c.mu.Lock()
	c.purges++
	c.mu.Unlock()
	return nil
}

// Starts returns how many times Start was called.
func (c *Client) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Shutdowns returns how many times Shutdown was called.
func (c *Client) Shutdowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

// Purges returns how many times Purge was called.
func (c *Client) Purges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purges
}

// SendAttempts counts every send call, including rejected ones.
func (c *Client) SendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Sent returns a copy of the delivered messages.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Factory hands out Clients and remembers them per session id.
type Factory struct {
	// Configure, when set, customises each new client before it is returned.
	Configure func(c *Client)

	mu      sync.Mutex
	clients map[string][]*Client
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{clients: make(map[string][]*Client)}
}

// New implements backend.Factory.
func (f *Factory) New(sessionID string) (backend.Client, error) {
	c := NewClient(sessionID)
	if f.Configure != nil {
		f.Configure(c)
	}
	f.mu.Lock()
	f.clients[sessionID] = append(f.clients[sessionID], c)
	f.mu.Unlock()
	return c, nil
}

// Clients returns every client built for sessionID, oldest first.
func (f *Factory) Clients(sessionID string) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients[sessionID]...)
}

// Last returns the newest client for sessionID, or nil.
func (f *Factory) Last(sessionID string) *Client {
	list := f.Clients(sessionID)
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}
