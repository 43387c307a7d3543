// Package whatsapp implements backend.Client on top of whatsmeow, a native
// Go WhatsApp Web library.
//
// Each Client owns one linked device whose credentials live in a private
// SQLite database under <sessions dir>/session-<id>/. A device without
// stored credentials logs in through QR codes, surfaced as LoginCode events.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/media"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds adapter configuration.
type Config struct {
	// SessionsDir is the parent of every per-session credential directory.
	SessionsDir string

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionsDir: "./data/sessions",
		DeviceName:  "wagate",
	}
}

// Client is a whatsmeow-backed backend.Client for one session.
type Client struct {
	cfg    Config
	id     string
	dir    string
	logger *slog.Logger

	handlerMu sync.RWMutex
	handler   backend.Handler

	started   atomic.Bool
	ready     atomic.Bool
	everReady atomic.Bool
	terminal  atomic.Bool

	// ctx spans the client's lifetime; Start's context only bounds startup.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	db        *sql.DB
	wa        *whatsmeow.Client
	closeOnce sync.Once
}

var (
	_ backend.Client = (*Client)(nil)
	_ backend.Purger = (*Client)(nil)
)

// New creates an unstarted client for sessionID.
func New(cfg Config, sessionID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = def.SessionsDir
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		id:     sessionID,
		dir:    SessionDir(cfg.SessionsDir, sessionID),
		logger: logger.With("component", "whatsapp", "session", sessionID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewFactory returns a backend.Factory building whatsmeow clients.
func NewFactory(cfg Config, logger *slog.Logger) backend.Factory {
	return func(sessionID string) (backend.Client, error) {
		if strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
			return nil, fmt.Errorf("invalid session id %q", sessionID)
		}
		return New(cfg, sessionID, logger), nil
	}
}

// SessionDir returns the credential directory of a session.
func SessionDir(parent, sessionID string) string {
	return filepath.Join(parent, "session-"+sessionID)
}

// Subscribe registers the lifecycle handler.
func (c *Client) Subscribe(h backend.Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Start opens the credential store and connects. With stored credentials the
// Connected event follows; otherwise QR codes are streamed as LoginCode
// events in the background. Only the first call does anything.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("client already shut down")
	}

	c.logger.Info("whatsapp: initializing connection", "dir", c.dir)

	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	dbPath := filepath.Join(c.dir, "whatsapp.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", dbPath))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", newLogger(c.logger, "store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return fmt.Errorf("upgrading session store: %w", err)
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		db.Close()
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(c.cfg.DeviceName, [3]uint32{1, 0, 0})

	wa := whatsmeow.NewClient(device, newLogger(c.logger, "client"))
	wa.EnableAutoReconnect = true
	wa.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		db.Close()
		return fmt.Errorf("client shut down during start")
	}
	c.db = db
	c.wa = wa
	c.mu.Unlock()

	if wa.Store.ID == nil {
		qrChan, err := wa.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := wa.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		c.logger.Info("whatsapp: no stored device, waiting for QR scan")
		go c.watchQR(qrChan)
		return nil
	}

	if err := wa.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	c.logger.Info("whatsapp: connecting with stored device", "jid", wa.Store.ID.String())
	return nil
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// watchQR forwards QR channel items until the login completes or fails.
func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			if c.handleQRItem(item) {
				return
			}
		}
	}
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to backend.ChatAddress, body string) error {
	wa, err := c.readyClient()
	if err != nil {
		return err
	}
	jid, err := parseJID(string(to))
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendMedia uploads m and sends it as the matching message kind. An audio
// caption follows as a separate text message.
func (c *Client) SendMedia(ctx context.Context, to backend.ChatAddress, m *media.Media) error {
	wa, err := c.readyClient()
	if err != nil {
		return err
	}
	jid, err := parseJID(string(to))
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	msg, err := buildMediaMessage(ctx, wa, m)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}
	if _, err := wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending media: %w", err)
	}

	// The media is already delivered, so a failed caption is not an error
	// the caller could retry without duplicating it.
	if follow := captionFollowUp(m); follow != nil {
		if _, err := wa.SendMessage(ctx, jid, follow); err != nil {
			c.logger.Warn("failed to send audio caption", "to", jid.String(), "error", err)
		}
	}
	return nil
}

// readyClient returns the whatsmeow client if the send gate is open.
func (c *Client) readyClient() (*whatsmeow.Client, error) {
	if !c.ready.Load() {
		return nil, &backend.NotConnectedError{Reason: "whatsapp session is not ready"}
	}
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil {
		return nil, &backend.NotConnectedError{Reason: "whatsapp client not initialized"}
	}
	return wa, nil
}

// Shutdown disconnects and closes the credential store.
func (c *Client) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		c.terminal.Store(true)
		c.cancel()

		c.mu.Lock()
		wa, db := c.wa, c.db
		c.wa, c.db = nil, nil
		c.mu.Unlock()

		if wa != nil {
			wa.Disconnect()
		}
		if db != nil {
			if cerr := db.Close(); cerr != nil {
				err = fmt.Errorf("closing session store: %w", cerr)
			}
		}
		c.logger.Info("whatsapp: shut down")
	})
	return err
}

// Purge deletes the session's credential directory. Call after Shutdown.
func (c *Client) Purge(ctx context.Context) error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("removing session directory: %w", err)
	}
	c.logger.Info("whatsapp: credentials purged", "dir", c.dir)
	return nil
}

// emit delivers ev to the subscriber and keeps the send gate in sync.
// Nothing is delivered after a terminal event.
func (c *Client) emit(ev backend.Event) {
	switch ev.Kind {
	case backend.EventAuthFailure, backend.EventDisconnected:
		c.ready.Store(false)
		if !c.terminal.CompareAndSwap(false, true) {
			return
		}
	default:
		if c.terminal.Load() {
			return
		}
		if ev.Kind == backend.EventReady || ev.Kind == backend.EventAuthenticated {
			c.ready.Store(true)
			c.everReady.Store(true)
		}
	}

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// parseJID converts a chat address to types.JID.
// Accepts "5511999999999", "+5511999999999" or full JIDs like
// "5511999999999@s.whatsapp.net" and "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return types.JID{}, fmt.Errorf("no digits in %q", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
