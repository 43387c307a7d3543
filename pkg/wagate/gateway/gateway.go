// Package gateway provides the HTTP API of the WhatsApp gateway.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/config"
	"github.com/jholhewres/wagate/pkg/wagate/media"
	"github.com/jholhewres/wagate/pkg/wagate/session"
)

const version = "1.0.0"

// Gateway is the HTTP API gateway.
type Gateway struct {
	manager   *session.Manager
	uploads   *media.UploadStore
	config    config.ServerConfig
	maxBody   int64
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway. uploads may be nil, which disables the upload
// routes and multipart attachments.
func New(manager *session.Manager, uploads *media.UploadStore, cfg config.ServerConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	maxBody := int64(cfg.MaxBodyMB) * 1024 * 1024
	if maxBody <= 0 {
		maxBody = 32 * 1024 * 1024
	}
	return &Gateway{
		manager:   manager,
		uploads:   uploads,
		config:    cfg,
		maxBody:   maxBody,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the complete HTTP handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/uploads/", g.handleServeUpload)

	// Master key protected
	mux.HandleFunc("/api/connect", g.handleConnect)
	mux.HandleFunc("/api/connect/image", g.handleConnectImage)
	mux.HandleFunc("/api/sessions", g.handleListSessions)
	mux.HandleFunc("/api/send-message", g.handleSendMessage)
	mux.HandleFunc("/api/send-attachment", g.handleSendAttachment)
	mux.HandleFunc("/api/send", g.handleSend)
	mux.HandleFunc("/api/upload", g.handleUpload)

	return g.securityHeadersMiddleware(
		g.corsMiddleware(
			g.bodyLimitMiddleware(
				g.masterKeyMiddleware(mux))))
}

// Start binds the listen address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Address, err)
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}
