package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/backend/whatsapp"
	"github.com/jholhewres/wagate/pkg/wagate/config"
	"github.com/jholhewres/wagate/pkg/wagate/gateway"
	"github.com/jholhewres/wagate/pkg/wagate/media"
	"github.com/jholhewres/wagate/pkg/wagate/session"
)

// newServeCmd creates the `wagate serve` command that starts the gateway.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long: `Start the gateway: the HTTP API, the session manager and the
upload cleanup schedule. Sessions are created on first use.

Examples:
  wagate serve
  wagate serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	if path != "" {
		logger.Info("config loaded", "path", path)
		if raw, err := os.ReadFile(path); err == nil {
			config.AuditSecrets(raw, logger)
		}
	} else {
		logger.Info("no config file found, using defaults and environment")
	}

	// ── Resolve secrets ──
	// env → keyring; refuse to start without a master key.
	if err := config.ResolveMasterKey(cfg, logger); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Uploads ──
	uploads := media.NewUploadStore(cfg.Uploads, logger)
	if err := uploads.EnsureDir(); err != nil {
		return err
	}
	if err := uploads.StartCleanup(ctx); err != nil {
		return err
	}
	defer uploads.StopCleanup()

	// ── Sessions ──
	factory := whatsapp.NewFactory(whatsapp.Config{
		SessionsDir: cfg.Sessions.Dir,
		DeviceName:  cfg.Sessions.DeviceName,
	}, logger)
	// Path references from the API may only read staged uploads.
	resolverCfg := cfg.Media
	resolverCfg.AllowedDirs = append([]string{cfg.Uploads.Dir}, cfg.Media.AllowedDirs...)
	resolver := media.NewResolver(resolverCfg, logger)

	sessCfg := cfg.Sessions.Config
	sessCfg.ChatDomain = cfg.ChatDomain()
	manager := session.NewManager(sessCfg, factory, resolver, logger)

	// ── Gateway ──
	gw := gateway.New(manager, uploads, cfg.Server, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	if cfg.Server.DefaultSession != "" {
		if _, err := manager.GetOrCreate(cfg.Server.DefaultSession); err != nil {
			logger.Error("failed to start default session", "session", cfg.Server.DefaultSession, "error", err)
		}
	}

	// ── Wait for shutdown ──
	logger.Info("wagate running. Press Ctrl+C to stop.",
		"address", cfg.Server.Address,
		"sessions_dir", cfg.Sessions.Dir,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown error", "error", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out after 10s, forcing exit", "error", err)
		return nil
	}

	logger.Info("shutdown complete")
	return nil
}
