// Package commands implements the wagate CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagate",
		Short: "wagate - multi-tenant WhatsApp HTTP gateway",
		Long: `wagate exposes WhatsApp Web sessions through a small HTTP API.
Each tenant gets an isolated session, linked by scanning a login code.

Examples:
  wagate serve
  wagate serve --config ./config.yaml
  wagate login --session sales
  wagate key set`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newLoginCmd(),
		newKeyCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig loads the config named by --config, or the first one found in
// the standard locations, falling back to defaults plus environment.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, path, err := config.Load(configPath)
	if err != nil {
		if path != "" {
			return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
