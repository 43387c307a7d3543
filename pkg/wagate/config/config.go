// Package config loads the gateway configuration from YAML with secure
// credential handling via environment variables, .env files and the OS
// keyring.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/media"
	"github.com/jholhewres/wagate/pkg/wagate/session"
)

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Sessions SessionsConfig       `yaml:"sessions"`
	Media    media.ResolverConfig `yaml:"media"`
	Uploads  media.UploadConfig   `yaml:"uploads"`
	Logging  LoggingConfig        `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address (e.g. ":8085").
	Address string `yaml:"address"`

	// MasterKey authorises every /api request. Prefer ${WAGATE_MASTER_KEY}
	// or the OS keyring over a literal value.
	MasterKey string `yaml:"master_key"`

	// DefaultSession is used when a request names no session. Empty means
	// requests must always name one.
	DefaultSession string `yaml:"default_session"`

	// CORSOrigins lists allowed browser origins. Empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxBodyMB caps request bodies.
	MaxBodyMB int `yaml:"max_body_mb"`
}

// SessionsConfig configures the session manager and the backend adapter.
type SessionsConfig struct {
	// Dir holds one credential directory per session.
	Dir string `yaml:"dir"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	session.Config `yaml:",inline"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:   ":8085",
			MaxBodyMB: 32,
		},
		Sessions: SessionsConfig{
			Dir:        "./data/sessions",
			DeviceName: "wagate",
			Config:     session.DefaultConfig(),
		},
		Media:   media.DefaultResolverConfig(),
		Uploads: media.DefaultUploadConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigurationError reports an invalid or missing setting.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	if c.Server.MasterKey == "" || IsEnvReference(c.Server.MasterKey) {
		return &ConfigurationError{
			Field:   "server.master_key",
			Message: "master key is not set (use WAGATE_MASTER_KEY, MASTER_API_KEY, the OS keyring or server.master_key)",
		}
	}
	if c.Server.Address == "" {
		return &ConfigurationError{Field: "server.address", Message: "listen address is empty"}
	}
	if c.Server.DefaultSession != "" {
		if err := session.ValidateID(c.Server.DefaultSession); err != nil {
			return &ConfigurationError{Field: "server.default_session", Message: err.Error()}
		}
	}
	if c.Sessions.Dir == "" {
		return &ConfigurationError{Field: "sessions.dir", Message: "directory is empty"}
	}
	if c.Sessions.SendRate < 0 {
		return &ConfigurationError{Field: "sessions.send_rate", Message: "must not be negative"}
	}
	for name, d := range map[string]time.Duration{
		"sessions.start_timeout": c.Sessions.StartTimeout,
		"sessions.send_timeout":  c.Sessions.SendTimeout,
		"media.fetch_timeout":    c.Media.FetchTimeout,
		"uploads.ttl":            c.Uploads.TTL,
	} {
		if d < 0 {
			return &ConfigurationError{Field: name, Message: "must not be negative"}
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return &ConfigurationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	return nil
}

// ChatDomain returns the configured chat domain or the default.
func (c *Config) ChatDomain() string {
	if c.Sessions.ChatDomain == "" {
		return backend.DefaultChatDomain
	}
	return c.Sessions.ChatDomain
}

// MaxBodyBytes returns the request body cap in bytes.
func (c *Config) MaxBodyBytes() int64 {
	return int64(c.Server.MaxBodyMB) * 1024 * 1024
}
