package config

import (
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "wagate"

	// KeyringMasterKey is the entry holding the API master key.
	KeyringMasterKey = "master_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveMasterKey completes the master key resolution chain
// (config → WAGATE_MASTER_KEY → MASTER_API_KEY → OS keyring) and validates
// the result. It returns a *ConfigurationError when no key is found.
func ResolveMasterKey(cfg *Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	resolveSecrets(cfg)
	if cfg.Server.MasterKey != "" && !IsEnvReference(cfg.Server.MasterKey) {
		logger.Debug("master key loaded from config/env")
		return nil
	}

	if val := GetKeyring(KeyringMasterKey); val != "" {
		cfg.Server.MasterKey = val
		logger.Debug("master key loaded from OS keyring")
		return nil
	}

	cfg.Server.MasterKey = ""
	return cfg.Validate()
}
