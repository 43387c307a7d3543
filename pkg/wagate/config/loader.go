package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Master key environment variables, in priority order.
var masterKeyEnvVars = []string{"WAGATE_MASTER_KEY", "MASTER_API_KEY"}

// Load returns the configuration from path, or from the first config file
// found in the standard locations when path is empty. Without any file the
// defaults plus environment are used. The second return value is the file
// actually read ("" for none).
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, "", nil
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"wagate.yaml",
		"wagate.yml",
		"configs/config.yaml",
		"configs/wagate.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about a master key written literally into the config.
func AuditSecrets(raw []byte, logger *slog.Logger) {
	var doc struct {
		Server struct {
			MasterKey string `yaml:"master_key"`
		} `yaml:"server"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return
	}
	if key := doc.Server.MasterKey; key != "" && !IsEnvReference(key) {
		logger.Warn("master key appears to be hardcoded in config",
			"hint", "set 'master_key: ${WAGATE_MASTER_KEY}' in config.yaml")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
// godotenv does not overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with their environment values. Unset plain references are kept
// as-is; an unset ${VAR:?error} becomes an "ERROR:" marker.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Groups: 1=varName, 2=modifier(-|?), 3=value, 4=bareVar
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			msg := value
			if msg == "" {
				msg = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + msg
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}

	// Format: ERROR:VAR_NAME:message up to end of line.
	rest := result[idx+len("ERROR:"):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	varName, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	return "", &ConfigurationError{Field: varName, Message: strings.TrimSpace(msg)}
}

// resolveSecrets fills the master key from the environment when the config
// leaves it empty or as an unresolved placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.Server.MasterKey != "" && !IsEnvReference(cfg.Server.MasterKey) {
		return
	}
	for _, name := range masterKeyEnvVars {
		if key := os.Getenv(name); key != "" {
			cfg.Server.MasterKey = key
			return
		}
	}
}

// resolveRelativePaths makes directory settings relative to the config
// file so the server behaves the same from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	cfg.Sessions.Dir = resolvePathFromConfig(cfg.Sessions.Dir, configDir)
	cfg.Uploads.Dir = resolvePathFromConfig(cfg.Uploads.Dir, configDir)
}

// resolvePathFromConfig converts a path to absolute, resolving relative paths
// against the config file's directory. Expands ~ to home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
