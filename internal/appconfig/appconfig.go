// Package appconfig loads the gateway's top-level YAML configuration and
// the optional .env file used to inject backend credentials before a
// backend's own registry env map is merged on top.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mcpgate/pkg/logging"
)

const subsystem = "AppConfig"

const (
	configDirName  = ".mcp-manager"
	configFileName = "config.yaml"
)

// Config is the top-level application configuration.
type Config struct {
	// ConfigDir is where the registry, memory store, and this file itself
	// live. Resolved at load time; not part of the on-disk document.
	ConfigDir string `yaml:"-"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level,omitempty"`

	Gateway GatewayConfig `yaml:"gateway"`
}

// GatewayConfig holds the gateway's transport settings. The gateway itself
// speaks stdio only (spec §4.6) — Host and Port are carried for parity with
// the teacher's aggregator config and so a future additional transport has
// somewhere to read its bind address from, but stdio ignores them.
type GatewayConfig struct {
	Transport string `yaml:"transport,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
}

// Default returns the built-in configuration used when no config.yaml
// exists yet.
func Default() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Transport: "stdio",
			Host:      "localhost",
			Port:      8090,
		},
	}
}

// DefaultConfigDir returns ~/.mcp-manager, matching the directory the
// registry and memory store already use for their own files.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDirName), nil
}

// Load reads config.yaml from configDir, falling back to Default() when the
// file doesn't exist. A malformed file is a hard error.
func Load(configDir string) (Config, error) {
	cfg := Default()
	cfg.ConfigDir = configDir

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info(subsystem, "No config.yaml at %s, using defaults", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.ConfigDir = configDir
	logging.Info(subsystem, "Loaded configuration from %s", path)
	return cfg, nil
}

// LoadDotEnv loads a .env file from configDir into the process environment
// if one is present, so backend launch commands can reference credentials
// via os.Environ() before the registry's per-backend env map (which always
// wins on collision — see orchestrator.mergeEnv) is applied on top. A
// missing .env file is not an error.
func LoadDotEnv(configDir string) error {
	path := filepath.Join(configDir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	logging.Info(subsystem, "Loaded environment from %s", path)
	return nil
}

// ParseLogLevel maps a config string to a logging.LogLevel, defaulting to
// LevelInfo for an empty or unrecognized value.
func ParseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
