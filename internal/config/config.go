// Package config loads the application configuration: a small TOML file
// controlling the state database location, logging, and engine tuning.
// Per-datasource connection parameters are not configured here; they live in
// the state store as JSON bags interpreted by the matching detector.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the config file or individual keys are absent.
const (
	DefaultLogLevel            = "info"
	DefaultWriteTimeoutSeconds = 120
	DefaultApplyWorkers        = 4
)

// Config is the application configuration.
type Config struct {
	// DBPath is the SQLite state database location.
	DBPath string `toml:"db_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// WriteTimeoutSeconds bounds each individual index-writer call.
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	// ApplyWorkers caps concurrent index applies per datasource.
	ApplyWorkers int `toml:"apply_workers"`
}

// DefaultPath returns the default config file location,
// $XDG_CONFIG_HOME/ragsync/config.toml or the home-relative equivalent.
func DefaultPath() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "ragsync", "config.toml")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "ragsync", "config.toml")
}

// DefaultDBPath returns the default state database location,
// $XDG_DATA_HOME/ragsync/state.db or the home-relative equivalent.
func DefaultDBPath() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "ragsync", "state.db")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "state.db"
	}

	return filepath.Join(home, ".local", "share", "ragsync", "state.db")
}

// defaults returns a config with every key at its default value.
func defaults() *Config {
	return &Config{
		DBPath:              DefaultDBPath(),
		LogLevel:            DefaultLogLevel,
		WriteTimeoutSeconds: DefaultWriteTimeoutSeconds,
		ApplyWorkers:        DefaultApplyWorkers,
	}
}

// Load reads the config file at path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment overrides are returned. Unknown keys in the file are rejected
// so typos fail loudly instead of silently using defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)

		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		default:
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}

				return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks field values after file and environment layers merged.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}

	if c.WriteTimeoutSeconds < 1 {
		return fmt.Errorf("config: write_timeout_seconds must be >= 1, got %d", c.WriteTimeoutSeconds)
	}

	if c.ApplyWorkers < 1 {
		return fmt.Errorf("config: apply_workers must be >= 1, got %d", c.ApplyWorkers)
	}

	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}

	return nil
}

// Environment variable names. Environment overrides win over the file.
const (
	EnvConfig       = "RAGSYNC_CONFIG"
	EnvDBPath       = "RAGSYNC_DB_PATH"
	EnvLogLevel     = "RAGSYNC_LOG_LEVEL"
	EnvWriteTimeout = "RAGSYNC_WRITE_TIMEOUT_SECONDS"
	EnvApplyWorkers = "RAGSYNC_APPLY_WORKERS"
)

// applyEnvOverrides layers RAGSYNC_* variables over the file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv(EnvWriteTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WriteTimeoutSeconds = n
		}
	}

	if v := os.Getenv(EnvApplyWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ApplyWorkers = n
		}
	}
}
