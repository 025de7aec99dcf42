package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultWriteTimeoutSeconds, cfg.WriteTimeoutSeconds)
	assert.Equal(t, DefaultApplyWorkers, cfg.ApplyWorkers)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
db_path = "/var/lib/ragsync/state.db"
log_level = "debug"
write_timeout_seconds = 30
apply_workers = 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ragsync/state.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.WriteTimeoutSeconds)
	assert.Equal(t, 8, cfg.ApplyWorkers)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
db_path = "/tmp/state.db"
databse_path = "/oops/typo"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "databse_path")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("bad log level", func(t *testing.T) {
		_, err := Load(writeConfig(t, `log_level = "loud"`))
		assert.Error(t, err)
	})

	t.Run("bad timeout", func(t *testing.T) {
		_, err := Load(writeConfig(t, `write_timeout_seconds = 0`))
		assert.Error(t, err)
	})

	t.Run("bad worker count", func(t *testing.T) {
		_, err := Load(writeConfig(t, `apply_workers = 0`))
		assert.Error(t, err)
	})
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, `
db_path = "/from/file.db"
log_level = "warn"
`)

	t.Setenv(EnvDBPath, "/from/env.db")
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvWriteTimeout, "15")
	t.Setenv(EnvApplyWorkers, "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env.db", cfg.DBPath)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 15, cfg.WriteTimeoutSeconds)
	assert.Equal(t, 2, cfg.ApplyWorkers)
}
