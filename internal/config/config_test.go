package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regua.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "America/Sao_Paulo", cfg.Timezone)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.InitialInterval)
	assert.Equal(t, 30*time.Minute, cfg.Sync.MaxInterval)
	assert.Equal(t, 2.0, cfg.Sync.Multiplier)
	assert.Equal(t, 15*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, time.Minute, cfg.Execute.PollInterval)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/regua/regua.db
timezone: UTC
log_level: debug
sync:
  max_attempts: 8
  initial_interval: 10s
  max_interval: 5m
execute:
  poll_interval: 30s
`)
	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/regua/regua.db", cfg.Database)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Sync.InitialInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxInterval)
	assert.Equal(t, 4, cfg.Sync.Workers, "unset keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Execute.PollInterval)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := LoadWithEnv(writeConfig(t, ""), noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := LoadWithEnv(writeConfig(t, "databse: x.db\n"), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "databse")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database: file.db\nlog_level: warn\n")
	cfg, err := LoadWithEnv(path, envOf(map[string]string{
		EnvDatabase:        "env.db",
		EnvTimezone:        "Europe/Lisbon",
		EnvLogLevel:        "ERROR",
		EnvSyncMaxAttempts: "2",
	}))
	require.NoError(t, err)

	assert.Equal(t, "env.db", cfg.Database)
	assert.Equal(t, "Europe/Lisbon", cfg.Timezone)
	assert.Equal(t, slog.LevelError, cfg.Level())
	assert.Equal(t, 2, cfg.Sync.MaxAttempts)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	_, err := LoadWithEnv("", envOf(map[string]string{EnvSyncMaxAttempts: "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSyncMaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "Timezone"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"no database", func(c *Config) { c.Database = "" }, "Database"},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }, "MaxAttempts"},
		{"max below initial", func(c *Config) { c.Sync.MaxInterval = time.Second }, "MaxInterval"},
		{"shrinking multiplier", func(c *Config) { c.Sync.Multiplier = 0.5 }, "Multiplier"},
		{"no workers", func(c *Config) { c.Sync.Workers = 0 }, "Workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := Default()
	cfg.Sync.Jitter = 0.2
	p := cfg.RetryPolicy()

	assert.Equal(t, cfg.Sync.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, cfg.Sync.InitialInterval, p.InitialInterval)
	assert.Equal(t, cfg.Sync.MaxInterval, p.MaxInterval)
	assert.Equal(t, 0.2, p.Jitter)
}
