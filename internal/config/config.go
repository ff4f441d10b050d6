// Package config loads runtime settings for the regua CLI.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// REGUA_* environment variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/regua/internal/agenda"
)

// Environment variables that override file settings.
const (
	EnvDatabase        = "REGUA_DB"
	EnvTimezone        = "REGUA_TIMEZONE"
	EnvLogLevel        = "REGUA_LOG_LEVEL"
	EnvSyncMaxAttempts = "REGUA_SYNC_MAX_ATTEMPTS"
)

// DefaultTimezone is where due dates given as plain dates are anchored.
const DefaultTimezone = "America/Sao_Paulo"

// Config is the full runtime configuration.
type Config struct {
	Database string        `yaml:"database" validate:"required"`
	Timezone string        `yaml:"timezone" validate:"required,timezone"`
	LogLevel string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	Sync     SyncConfig    `yaml:"sync"`
	Execute  ExecuteConfig `yaml:"execute"`
}

// SyncConfig tunes the agenda retry worker.
type SyncConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"min=1,max=100"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier      float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter          float64       `yaml:"jitter" validate:"gte=0,lt=1"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Workers         int           `yaml:"workers" validate:"min=1,max=64"`
}

// ExecuteConfig tunes the due-event execution loop.
type ExecuteConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BatchSize    int           `yaml:"batch_size" validate:"min=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	retry := agenda.DefaultRetryPolicy()
	return Config{
		Database: "regua.db",
		Timezone: DefaultTimezone,
		LogLevel: "info",
		Sync: SyncConfig{
			MaxAttempts:     retry.MaxAttempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			Multiplier:      retry.Multiplier,
			PollInterval:    15 * time.Second,
			Workers:         4,
		},
		Execute: ExecuteConfig{
			PollInterval: time.Minute,
			BatchSize:    500,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// process environment and validates the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to defaults.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		cfg.Database = v
	}
	if v, ok := lookup(EnvTimezone); ok && v != "" {
		cfg.Timezone = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvSyncMaxAttempts); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSyncMaxAttempts, err)
		}
		cfg.Sync.MaxAttempts = n
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Location returns the configured time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// RetryPolicy converts the sync settings for the agenda Syncer.
func (c Config) RetryPolicy() agenda.RetryPolicy {
	return agenda.RetryPolicy{
		MaxAttempts:     c.Sync.MaxAttempts,
		InitialInterval: c.Sync.InitialInterval,
		MaxInterval:     c.Sync.MaxInterval,
		Multiplier:      c.Sync.Multiplier,
		Jitter:          c.Sync.Jitter,
	}
}

// Level maps LogLevel to a slog level. Unknown values mean info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
