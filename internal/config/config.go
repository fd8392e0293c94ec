package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calsync/internal/model"
)

// DatabaseConfig locates the local SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// KVConfig selects the shared lock and etag backend.
type KVConfig struct {
	// Driver is "sqlite" (single node, shares the local database) or
	// "postgres" (shared across instances).
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the Postgres connection string. Unused for sqlite.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// ActivePeriodConfig is the retained range around now, in days.
type ActivePeriodConfig struct {
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`
}

// LogConfig controls the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// File, when set, receives logs with size-based rotation.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// BasicAuthConfig protects the operational HTTP endpoints except /health.
// Auth is disabled when either field is empty.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for health and metrics.
	Listen string `yaml:"listen" json:"listen"`

	Database     DatabaseConfig     `yaml:"database" json:"database"`
	KV           KVConfig           `yaml:"kv" json:"kv"`
	ActivePeriod ActivePeriodConfig `yaml:"active_period" json:"active_period"`

	// LockTTL bounds the inbound sync lock when releases get lost.
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	// EtagTTL is how long a fingerprint short-circuits reconciliation.
	EtagTTL time.Duration `yaml:"etag_ttl" json:"etag_ttl"`

	Workers     int `yaml:"workers" json:"workers"`
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// PollCron is a cron-style schedule string (e.g. "*/15 * * * *") for
	// periodic account polling. Empty disables polling.
	PollCron string `yaml:"poll_cron" json:"poll_cron"`

	// VirtualAccountDomain is the mail domain of per-tenant virtual
	// Provider accounts.
	VirtualAccountDomain string `yaml:"virtual_account_domain" json:"virtual_account_domain"`

	Log LogConfig `yaml:"log" json:"log"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:8080",
		Database:             DatabaseConfig{Path: "data/calsync.db"},
		KV:                   KVConfig{Driver: "sqlite"},
		ActivePeriod:         ActivePeriodConfig{PastDays: 30, FutureDays: 365},
		LockTTL:              30 * time.Minute,
		EtagTTL:              72 * time.Hour,
		Workers:              4,
		MaxAttempts:          5,
		PollCron:             "*/15 * * * *",
		VirtualAccountDomain: "virtual.calsync.local",
		Log:                  LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	c.KV.Driver = strings.ToLower(strings.TrimSpace(c.KV.Driver))
	if c.KV.Driver == "" {
		c.KV.Driver = d.KV.Driver
	}
	if c.ActivePeriod.PastDays <= 0 {
		c.ActivePeriod.PastDays = d.ActivePeriod.PastDays
	}
	if c.ActivePeriod.FutureDays <= 0 {
		c.ActivePeriod.FutureDays = d.ActivePeriod.FutureDays
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.EtagTTL <= 0 {
		c.EtagTTL = d.EtagTTL
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.VirtualAccountDomain == "" {
		c.VirtualAccountDomain = d.VirtualAccountDomain
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = d.Log.Level
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.KV.Driver {
	case "sqlite":
	case "postgres":
		if c.KV.DSN == "" {
			return errors.New("kv.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown kv.driver %q", c.KV.Driver)
	}
	if c.PollCron != "" {
		if _, err := cron.ParseStandard(c.PollCron); err != nil {
			return fmt.Errorf("invalid poll_cron %q: %w", c.PollCron, err)
		}
	}
	return nil
}

// Period converts the configured day counts.
func (c *Config) Period() model.ActivePeriod {
	return model.ActivePeriod{
		Past:   time.Duration(c.ActivePeriod.PastDays) * 24 * time.Hour,
		Future: time.Duration(c.ActivePeriod.FutureDays) * 24 * time.Hour,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
