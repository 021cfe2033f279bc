// Package config loads the ticket store configuration from config.yaml in
// the data directory, with environment variable overrides for deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default validation bounds for ticket fields. Oversized input is rejected
// before any row is written.
const (
	DefaultMaxMessageLen    = 2000
	DefaultMaxSourceLen     = 500
	DefaultMaxErrorTypeLen  = 100
	DefaultMaxStackTraceLen = 10000
	DefaultMaxLabelLen      = 200
	DefaultMaxGuardLen      = 128
	DefaultMaxOpenTickets   = 10000
)

// StoreConfig holds the settings consumed by the connection pool and schema
// layer.
type StoreConfig struct {
	// Path to the SQLite database file. Empty uses <data_dir>/actifix.db.
	Path string `yaml:"path"`

	// WAL toggles write-ahead logging. Leave on outside of tests.
	WAL bool `yaml:"wal"`

	// Synchronous is the SQLite synchronous level: "OFF", "NORMAL" or "FULL".
	Synchronous string `yaml:"synchronous"`

	// BusyTimeoutMillis is passed to the driver's busy handler.
	BusyTimeoutMillis int `yaml:"busy_timeout_millis"`
}

// LimitsConfig bounds ticket field lengths and open-ticket volume.
type LimitsConfig struct {
	MaxMessageLen    int `yaml:"max_message_len"`
	MaxSourceLen     int `yaml:"max_source_len"`
	MaxErrorTypeLen  int `yaml:"max_error_type_len"`
	MaxStackTraceLen int `yaml:"max_stack_trace_len"`
	MaxLabelLen      int `yaml:"max_label_len"`
	MaxGuardLen      int `yaml:"max_guard_len"`

	// MaxOpenTickets is a soft cap on non-deleted, non-completed tickets.
	// Exceeding it surfaces as a validation error, never a silent drop.
	MaxOpenTickets int `yaml:"max_open_tickets"`
}

// ThrottleConfig tunes the sliding-window creation brake. The mechanism is
// fixed; the thresholds are deployment policy.
type ThrottleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Window       time.Duration `yaml:"window"`
	MaxCreations int           `yaml:"max_creations"`
}

// MaintenanceConfig drives the robustness layer's periodic work.
type MaintenanceConfig struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	VacuumInterval     time.Duration `yaml:"vacuum_interval"`
	CorruptionCheck    bool          `yaml:"corruption_check"`

	// Cron schedules for the maintenance supervisor (5-field expressions).
	IntegritySchedule string `yaml:"integrity_schedule"`
	BackupSchedule    string `yaml:"backup_schedule"`
	SnapshotSchedule  string `yaml:"snapshot_schedule"`
}

// OTelConfig configures tracing/metrics export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	DataDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// DefaultLease is the lease duration applied when a caller passes zero.
	DefaultLease time.Duration `yaml:"default_lease"`

	Store       StoreConfig       `yaml:"store"`
	Limits      LimitsConfig      `yaml:"limits"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        OTelConfig        `yaml:"otel"`
}

// DefaultDataDir returns ~/.actifix, falling back to the working directory.
func DefaultDataDir() string {
	if v := os.Getenv("ACTIFIX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".actifix")
}

// ConfigPath returns the path to config.yaml within the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Default returns the baseline configuration for a data directory.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:      dataDir,
		LogLevel:     "info",
		DefaultLease: 5 * time.Minute,
		Store: StoreConfig{
			Path:              filepath.Join(dataDir, "actifix.db"),
			WAL:               true,
			Synchronous:       "FULL",
			BusyTimeoutMillis: 5000,
		},
		Limits: LimitsConfig{
			MaxMessageLen:    DefaultMaxMessageLen,
			MaxSourceLen:     DefaultMaxSourceLen,
			MaxErrorTypeLen:  DefaultMaxErrorTypeLen,
			MaxStackTraceLen: DefaultMaxStackTraceLen,
			MaxLabelLen:      DefaultMaxLabelLen,
			MaxGuardLen:      DefaultMaxGuardLen,
			MaxOpenTickets:   DefaultMaxOpenTickets,
		},
		Throttle: ThrottleConfig{
			Enabled:      true,
			Window:       time.Minute,
			MaxCreations: 120,
		},
		Maintenance: MaintenanceConfig{
			CheckpointInterval: 5 * time.Minute,
			VacuumInterval:     time.Hour,
			CorruptionCheck:    true,
			IntegritySchedule:  "*/30 * * * *",
			BackupSchedule:     "0 3 * * *",
			SnapshotSchedule:   "*/10 * * * *",
		},
		OTel: OTelConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "actifix",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml from the data directory, applies environment
// overrides, and validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	return LoadFrom(DefaultDataDir())
}

// LoadFrom loads configuration rooted at the given data directory.
func LoadFrom(dataDir string) (*Config, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	cfg := Default(dataDir)
	data, err := os.ReadFile(ConfigPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.DataDir = dataDir
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACTIFIX_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ACTIFIX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ACTIFIX_WAL"); v != "" {
		cfg.Store.WAL = parseBool(v, cfg.Store.WAL)
	}
	if v := os.Getenv("ACTIFIX_SYNCHRONOUS"); v != "" {
		cfg.Store.Synchronous = strings.ToUpper(v)
	}
	if v := os.Getenv("ACTIFIX_MAX_OPEN_TICKETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxOpenTickets = n
		}
	}
	if v := os.Getenv("ACTIFIX_CORRUPTION_CHECK"); v != "" {
		cfg.Maintenance.CorruptionCheck = parseBool(v, cfg.Maintenance.CorruptionCheck)
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func (c *Config) validate() error {
	switch strings.ToUpper(c.Store.Synchronous) {
	case "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid store.synchronous %q (want OFF, NORMAL or FULL)", c.Store.Synchronous)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Limits.MaxMessageLen <= 0 || c.Limits.MaxSourceLen <= 0 ||
		c.Limits.MaxErrorTypeLen <= 0 || c.Limits.MaxStackTraceLen <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.Throttle.Enabled && (c.Throttle.Window <= 0 || c.Throttle.MaxCreations <= 0) {
		return fmt.Errorf("throttle.window and throttle.max_creations must be positive when enabled")
	}
	if c.DefaultLease <= 0 {
		c.DefaultLease = 5 * time.Minute
	}
	return nil
}

// Save writes the configuration back to config.yaml.
func (c *Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.DataDir), out, 0o644)
}

// BackupDir returns the directory holding verified backups.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// QuarantineDir returns the directory holding quarantined store copies.
func (c *Config) QuarantineDir() string {
	return filepath.Join(c.DataDir, "quarantine")
}

// RecoveryDir returns the directory holding crash-recovery state.
func (c *Config) RecoveryDir() string {
	return filepath.Join(c.DataDir, "recovery")
}
