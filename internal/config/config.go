// Package config handles loading and validating vfsbox configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/vfsbox/internal/atime"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for vfsbox.
type Config struct {
	Home          string               `json:"home,omitempty" yaml:"home,omitempty"`           // Runtime directory. Default: ~/.vfsbox. Override: VFSBOX_HOME env var.
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Directory hydrated when no state exists. Override: VFSBOX_WORKSPACE env var.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from home)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = defaults for `vfsbox serve`
}

// EngineConfig configures hydration, access-time handling and command execution.
type EngineConfig struct {
	AccessTimeMode        string   `json:"access_time_mode" yaml:"access_time_mode"`       // atime, noatime or relatime (default). Override: VFSBOX_ACCESS_TIME_MODE / ACCESS_TIME_MODE.
	MaxFileSizeMB         int      `json:"max_file_size_mb" yaml:"max_file_size_mb"`       // Default: 50
	MaxArchiveSizeMB      int      `json:"max_archive_size_mb" yaml:"max_archive_size_mb"` // Default: 10
	ArchiveExtensions     []string `json:"archive_extensions,omitempty" yaml:"archive_extensions,omitempty"`
	TextExtensions        []string `json:"text_extensions,omitempty" yaml:"text_extensions,omitempty"`
	IgnorePatterns        []string `json:"ignore_patterns,omitempty" yaml:"ignore_patterns,omitempty"` // doublestar globs skipped during hydration
	Shell                 string   `json:"shell" yaml:"shell"`                                         // Default: /bin/bash
	Owner                 string   `json:"owner" yaml:"owner"`                                         // Recorded as the sandbox session owner. Default: "terminal"
	CommandTimeoutSeconds int      `json:"command_timeout_seconds" yaml:"command_timeout_seconds"`     // 0 = no timeout
	MaxOutputBytes        int      `json:"max_output_bytes" yaml:"max_output_bytes"`                   // Default: 1 MiB per stream
	MaxMemoryMB           int      `json:"max_memory_mb" yaml:"max_memory_mb"`                         // 0 = unlimited
	MaxCPUSeconds         int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                     // 0 = unlimited
}

// CommandTimeout returns the foreground command timeout; zero disables it.
func (e *EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(e.CommandTimeoutSeconds) * time.Second
}

// SessionOwner returns the configured owner, defaulting to "terminal".
func (e *EngineConfig) SessionOwner() string {
	if e.Owner != "" {
		return e.Owner
	}
	return "terminal"
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error. Override: VFSBOX_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "text" (default) or "json"
}

// StorageConfig configures the persistence backend for history and snapshots.
// When nil, defaults to SQLite with the database path derived from home.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <home>/data/vfsbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by the VFSBOX_DB_DSN env var.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics route, defaulting to /metrics.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string `json:"service_name" yaml:"service_name"` // Default: "vfsbox"
	// ServiceVersion defaults to the binary's build version.
	ServiceVersion string  `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"` // 0.0-1.0. Default: 1.0
	Insecure       bool    `json:"insecure" yaml:"insecure"`       // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection on command failures.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Addr              string `json:"addr" yaml:"addr"`                               // Default: "127.0.0.1:8090"
	ReadTimeoutS      int    `json:"read_timeout_s" yaml:"read_timeout_s"`           // Default: 10
	WriteTimeoutS     int    `json:"write_timeout_s" yaml:"write_timeout_s"`         // Default: 30
	ShutdownTimeoutS  int    `json:"shutdown_timeout_s" yaml:"shutdown_timeout_s"`   // Default: 10
	HistoryQueryLimit int    `json:"history_query_limit" yaml:"history_query_limit"` // Default: 50
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"` // Per caller on /v1. 0 = unlimited
	BurstSize         int    `json:"burst_size" yaml:"burst_size"`                   // 0 = requests_per_minute
}

// ListenAddr returns the configured address or the default.
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return "127.0.0.1:8090"
}

// ReadTimeout returns the read timeout, defaulting to 10s.
func (s *ServerConfig) ReadTimeout() time.Duration {
	if s != nil && s.ReadTimeoutS > 0 {
		return time.Duration(s.ReadTimeoutS) * time.Second
	}
	return 10 * time.Second
}

// WriteTimeout returns the write timeout, defaulting to 30s.
func (s *ServerConfig) WriteTimeout() time.Duration {
	if s != nil && s.WriteTimeoutS > 0 {
		return time.Duration(s.WriteTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// ShutdownTimeout returns the graceful shutdown timeout, defaulting to 10s.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	if s != nil && s.ShutdownTimeoutS > 0 {
		return time.Duration(s.ShutdownTimeoutS) * time.Second
	}
	return 10 * time.Second
}

// RateLimit returns the per-caller limiter settings for the /v1 routes.
func (s *ServerConfig) RateLimit() (requestsPerMinute, burst int) {
	if s == nil {
		return 0, 0
	}
	return s.RequestsPerMinute, s.BurstSize
}

// HistoryLimit returns the default number of history records served, defaulting to 50.
func (s *ServerConfig) HistoryLimit() int {
	if s != nil && s.HistoryQueryLimit > 0 {
		return s.HistoryQueryLimit
	}
	return 50
}

// DefaultConfigPath returns the default config file path (~/.vfsbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/vfsbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".vfsbox", "config.yaml")
}

// Default returns the configuration used when no config file exists,
// with environment overrides applied.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return Load(path)
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("VFSBOX_HOME"); v != "" {
		c.Home = v
	}
	if v := os.Getenv("VFSBOX_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	// The unprefixed name is honoured for compatibility; the prefixed one wins.
	if v := os.Getenv("ACCESS_TIME_MODE"); v != "" {
		c.Engine.AccessTimeMode = v
	}
	if v := os.Getenv("VFSBOX_ACCESS_TIME_MODE"); v != "" {
		c.Engine.AccessTimeMode = v
	}
	if v := os.Getenv("VFSBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedHome returns the runtime directory, resolving ~ if needed.
func (c *Config) ResolvedHome() string {
	if c.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".vfsbox"
		}
		return filepath.Join(home, ".vfsbox")
	}
	resolved, err := resolvePath(c.Home)
	if err != nil {
		return c.Home
	}
	return resolved
}

// AccessTimeMode returns the parsed access-time mode. validate guarantees it parses.
func (c *Config) AccessTimeMode() atime.Mode {
	m, err := atime.ParseMode(c.Engine.AccessTimeMode)
	if err != nil {
		return atime.DefaultMode
	}
	return m
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if _, err := atime.ParseMode(c.Engine.AccessTimeMode); err != nil {
		return fmt.Errorf("engine.access_time_mode: %w", err)
	}
	if c.Engine.MaxFileSizeMB < 0 {
		return fmt.Errorf("engine.max_file_size_mb must not be negative")
	}
	if c.Engine.MaxArchiveSizeMB < 0 {
		return fmt.Errorf("engine.max_archive_size_mb must not be negative")
	}
	if c.Engine.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("engine.command_timeout_seconds must not be negative")
	}
	if c.Engine.MaxOutputBytes < 0 {
		return fmt.Errorf("engine.max_output_bytes must not be negative")
	}
	if c.Engine.MaxMemoryMB < 0 {
		return fmt.Errorf("engine.max_memory_mb must not be negative")
	}
	if c.Engine.MaxCPUSeconds < 0 {
		return fmt.Errorf("engine.max_cpu_seconds must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres", "none":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
