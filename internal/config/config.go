// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr"`                                     // Listen address. Default: ":8080".
	APIKeys     []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Bearer tokens accepted on /v1 routes. Empty = auth disabled (dev only). Override: SANDUKU_API_KEY env var (single key).
	RateLimit   int      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`     // Requests per minute per client. 0 = unlimited.
	MaxBodySize int64    `json:"max_body_size,omitempty" yaml:"max_body_size,omitempty"` // Request body cap in bytes. Default: 8 MiB.
}

// PolicyConfig configures the guardrail rule set.
type PolicyConfig struct {
	File             string `json:"file,omitempty" yaml:"file,omitempty"` // Optional YAML rule file merged over the built-in rules. Override: SANDUKU_POLICY_FILE env var.
	LogRejectedInput bool   `json:"log_rejected_input" yaml:"log_rejected_input"` // Record the full text of rejected user messages in the audit log. Default: false.
}

// SandboxConfig configures execution isolation.
type SandboxConfig struct {
	Image          string  `json:"image,omitempty" yaml:"image,omitempty"`                     // Container image. Default: "sanduku-runtime:latest". Override: SANDUKU_SANDBOX_IMAGE env var.
	PythonBin      string  `json:"python_bin,omitempty" yaml:"python_bin,omitempty"`           // Interpreter for the restricted fallback. Default: "python3".
	ForceStrategy  string  `json:"force_strategy,omitempty" yaml:"force_strategy,omitempty"`   // "container" or "restricted" to skip probing. Empty = auto-detect.
	PIDsLimit      int     `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`           // Container process cap. Default: 64.
	MaxWallSeconds int     `json:"max_wall_seconds,omitempty" yaml:"max_wall_seconds,omitempty"` // Wall-clock ceiling. Default: 30.
	MaxMemoryMB    int     `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`     // Memory ceiling. Default: 512.
	MaxCPUFraction float64 `json:"max_cpu_fraction,omitempty" yaml:"max_cpu_fraction,omitempty"` // Fraction of one CPU. Default: 0.5.
	NetworkEnabled bool    `json:"network_enabled" yaml:"network_enabled"`                     // Default: false. Requests cannot widen this.
	FilesystemMode string  `json:"filesystem_mode,omitempty" yaml:"filesystem_mode,omitempty"` // "none" (default) or "read_only".
}

// SessionConfig configures data-context persistence and concurrency.
type SessionConfig struct {
	Driver           string                 `json:"driver,omitempty" yaml:"driver,omitempty"` // "memory" (default), "sqlite", or "postgres".
	SQLite           *SQLiteSessionConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres         *PostgresSessionConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	TTLSeconds       int                    `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"` // Data-context lifetime. Default: 3600.
	RejectConcurrent bool                   `json:"reject_concurrent" yaml:"reject_concurrent"`         // Reject a second in-flight request per session instead of queueing it.
	LockWaitSeconds  int                    `json:"lock_wait_seconds,omitempty" yaml:"lock_wait_seconds,omitempty"` // Max queue wait when not rejecting. Default: 60.
}

// SQLiteSessionConfig holds SQLite-specific settings.
type SQLiteSessionConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
}

// PostgresSessionConfig holds PostgreSQL-specific settings.
type PostgresSessionConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing with an OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Disable TLS to the collector.
}

// AnomalyConfig configures sliding-window anomaly detection on
// guardrail and sandbox outcomes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300.
	BlockRateThreshold float64 `json:"block_rate_threshold" yaml:"block_rate_threshold"` // Per-session guardrail block rate that triggers an alert. Default: 0.5.
	FailureThreshold   float64 `json:"failure_threshold" yaml:"failure_threshold"`       // Sandbox infrastructure failure rate that triggers an alert. Default: 0.25.
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Default returns a Config with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
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

	// Environment variable overrides — env vars take precedence over config values.
	if env := os.Getenv("SANDUKU_DATA_DIR"); env != "" {
		cfg.DataDir = env
	}
	if env := os.Getenv("SANDUKU_API_KEY"); env != "" {
		cfg.Server.APIKeys = []string{env}
	}
	if env := os.Getenv("SANDUKU_POLICY_FILE"); env != "" {
		cfg.Policy.File = env
	}
	if env := os.Getenv("SANDUKU_SANDBOX_IMAGE"); env != "" {
		cfg.Sandbox.Image = env
	}
	if env := os.Getenv("SANDUKU_DB_DSN"); env != "" {
		if cfg.Session.Postgres == nil {
			cfg.Session.Postgres = &PostgresSessionConfig{}
		}
		cfg.Session.Postgres.DSN = env
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".sanduku", "data")
		} else {
			c.DataDir = "data"
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodySize <= 0 {
		c.Server.MaxBodySize = 8 << 20
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "sanduku-runtime:latest"
	}
	if c.Sandbox.PythonBin == "" {
		c.Sandbox.PythonBin = "python3"
	}
	if c.Sandbox.PIDsLimit <= 0 {
		c.Sandbox.PIDsLimit = 64
	}
	if c.Sandbox.MaxWallSeconds <= 0 {
		c.Sandbox.MaxWallSeconds = 30
	}
	if c.Sandbox.MaxMemoryMB <= 0 {
		c.Sandbox.MaxMemoryMB = 512
	}
	if c.Sandbox.MaxCPUFraction <= 0 {
		c.Sandbox.MaxCPUFraction = 0.5
	}
	if c.Sandbox.FilesystemMode == "" {
		c.Sandbox.FilesystemMode = "none"
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 3600
	}
	if c.Session.LockWaitSeconds <= 0 {
		c.Session.LockWaitSeconds = 60
	}
}

func (c *Config) validate() error {
	switch c.Session.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("session.driver %q is not supported (use memory, sqlite, or postgres)", c.Session.Driver)
	}
	if c.Session.Driver == "postgres" && (c.Session.Postgres == nil || c.Session.Postgres.DSN == "") {
		return fmt.Errorf("session.postgres.dsn is required for the postgres driver (set SANDUKU_DB_DSN env var)")
	}
	switch c.Sandbox.FilesystemMode {
	case "none", "read_only":
	default:
		return fmt.Errorf("sandbox.filesystem_mode %q is not supported (use none or read_only)", c.Sandbox.FilesystemMode)
	}
	switch c.Sandbox.ForceStrategy {
	case "", "container", "restricted":
	default:
		return fmt.Errorf("sandbox.force_strategy %q is not supported (use container or restricted)", c.Sandbox.ForceStrategy)
	}
	if c.Sandbox.MaxCPUFraction > float64(maxCPUCeiling) {
		return fmt.Errorf("sandbox.max_cpu_fraction %v exceeds the host ceiling", c.Sandbox.MaxCPUFraction)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	return nil
}

// maxCPUCeiling bounds max_cpu_fraction to whole-host capacity.
const maxCPUCeiling = 64

// SQLitePath returns the session database path, defaulting under DataDir.
func (c *Config) SQLitePath() string {
	if c.Session.SQLite != nil && c.Session.SQLite.Path != "" {
		return c.Session.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// AuditLogPath returns the audit log path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
