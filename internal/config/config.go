// Package config loads the scheduler's YAML configuration file, applies
// environment-variable overrides, and fills in documented defaults. It
// follows the load-then-override pattern used throughout the example
// pack: a struct with yaml tags, a raw os.Getenv pass, and a normalize
// step that fills zero values.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig controls optional TLS termination for the gateway (spec §6).
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	AutoSelfSigned bool `yaml:"auto_self_signed"`
}

// AuthConfig controls Basic-Auth for the REST API (spec §6's "auth file path").
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	FilePath string `yaml:"file_path"`
}

// CORSConfig controls cross-origin access to the REST API. Out of spec's
// core scope (the gateway itself is an external collaborator) but carried
// as ambient plumbing carried regardless.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the gateway's per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Config is the scheduler's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	IPv6 bool   `yaml:"ipv6"`

	BasePath string `yaml:"base_path"`

	DBPath string `yaml:"db_path"`

	TaskTimeoutSeconds      int `yaml:"task_timeout_seconds"`
	ConditionTimeoutSeconds int `yaml:"condition_timeout_seconds"`
	ResultLogCapBytes       int `yaml:"result_log_cap_bytes"`
	ShutdownGraceSeconds    int `yaml:"shutdown_grace_seconds"`
	RunnerConcurrency       int `yaml:"runner_concurrency"` // 0 = unbounded

	LogLevel string `yaml:"log_level"`

	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig mirrors internal/otel.Config in YAML form so it can live in
// the same config file instead of requiring a second loader.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// BindAddr returns the host:port pair to listen on, preferring the IPv6
// wildcard when configured.
func (c Config) BindAddr() string {
	host := c.Host
	if host == "" {
		if c.IPv6 {
			host = "::"
		} else {
			host = "127.0.0.1"
		}
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// Fingerprint returns a stable hash of the active config, exposed over
// GET /api/config-ish surfaces so operators can tell when config changed
// without diffing the file.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|db=%s|tasktimeout=%d|condtimeout=%d|auth=%v",
		c.Host, c.Port, c.DBPath, c.TaskTimeoutSeconds, c.ConditionTimeoutSeconds, c.Auth.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Host:                    "127.0.0.1",
		Port:                    8089,
		BasePath:                "/",
		TaskTimeoutSeconds:      900,
		ConditionTimeoutSeconds: 60,
		ResultLogCapBytes:       256 * 1024,
		ShutdownGraceSeconds:    30,
		LogLevel:                "info",
		OTel: OTelConfig{
			Exporter: "none",
		},
	}
}

// HomeDir returns the directory holding config.yaml, the database file,
// and logs, honoring TASKSCHEDULER_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKSCHEDULER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskscheduler")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (if present), applies environment overrides, and
// fills documented defaults for anything left zero.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8089
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "scheduler.db")
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = 900
	}
	if cfg.ConditionTimeoutSeconds <= 0 {
		cfg.ConditionTimeoutSeconds = 60
	}
	if cfg.ResultLogCapBytes <= 0 {
		cfg.ResultLogCapBytes = 256 * 1024
	}
	if cfg.ShutdownGraceSeconds <= 0 {
		cfg.ShutdownGraceSeconds = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.Auth.FilePath == "" {
		cfg.Auth.FilePath = filepath.Join(cfg.HomeDir, "auth.yaml")
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKSCHEDULER_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("TASKSCHEDULER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("TASKSCHEDULER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKSCHEDULER_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TASKSCHEDULER_CONDITION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConditionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TASKSCHEDULER_BASE_PATH"); v != "" {
		cfg.BasePath = v
	}
	if v := os.Getenv("TASKSCHEDULER_IPV6"); v != "" {
		cfg.IPv6 = v == "1" || v == "true"
	}
	if v := os.Getenv("TASKSCHEDULER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKSCHEDULER_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("TASKSCHEDULER_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("TASKSCHEDULER_TLS_AUTO_SELF_SIGNED"); v != "" {
		cfg.TLS.AutoSelfSigned = v == "1" || v == "true"
	}
	if v := os.Getenv("TASKSCHEDULER_AUTH_FILE"); v != "" {
		cfg.Auth.FilePath = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("TASKSCHEDULER_RUNNER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunnerConcurrency = n
		}
	}
	if v := os.Getenv("TASKSCHEDULER_SHUTDOWN_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownGraceSeconds = n
		}
	}
}

// DefaultTaskTimeout and DefaultConditionTimeout expose the documented
// default wall-clock caps as time.Duration for callers that prefer not
// to reimplement the int-seconds-to-duration conversion.
func DefaultTaskTimeout() time.Duration      { return 900 * time.Second }
func DefaultConditionTimeout() time.Duration { return 60 * time.Second }
