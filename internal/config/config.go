package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/bsr/internal/family"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimiterConfig holds request rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EngineConfig holds the budgets of one family engine. Zero values take
// the engine defaults.
type EngineConfig struct {
	MaxFiles    int `yaml:"max_files"`
	MaxObjects  int `yaml:"max_objects"`
	MaxSegments int `yaml:"max_segments"`
}

// LoaderConfig holds the archive loader pool configuration
type LoaderConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Config represents the complete configuration for the segment server
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Metrics     MetricsConfig           `yaml:"metrics"`
	Logging     LoggingConfig           `yaml:"logging"`
	RateLimiter RateLimiterConfig       `yaml:"rate_limiter"`
	Engines     map[string]EngineConfig `yaml:"engines"`
	Loader      LoaderConfig            `yaml:"loader"`
	Health      HealthConfig            `yaml:"health"`

	// Kernels are loaded at startup in list order; the last one has the
	// highest priority.
	Kernels []string `yaml:"kernels"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML, applying defaults and
// environment overrides before validating it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)
	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.CollectInterval == 0 {
		cfg.Metrics.CollectInterval = 15 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.RateLimiter.RequestsPerSecond == 0 {
		cfg.RateLimiter.RequestsPerSecond = 1000
	}
	if cfg.RateLimiter.Burst == 0 {
		cfg.RateLimiter.Burst = 2000
	}

	if cfg.Engines == nil {
		cfg.Engines = make(map[string]EngineConfig)
	}

	if cfg.Loader.Workers == 0 {
		cfg.Loader.Workers = 4
	}
	if cfg.Loader.QueueSize == 0 {
		cfg.Loader.QueueSize = 64
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 30 * time.Second
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.Burst < 1) {
		return fmt.Errorf("rate_limiter requires positive requests_per_second and burst")
	}

	for name, e := range c.Engines {
		fam, err := family.Lookup(name)
		if err != nil {
			return fmt.Errorf("engines.%s: %w", name, err)
		}
		if e.MaxFiles < 0 || e.MaxObjects < 0 || e.MaxSegments < 0 {
			return fmt.Errorf("engines.%s: budgets must not be negative", name)
		}
		if e.MaxFiles > fam.MaxFiles() {
			return fmt.Errorf("engines.%s.max_files must not exceed %d", name, fam.MaxFiles())
		}
	}

	if c.Loader.Workers < 1 || c.Loader.QueueSize < 1 {
		return fmt.Errorf("loader.workers and loader.queue_size must be positive")
	}
	for i, k := range c.Kernels {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("kernels[%d] is empty", i)
		}
	}
	return nil
}

// Engine returns the budgets configured for a family, matching names
// case-insensitively.
func (c *Config) Engine(name string) EngineConfig {
	for k, e := range c.Engines {
		if strings.EqualFold(k, name) {
			return e
		}
	}
	return EngineConfig{}
}
