package gerbang

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the file form of a Client configuration.
type Config struct {
	Transport      TransportConfig    `yaml:"transport" toml:"transport"`
	Retry          RetryConfig        `yaml:"retry" toml:"retry"`
	CircuitBreaker CircuitBreakerFile `yaml:"circuit_breaker" toml:"circuit_breaker"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	Cache          CacheFileConfig    `yaml:"cache" toml:"cache"`
	Pool           PoolFileConfig     `yaml:"pool" toml:"pool"`
	Metrics        MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Debug          DebugFileConfig    `yaml:"debug" toml:"debug"`
}

// TransportConfig configures the HTTP transport built by the CLI.
type TransportConfig struct {
	BaseURL string            `yaml:"base_url" toml:"base_url"`
	H2C     bool              `yaml:"h2c" toml:"h2c"`
	Timeout time.Duration     `yaml:"timeout" toml:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// RetryConfig mirrors RetryPolicy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" toml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" toml:"backoff_factor"`
	Jitter        float64       `yaml:"jitter" toml:"jitter"`
	Strategy      string        `yaml:"strategy" toml:"strategy"`
}

// CircuitBreakerFile mirrors CircuitBreakerConfig.
type CircuitBreakerFile struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" toml:"reset_timeout"`
}

// RateLimitConfig selects and configures the rate limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Algorithm is "sliding_window" or "token_bucket".
	Algorithm     string        `yaml:"algorithm" toml:"algorithm"`
	MaxRequests   int           `yaml:"max_requests" toml:"max_requests"`
	Window        time.Duration `yaml:"window" toml:"window"`
	MaxKeys       int           `yaml:"max_keys" toml:"max_keys"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// CacheFileConfig configures the response cache.
type CacheFileConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	TTL           time.Duration `yaml:"ttl" toml:"ttl"`
	Coalesce      bool          `yaml:"coalesce" toml:"coalesce"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// PoolFileConfig mirrors PoolConfig.
type PoolFileConfig struct {
	MaxConnections int           `yaml:"max_connections" toml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	PollInterval   time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
}

// MetricsConfig configures in-memory and Prometheus metrics.
type MetricsConfig struct {
	Window     int    `yaml:"window" toml:"window"`
	Prometheus bool   `yaml:"prometheus" toml:"prometheus"`
	Address    string `yaml:"address" toml:"address"`
	Path       string `yaml:"path" toml:"path"`
}

// DebugFileConfig toggles debug logging per concern.
type DebugFileConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Format is "console" or "json".
	Format string `yaml:"format" toml:"format"`
	Level  string `yaml:"level" toml:"level"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Timeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
			Strategy:      "exponential",
		},
		CircuitBreaker: CircuitBreakerFile{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Algorithm:     "sliding_window",
			MaxRequests:   100,
			Window:        time.Minute,
			MaxKeys:       10000,
			SweepInterval: time.Minute,
		},
		Cache: CacheFileConfig{
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Pool: PoolFileConfig{
			MaxConnections: 100,
			IdleTimeout:    5 * time.Minute,
			SweepInterval:  time.Minute,
			PollInterval:   100 * time.Millisecond,
			AcquireTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Window:  defaultLatencyWindow,
			Address: ":9090",
			Path:    "/metrics",
		},
		Debug: DebugFileConfig{
			Format: "console",
			Level:  "info",
		},
	}
}

// LoadConfig reads a configuration file over DefaultConfig. Files ending in
// .toml are parsed as TOML; everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem in cfg as one Validation error.
func (cfg *Config) Validate() error {
	var problems []string

	if cfg.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		problems = append(problems, "retry.max_delay must be >= retry.base_delay >= 0")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		problems = append(problems, "retry.jitter must be between 0 and 1")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		problems = append(problems, "circuit_breaker.failure_threshold must be positive")
	}
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Algorithm {
		case "", "sliding_window", "token_bucket":
		default:
			problems = append(problems, fmt.Sprintf("rate_limit.algorithm %q is not supported", cfg.RateLimit.Algorithm))
		}
		if cfg.RateLimit.MaxRequests < 1 || cfg.RateLimit.Window <= 0 {
			problems = append(problems, "rate_limit.max_requests and rate_limit.window must be positive")
		}
	}
	if cfg.Cache.Enabled && cfg.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if cfg.Pool.MaxConnections < 1 {
		problems = append(problems, "pool.max_connections must be positive")
	}
	if cfg.Debug.Format != "" && cfg.Debug.Format != "console" && cfg.Debug.Format != "json" {
		problems = append(problems, fmt.Sprintf("debug.format %q is not supported", cfg.Debug.Format))
	}

	if len(problems) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   errors.New(strings.Join(problems, "; ")),
		}
	}
	return nil
}

// Options converts the file configuration into client options. Transport,
// logger and Prometheus registerer are left to the caller.
func (cfg *Config) Options() []Option {
	opts := []Option{
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BaseDelay:     cfg.Retry.BaseDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Jitter:        cfg.Retry.Jitter,
			Strategy:      cfg.Retry.Strategy,
		}),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Timeout:          cfg.CircuitBreaker.Timeout,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		}),
		WithPool(PoolConfig{
			MaxConnections: cfg.Pool.MaxConnections,
			IdleTimeout:    cfg.Pool.IdleTimeout,
			SweepInterval:  cfg.Pool.SweepInterval,
			PollInterval:   cfg.Pool.PollInterval,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
		}),
		WithMetricsWindow(cfg.Metrics.Window),
	}

	if cfg.RateLimit.Enabled {
		rl := RateLimiterConfig{
			MaxRequests:   cfg.RateLimit.MaxRequests,
			Window:        cfg.RateLimit.Window,
			MaxKeys:       cfg.RateLimit.MaxKeys,
			SweepInterval: cfg.RateLimit.SweepInterval,
		}
		opts = append(opts, WithRateLimiterConfig(rl))
		if cfg.RateLimit.Algorithm == "token_bucket" {
			opts = append(opts, func(c *Client) { c.tokenBucket = true })
		}
	}
	if cfg.Cache.Enabled {
		opts = append(opts, WithCache(cfg.Cache.TTL), WithCacheSweepInterval(cfg.Cache.SweepInterval))
		if cfg.Cache.Coalesce {
			opts = append(opts, WithRequestCoalescing())
		}
	}
	if cfg.Debug.Enabled {
		opts = append(opts, WithDebug())
	}
	return opts
}

// NewFromConfig builds a Client from cfg. opts are applied after the
// options derived from cfg and can override them.
func NewFromConfig(transport Transport, cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(transport, append(cfg.Options(), opts...)...)
}
