package gerbang

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 100, cfg.Pool.MaxConnections)
	assert.Equal(t, "sliding_window", cfg.RateLimit.Algorithm)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.False(t, cfg.Cache.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "gerbang.yaml", `
transport:
  base_url: http://localhost:8080
  timeout: 5s
retry:
  max_attempts: 5
  base_delay: 50ms
  max_delay: 2s
  strategy: decorrelated
rate_limit:
  enabled: true
  algorithm: token_bucket
  max_requests: 20
  window: 1s
cache:
  enabled: true
  ttl: 30s
  coalesce: true
debug:
  enabled: true
  format: json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Transport.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, "decorrelated", cfg.Retry.Strategy)
	assert.Equal(t, "token_bucket", cfg.RateLimit.Algorithm)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Cache.Coalesce)
	assert.Equal(t, "json", cfg.Debug.Format)

	// Unset sections keep their defaults.
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 100, cfg.Pool.MaxConnections)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "gerbang.toml", `
[retry]
max_attempts = 2
base_delay = "10ms"
max_delay = "1s"

[circuit_breaker]
failure_threshold = 3
timeout = "2s"
reset_timeout = "10s"

[pool]
max_connections = 8
idle_timeout = "1m"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 8, cfg.Pool.MaxConnections)
	assert.Equal(t, time.Minute, cfg.Pool.IdleTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = LoadConfig(writeConfig(t, "bad.yaml", "retry: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "bad.toml", "[retry\nmax_attempts = 1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "invalid.yaml", "retry:\n  max_attempts: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Jitter = 2
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Algorithm = "leaky_bucket"
	cfg.Cache.Enabled = true
	cfg.Cache.TTL = 0
	cfg.Debug.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrorTypeValidation, e.Type)
	for _, want := range []string{"retry.jitter", "rate_limit.algorithm", "cache.ttl", "debug.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Algorithm = "token_bucket"
	cfg.RateLimit.MaxRequests = 1
	cfg.RateLimit.Window = time.Hour
	cfg.Cache.Enabled = true
	cfg.Cache.TTL = time.Minute

	tr := &stubTransport{data: "ok"}
	c, err := NewFromConfig(tr, cfg)
	require.NoError(t, err)
	defer c.Close()

	_, isBucket := c.limiter.(*TokenBucketLimiter)
	assert.True(t, isBucket, "expected token bucket limiter")
	assert.NotNil(t, c.Cache())
	assert.Equal(t, 1, c.retry.Policy().MaxAttempts)

	ctx := context.Background()
	_, err = c.Execute(ctx, "alice", &Request{Method: "GET", Endpoint: "/a"})
	require.NoError(t, err)

	// Served from cache, so the exhausted bucket is not consulted.
	_, err = c.Execute(ctx, "alice", &Request{Method: "GET", Endpoint: "/a"})
	require.NoError(t, err)

	_, err = c.Execute(ctx, "alice", &Request{Method: "GET", Endpoint: "/b"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, tr.count())
}

func TestNewFromConfigRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxConnections = 0

	_, err := NewFromConfig(&stubTransport{}, cfg)
	assert.Error(t, err)
}
