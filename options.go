package gerbang

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WithRetryPolicy replaces the whole retry policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithMaxAttempts sets the total number of attempts, first call included
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.retryPolicy.MaxAttempts = n
	}
}

// WithBackoff sets the base and maximum backoff durations
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.retryPolicy.BaseDelay = base
		c.retryPolicy.MaxDelay = max
	}
}

// WithBackoffFactor sets the backoff multiplier
func WithBackoffFactor(f float64) Option {
	return func(c *Client) {
		c.retryPolicy.BackoffFactor = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.retryPolicy.Jitter = f
	}
}

// WithRetryCondition overrides which errors stop the retry loop
func WithRetryCondition(isNonRetryable func(error) bool) Option {
	return func(c *Client) {
		c.retryPolicy.IsNonRetryable = isNonRetryable
	}
}

// WithCircuitBreaker sets the configuration shared by every per-class breaker
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = config
	}
}

// WithClassFunc sets how requests are grouped into breaker classes
func WithClassFunc(fn ClassFunc) Option {
	return func(c *Client) {
		c.classFunc = fn
	}
}

// WithRateLimiter enables a sliding-window limit of maxRequests per window
func WithRateLimiter(maxRequests int, window time.Duration) Option {
	return func(c *Client) {
		c.rateLimiterConfig = &RateLimiterConfig{MaxRequests: maxRequests, Window: window}
		c.tokenBucket = false
	}
}

// WithRateLimiterConfig enables a sliding-window limiter with full configuration
func WithRateLimiterConfig(config RateLimiterConfig) Option {
	return func(c *Client) {
		c.rateLimiterConfig = &config
		c.tokenBucket = false
	}
}

// WithTokenBucketRateLimiter enables a token bucket refilling maxRequests per window
func WithTokenBucketRateLimiter(maxRequests int, window time.Duration) Option {
	return func(c *Client) {
		c.rateLimiterConfig = &RateLimiterConfig{MaxRequests: maxRequests, Window: window}
		c.tokenBucket = true
	}
}

// WithCustomRateLimiter sets a custom limiter implementation
func WithCustomRateLimiter(limiter Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithKeyFunc sets how rate-limit keys are derived
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *Client) {
		c.keyFunc = fn
	}
}

// WithCache enables caching with the default in-memory cache
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheConfig.TTL = ttl
	}
}

// WithCustomCache sets a caller-owned cache instance
func WithCustomCache(cache *ResponseCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cache = cache
		c.cacheConfig.TTL = ttl
	}
}

// WithCacheCondition sets a custom cache condition function
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheConfig.Condition = fn
	}
}

// WithCacheSweepInterval sets how often expired entries are dropped
func WithCacheSweepInterval(d time.Duration) Option {
	return func(c *Client) {
		c.cacheSweepInterval = d
	}
}

// WithRequestCoalescing merges identical concurrent cache misses
func WithRequestCoalescing() Option {
	return func(c *Client) {
		c.cacheConfig.Coalesce = true
	}
}

// WithPool sets the connection pool configuration
func WithPool(config PoolConfig) Option {
	return func(c *Client) {
		factory := c.poolConfig.Factory
		c.poolConfig = config
		if c.poolConfig.Factory == nil {
			c.poolConfig.Factory = factory
		}
	}
}

// WithLeaseFactory sets how per-identity handles are built. A handle that
// implements Transport is used instead of the client transport.
func WithLeaseFactory(factory LeaseFactory) Option {
	return func(c *Client) {
		c.poolConfig.Factory = factory
	}
}

// WithMiddleware adds middleware after the built-in logging, cache and rate
// limit stages
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithMetricsWindow sets how many recent latencies the snapshot keeps
func WithMetricsWindow(n int) Option {
	return func(c *Client) {
		c.metricsWindow = n
	}
}

// WithPrometheus exports metrics to the given registerer
func WithPrometheus(registerer prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = registerer
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithClock sets the time source for breakers, limiters, cache and pool
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a console logger on stderr
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateTransport()...)
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateRateLimiterConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validatePoolConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)

	if len(errors) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}
	return nil
}

func (c *Client) validateTransport() []string {
	if c.transport == nil && c.poolConfig.Factory == nil {
		return []string{"transport is required unless a lease factory supplies one"}
	}
	if c.clock == nil {
		return []string{"clock cannot be nil"}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errors []string
	p := c.retryPolicy

	if p.MaxAttempts < 0 {
		errors = append(errors, "maxAttempts must be non-negative")
	}
	if p.BaseDelay < 0 {
		errors = append(errors, "baseDelay must be non-negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		errors = append(errors, "maxDelay must be greater than or equal to baseDelay")
	}
	if p.BackoffFactor < 0 {
		errors = append(errors, "backoffFactor must be non-negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1")
	}
	switch p.Strategy {
	case "", "exponential", "decorrelated":
	default:
		errors = append(errors, fmt.Sprintf("unknown backoff strategy %q", p.Strategy))
	}
	return errors
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string
	cfg := c.breakerConfig

	if cfg.FailureThreshold < 0 {
		errors = append(errors, "circuit breaker failureThreshold must be non-negative")
	}
	if cfg.Timeout < 0 {
		errors = append(errors, "circuit breaker timeout must be non-negative")
	}
	if cfg.ResetTimeout < 0 {
		errors = append(errors, "circuit breaker resetTimeout must be non-negative")
	}
	if c.classFunc == nil {
		errors = append(errors, "classFunc cannot be nil")
	}
	return errors
}

func (c *Client) validateRateLimiterConfig() []string {
	var errors []string
	if cfg := c.rateLimiterConfig; cfg != nil {
		if cfg.MaxRequests < 0 {
			errors = append(errors, "rate limiter maxRequests must be non-negative")
		}
		if cfg.Window < 0 {
			errors = append(errors, "rate limiter window must be non-negative")
		}
		if cfg.MaxKeys < 0 {
			errors = append(errors, "rate limiter maxKeys must be non-negative")
		}
	}
	if c.keyFunc == nil {
		errors = append(errors, "keyFunc cannot be nil")
	}
	return errors
}

func (c *Client) validateCacheConfig() []string {
	var errors []string
	if !c.cacheEnabled {
		return nil
	}
	if c.cacheConfig.TTL <= 0 {
		errors = append(errors, "cache TTL must be positive when caching is enabled")
	}
	if c.cacheConfig.Condition == nil {
		errors = append(errors, "cache condition cannot be nil when caching is enabled")
	}
	if c.cacheSweepInterval < 0 {
		errors = append(errors, "cache sweep interval must be non-negative")
	}
	return errors
}

func (c *Client) validatePoolConfig() []string {
	var errors []string
	cfg := c.poolConfig

	if cfg.MaxConnections < 0 {
		errors = append(errors, "pool maxConnections must be non-negative")
	}
	if cfg.IdleTimeout < 0 {
		errors = append(errors, "pool idleTimeout must be non-negative")
	}
	if cfg.SweepInterval < 0 {
		errors = append(errors, "pool sweepInterval must be non-negative")
	}
	if cfg.AcquireTimeout < 0 {
		errors = append(errors, "pool acquireTimeout must be non-negative")
	}
	return errors
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string
	for i, mw := range c.middleware {
		if mw == nil {
			errors = append(errors, fmt.Sprintf("middleware at index %d is nil", i))
		}
	}
	return errors
}
