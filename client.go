package gerbang

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Client composes the pool, pipeline, breakers, retry strategy, rate limiter,
// cache and metrics around a Transport. A single Client is safe for
// concurrent use.
type Client struct {
	transport Transport
	clock     Clock

	retryPolicy RetryPolicy
	retry       *RetryStrategy

	breakerConfig CircuitBreakerConfig
	breakers      *BreakerRegistry
	classFunc     ClassFunc

	rateLimiterConfig *RateLimiterConfig
	tokenBucket       bool
	limiter           Limiter
	keyFunc           KeyFunc

	cacheEnabled       bool
	cacheConfig        CacheConfig
	cacheSweepInterval time.Duration
	cache              *ResponseCache

	poolConfig PoolConfig
	pool       *ConnectionPool

	middleware []Middleware
	pipeline   *Pipeline

	metrics       *MetricsCollector
	metricsWindow int
	registerer    prometheus.Registerer

	debug  *DebugConfig
	logger Logger

	closeOnce sync.Once
}

// New builds a Client around transport. transport may be nil only when a
// lease factory supplies a Transport per identity.
func New(transport Transport, options ...Option) (*Client, error) {
	c := &Client{
		transport:   transport,
		clock:       SystemClock,
		retryPolicy: DefaultRetryPolicy(),
		breakerConfig: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
		classFunc: DefaultClassFunc,
		keyFunc:   DefaultKeyFunc,
		cacheConfig: CacheConfig{
			TTL:       5 * time.Minute,
			Condition: DefaultCacheCondition,
		},
		cacheSweepInterval: time.Minute,
		poolConfig: PoolConfig{
			MaxConnections: 100,
			IdleTimeout:    5 * time.Minute,
			SweepInterval:  time.Minute,
			PollInterval:   100 * time.Millisecond,
			AcquireTimeout: 30 * time.Second,
		},
		metricsWindow: defaultLatencyWindow,
		debug:         DefaultDebugConfig(),
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}
	c.build()
	return c, nil
}

func (c *Client) build() {
	if c.logger == nil {
		c.logger = NopLogger()
	}
	if c.debug == nil {
		c.debug = DefaultDebugConfig()
	}
	if c.metrics == nil {
		if c.registerer != nil {
			c.metrics = NewMetricsCollectorWithRegistry(c.metricsWindow, c.registerer)
		} else {
			c.metrics = NewMetricsCollector(c.metricsWindow)
		}
	}

	c.retry = NewRetryStrategy(c.retryPolicy)
	retryLog := c.logFor(c.debug.LogRetries)
	c.retry.onRetry = func(attempt int, delay time.Duration, err error) {
		retryLog.Info("Scheduling retry", "attempt", attempt+1, "backoff", delay, "error", err.Error())
	}

	circuitLog := c.logFor(c.debug.LogCircuit)
	c.breakers = NewBreakerRegistry(c.breakerConfig, c.clock, func(class string, from, to CircuitState) {
		circuitLog.Warn("Circuit breaker state changed", "class", class, "from", from.String(), "to", to.String())
		c.metrics.RecordCircuitState(class, to)
	})

	c.pool = NewConnectionPool(c.poolConfig, c.clock)
	poolLog := c.logFor(c.debug.LogPool)
	c.pool.onSizeChange = func(size int) {
		poolLog.Debug("Connection pool resized", "size", size)
		c.metrics.RecordPoolSize(size)
	}

	if c.rateLimiterConfig != nil && c.limiter == nil {
		if c.tokenBucket {
			c.limiter = NewTokenBucketLimiter(*c.rateLimiterConfig, c.clock)
		} else {
			c.limiter = NewSlidingWindowLimiter(*c.rateLimiterConfig, c.clock)
		}
	}

	if c.cacheEnabled && c.cache == nil {
		c.cache = NewResponseCache(c.clock, c.cacheSweepInterval)
	}

	c.pipeline = NewPipeline()
	c.pipeline.Use(LoggingMiddleware(c.logFor(c.debug.LogRequests), c.debug.RequestIDGen))
	if c.cache != nil {
		c.pipeline.Use(CacheMiddleware(c.cache, c.cacheConfig, c.logFor(c.debug.LogCache)))
	}
	if c.limiter != nil {
		c.pipeline.Use(RateLimitMiddleware(c.limiter, c.keyFunc, c.logFor(c.debug.LogRateLimit)))
	}
	c.pipeline.Use(c.middleware...)
}

// logFor returns the client logger when debug output for a concern is on.
func (c *Client) logFor(concern bool) Logger {
	if c.debug != nil && c.debug.Enabled && concern && c.logger != nil {
		return c.logger
	}
	return NopLogger()
}

// Execute runs req for identity through the full stack and returns the
// response data.
func (c *Client) Execute(ctx context.Context, identity string, req *Request) ([]byte, error) {
	resp, err := c.ExecuteResponse(ctx, identity, req)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ExecuteResponse is Execute returning the whole Response.
func (c *Client) ExecuteResponse(ctx context.Context, identity string, req *Request) (*Response, error) {
	if req == nil {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Message:   "request is nil",
			Timestamp: c.clock.Now(),
		}
	}

	start := time.Now()
	rc, err := c.pipeline.ExecuteContext(ctx, identity, req, c.terminal)
	duration := time.Since(start)

	_, lookup := rc.Metadata[MetaCacheHit]
	c.metrics.RecordRequest(RequestRecord{
		Duration:    duration,
		Err:         err,
		CacheLookup: lookup,
		CacheHit:    rc.Bool(MetaCacheHit),
		Coalesced:   rc.Bool(MetaCoalesced),
	})

	if err != nil {
		return nil, err
	}
	if rc.Response == nil {
		return &Response{}, nil
	}
	return rc.Response, nil
}

// terminal leases a connection, then runs the retried transport call inside
// the breaker for the request's class. The breaker may return on its own
// timeout while the call is still in Perform, so the lease is released by
// whichever side finishes with it last: the call once it ran, terminal
// otherwise.
func (c *Client) terminal(ctx context.Context, rc *RequestContext) (*Response, error) {
	req := rc.Request
	body, headers, err := encodeBody(req)
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Message:   "request body cannot be encoded",
			Cause:     err,
			Method:    req.Method,
			Endpoint:  req.Endpoint,
			Timestamp: c.clock.Now(),
		}
	}

	endpoint := withQuery(req.Endpoint, req.Query)
	requestID := rc.String(MetaRequestID)
	class := c.classFunc(req)
	retryLog := c.logFor(c.debug.LogRetries)
	circuitLog := c.logFor(c.debug.LogCircuit)

	lease, err := c.pool.Acquire(ctx, rc.Identity)
	if err != nil {
		return nil, err
	}
	var claimed atomic.Bool
	transport := c.transportFor(lease)

	var resp *Response
	err = c.breakers.Get(class).Execute(ctx, func(ctx context.Context) error {
		if !claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		defer c.pool.Release(lease)
		return c.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				retryLog.Info("Retry attempt", "requestID", requestID, "attempt", attempt,
					"maxAttempts", c.retry.Policy().MaxAttempts, "endpoint", req.Endpoint)
			}
			r, err := transport.Perform(ctx, req.Method, endpoint, headers, body)
			if cerr := classify(ctx, req, r, err); cerr != nil {
				return cerr
			}
			resp = r
			return nil
		})
	})
	if claimed.CompareAndSwap(false, true) {
		c.pool.Release(lease)
	}
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			circuitLog.Warn("Circuit breaker open", "requestID", requestID, "class", class)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) transportFor(lease *Lease) Transport {
	if t, ok := lease.Handle().(Transport); ok {
		return t
	}
	return c.transport
}

// withQuery appends query parameters to endpoint in sorted key order.
func withQuery(endpoint string, query map[string]string) string {
	if len(query) == 0 {
		return endpoint
	}
	values := make(url.Values, len(query))
	for k, v := range query {
		values.Set(k, v)
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + values.Encode()
}

// encodeBody serialises the request body. []byte and string bodies are sent
// as is; anything else is encoded as JSON.
func encodeBody(req *Request) ([]byte, map[string]string, error) {
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}

	switch b := req.Body.(type) {
	case nil:
		return nil, headers, nil
	case []byte:
		return b, headers, nil
	case string:
		return []byte(b), headers, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal body: %w", err)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
		return data, headers, nil
	}
}

// Metrics returns a snapshot of the collected request metrics.
func (c *Client) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// ResetMetrics zeroes the in-memory metrics.
func (c *Client) ResetMetrics() {
	c.metrics.Reset()
}

// Pool returns the connection pool.
func (c *Client) Pool() *ConnectionPool {
	return c.pool
}

// Breakers returns the per-class circuit breakers.
func (c *Client) Breakers() *BreakerRegistry {
	return c.breakers
}

// Cache returns the response cache, or nil when caching is off.
func (c *Client) Cache() *ResponseCache {
	return c.cache
}

// Pipeline returns the middleware pipeline. Middlewares added after the
// first Execute must not race with in-flight calls.
func (c *Client) Pipeline() *Pipeline {
	return c.pipeline
}

// Close stops background sweepers and drops pooled leases. It is safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.pool.Close()
		if c.cache != nil {
			c.cache.Close()
		}
		if cl, ok := c.limiter.(interface{ Close() }); ok {
			cl.Close()
		}
	})
}
