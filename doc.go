// Package gerbang is a client-side resilience layer for remote operations.
// Every call made through a Client passes through composable stages:
//
//   - A bounded per-identity connection pool with idle eviction
//   - A middleware pipeline (logging, caching and rate limiting built in)
//   - Per-identity rate limiting (sliding window or token bucket)
//   - A TTL response cache for idempotent reads, with optional coalescing
//     of identical concurrent misses
//   - Per-class circuit breakers with a single half-open trial call
//   - Retries with exponential backoff and jitter
//   - In-memory metrics with latency percentiles and optional Prometheus export
//
// The network call itself is delegated to a Transport; package transport
// ships a net/http implementation.
//
// Typical usage:
//
//	tr, _ := transport.NewHTTP(transport.HTTPConfig{BaseURL: "https://api.example.com"})
//	client, err := gerbang.New(tr,
//	    gerbang.WithMaxAttempts(3),
//	    gerbang.WithRateLimiter(100, time.Minute),
//	    gerbang.WithCache(5*time.Minute),
//	    gerbang.WithCircuitBreaker(gerbang.CircuitBreakerConfig{FailureThreshold: 5}),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	data, err := client.Execute(ctx, "tenant-a", &gerbang.Request{Method: "GET", Endpoint: "/users"})
//
// Failures are returned as *Error values whose Type identifies the stage that
// produced them; errors.Is matches them against ErrCircuitOpen,
// ErrRateLimited and ErrPoolTimeout.
package gerbang
