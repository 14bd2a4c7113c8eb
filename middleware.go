package gerbang

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

func newRequestID() string {
	return uuid.NewString()
}

// LoggingMiddleware assigns a request id and logs start, finish and failure.
// A nil idGen uses random UUIDs.
func LoggingMiddleware(logger Logger, idGen func() string) Middleware {
	if logger == nil {
		logger = NopLogger()
	}
	if idGen == nil {
		idGen = newRequestID
	}

	return func(ctx context.Context, rc *RequestContext, next NextFunc) error {
		id := idGen()
		rc.Metadata[MetaRequestID] = id
		start := time.Now()

		logger.Debug("Starting request", "requestID", id, "method", rc.Request.Method, "endpoint", rc.Request.Endpoint)

		err := next(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn("Request failed", "requestID", id, "method", rc.Request.Method, "endpoint", rc.Request.Endpoint,
				"duration", elapsed, "error", err.Error())
			return err
		}

		status := 0
		if rc.Response != nil {
			status = rc.Response.Status
		}
		logger.Debug("Request finished", "requestID", id, "status", status, "cacheHit", rc.Bool(MetaCacheHit), "duration", elapsed)
		return nil
	}
}

// RateLimitMiddleware rejects requests the limiter does not admit. A
// request whose context is already done is turned away without consuming
// budget.
func RateLimitMiddleware(limiter Limiter, keyFunc KeyFunc, logger Logger) Middleware {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}
	if logger == nil {
		logger = NopLogger()
	}

	return func(ctx context.Context, rc *RequestContext, next NextFunc) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := limiter.CheckLimit(keyFunc(rc.Identity, rc.Request)); err != nil {
			if e, ok := err.(*Error); ok {
				e.Method = rc.Request.Method
				e.Endpoint = rc.Request.Endpoint
			}
			logger.Warn("Rate limit exceeded", "requestID", rc.String(MetaRequestID), "endpoint", rc.Request.Endpoint)
			return err
		}
		return next(ctx)
	}
}

// CacheConfig configures CacheMiddleware.
type CacheConfig struct {
	TTL       time.Duration
	Condition CacheCondition
	// Coalesce merges identical concurrent misses into one downstream call.
	Coalesce bool
}

// CacheMiddleware serves idempotent requests from cache and stores
// successful responses. Only 2xx responses are stored.
func CacheMiddleware(cache *ResponseCache, config CacheConfig, logger Logger) Middleware {
	if config.Condition == nil {
		config.Condition = DefaultCacheCondition
	}
	if logger == nil {
		logger = NopLogger()
	}
	var group singleflight.Group

	return func(ctx context.Context, rc *RequestContext, next NextFunc) error {
		if !config.Condition(rc.Request) {
			return next(ctx)
		}
		key, err := CacheKey(rc.Identity, rc.Request)
		if err != nil {
			logger.Warn("Cache key unavailable, bypassing cache", "endpoint", rc.Request.Endpoint, "error", err.Error())
			return next(ctx)
		}
		rc.Metadata[MetaCacheKey] = key

		if resp, ok := cache.Get(key); ok {
			rc.Metadata[MetaCacheHit] = true
			rc.Response = resp
			logger.Debug("Cache hit", "requestID", rc.String(MetaRequestID), "endpoint", rc.Request.Endpoint)
			return nil
		}
		rc.Metadata[MetaCacheHit] = false
		logger.Debug("Cache miss", "requestID", rc.String(MetaRequestID), "endpoint", rc.Request.Endpoint)

		if !config.Coalesce {
			if err := next(ctx); err != nil {
				return err
			}
			store(cache, key, rc.Response, config.TTL)
			return nil
		}

		return coalesce(ctx, &group, rc, next, func() { store(cache, key, rc.Response, config.TTL) }, key)
	}
}

// errCoalesceAbandoned is shared with waiters when the caller whose call
// was to be shared gave up before it started.
var errCoalesceAbandoned = errors.New("gerbang: shared call abandoned")

// coalesce runs next once per key among concurrent callers. Each caller
// stops waiting when its own ctx ends. A caller whose own call is running on
// rc always waits for it, so rc is never written after return. When the
// shared call ends in a cancellation that is not this caller's, the caller
// runs its own call.
func coalesce(ctx context.Context, group *singleflight.Group, rc *RequestContext, next NextFunc, onSuccess func(), key string) error {
	var claimed, ran atomic.Bool
	ch := group.DoChan(key, func() (any, error) {
		if !claimed.CompareAndSwap(false, true) {
			return nil, errCoalesceAbandoned
		}
		ran.Store(true)
		if err := next(ctx); err != nil {
			return nil, err
		}
		onSuccess()
		return rc.Response, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		res = <-ch
	}

	if res.Err != nil && !ran.Load() {
		abandoned := errors.Is(res.Err, errCoalesceAbandoned)
		switch {
		case ctx.Err() != nil && abandoned:
			return ctx.Err()
		case ctx.Err() == nil && (abandoned || IsCancellation(res.Err)):
			if err := next(ctx); err != nil {
				return err
			}
			onSuccess()
			return nil
		}
	}
	return adoptShared(rc, res)
}

func adoptShared(rc *RequestContext, res singleflight.Result) error {
	if res.Err != nil {
		return res.Err
	}
	if res.Shared && rc.Response == nil {
		rc.Metadata[MetaCoalesced] = true
		if resp, ok := res.Val.(*Response); ok {
			rc.Response = resp.Clone()
		}
	}
	return nil
}

func store(cache *ResponseCache, key string, resp *Response, ttl time.Duration) {
	if resp == nil || resp.Status < 200 || resp.Status >= 300 {
		return
	}
	cache.Set(key, resp, ttl)
}
