package gerbang

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiter admits or rejects one request for a key.
type Limiter interface {
	// CheckLimit records an admission for key, or returns an *Error of type
	// RateLimit matching ErrRateLimited.
	CheckLimit(key string) error
}

// RateLimiterConfig configures both limiter algorithms.
type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
	// MaxKeys bounds how many distinct keys are tracked; the least recently
	// used key is dropped when a new one would exceed it.
	MaxKeys int
	// SweepInterval controls the background removal of idle keys. Zero
	// disables the background sweep; Sweep can still be called directly.
	SweepInterval time.Duration
}

func (c *RateLimiterConfig) applyDefaults() {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
}

// SlidingWindowLimiter keeps an ordered log of admission timestamps per key
// and admits a request only while fewer than MaxRequests fall inside the
// trailing window.
type SlidingWindowLimiter struct {
	config RateLimiterConfig
	clock  Clock

	mu      sync.Mutex
	windows *lru.Cache[string, *rateWindow]

	sweeper *sweeper
}

type rateWindow struct {
	stamps []time.Time
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order so the survivors are a suffix.
func (w *rateWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(w.stamps) {
		w.stamps = w.stamps[:0]
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

// NewSlidingWindowLimiter creates a limiter; call Close to stop its sweeper.
func NewSlidingWindowLimiter(config RateLimiterConfig, clock Clock) *SlidingWindowLimiter {
	config.applyDefaults()
	if clock == nil {
		clock = SystemClock
	}

	windows, err := lru.New[string, *rateWindow](config.MaxKeys)
	if err != nil {
		// Only reachable with a non-positive size, which applyDefaults rules out.
		panic(fmt.Sprintf("gerbang: rate limiter key cache: %v", err))
	}

	rl := &SlidingWindowLimiter{
		config:  config,
		clock:   clock,
		windows: windows,
	}
	rl.sweeper = startSweeper(config.SweepInterval, func() { rl.Sweep() })
	return rl
}

// CheckLimit implements Limiter.
func (rl *SlidingWindowLimiter) CheckLimit(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	w, ok := rl.windows.Get(key)
	if !ok {
		w = &rateWindow{stamps: make([]time.Time, 0, rl.config.MaxRequests)}
		rl.windows.Add(key, w)
	}
	w.prune(now.Add(-rl.config.Window))

	if len(w.stamps) >= rl.config.MaxRequests {
		retryAfter := w.stamps[0].Add(rl.config.Window).Sub(now)
		return rateLimitError(retryAfter)
	}
	w.stamps = append(w.stamps, now)
	return nil
}

// Allow is CheckLimit as a boolean.
func (rl *SlidingWindowLimiter) Allow(key string) bool {
	return rl.CheckLimit(key) == nil
}

// Count returns how many admissions for key fall inside the current window.
func (rl *SlidingWindowLimiter) Count(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows.Peek(key)
	if !ok {
		return 0
	}
	w.prune(rl.clock.Now().Add(-rl.config.Window))
	return len(w.stamps)
}

// Keys returns the number of tracked keys.
func (rl *SlidingWindowLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.windows.Len()
}

// Sweep removes keys whose window has emptied. It returns how many were dropped.
func (rl *SlidingWindowLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-rl.config.Window)
	removed := 0
	for _, key := range rl.windows.Keys() {
		w, ok := rl.windows.Peek(key)
		if !ok {
			continue
		}
		w.prune(cutoff)
		if len(w.stamps) == 0 {
			rl.windows.Remove(key)
			removed++
		}
	}
	return removed
}

// Close stops the background sweeper.
func (rl *SlidingWindowLimiter) Close() {
	rl.sweeper.Stop()
}

// TokenBucketLimiter admits requests from a per-key token bucket refilled at
// MaxRequests per Window, with a burst of MaxRequests.
type TokenBucketLimiter struct {
	config RateLimiterConfig
	clock  Clock
	limit  rate.Limit

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]

	sweeper *sweeper
}

// NewTokenBucketLimiter creates a limiter; call Close to stop its sweeper.
func NewTokenBucketLimiter(config RateLimiterConfig, clock Clock) *TokenBucketLimiter {
	config.applyDefaults()
	if clock == nil {
		clock = SystemClock
	}

	buckets, err := lru.New[string, *rate.Limiter](config.MaxKeys)
	if err != nil {
		panic(fmt.Sprintf("gerbang: rate limiter key cache: %v", err))
	}

	tb := &TokenBucketLimiter{
		config:  config,
		clock:   clock,
		limit:   rate.Every(config.Window / time.Duration(config.MaxRequests)),
		buckets: buckets,
	}
	tb.sweeper = startSweeper(config.SweepInterval, func() { tb.Sweep() })
	return tb
}

// CheckLimit implements Limiter.
func (tb *TokenBucketLimiter) CheckLimit(key string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	lim, ok := tb.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(tb.limit, tb.config.MaxRequests)
		tb.buckets.Add(key, lim)
	}

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return rateLimitError(tb.config.Window)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return rateLimitError(delay)
	}
	return nil
}

// Sweep drops keys whose bucket has refilled completely.
func (tb *TokenBucketLimiter) Sweep() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	removed := 0
	for _, key := range tb.buckets.Keys() {
		lim, ok := tb.buckets.Peek(key)
		if !ok {
			continue
		}
		if lim.TokensAt(now) >= float64(tb.config.MaxRequests) {
			tb.buckets.Remove(key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys.
func (tb *TokenBucketLimiter) Keys() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.buckets.Len()
}

// Close stops the background sweeper.
func (tb *TokenBucketLimiter) Close() {
	tb.sweeper.Stop()
}

func rateLimitError(retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{
		Type:       ErrorTypeRateLimit,
		Message:    "rate limit exceeded",
		Cause:      ErrRateLimited,
		RetryAfter: retryAfter,
		Timestamp:  time.Now(),
	}
}

// DefaultKeyFunc partitions rate limits by identity.
func DefaultKeyFunc(identity string, _ *Request) string {
	return identity
}

// IdentityClassKeyFunc partitions rate limits by identity and operation class.
func IdentityClassKeyFunc(identity string, req *Request) string {
	return identity + "|" + DefaultClassFunc(req)
}
