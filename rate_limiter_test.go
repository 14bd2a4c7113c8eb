package gerbang

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSlidingWindowLimiterDefaults(t *testing.T) {
	rl := NewSlidingWindowLimiter(RateLimiterConfig{}, nil)
	defer rl.Close()

	if rl.config.MaxRequests != 100 {
		t.Errorf("Expected MaxRequests=100, got %d", rl.config.MaxRequests)
	}
	if rl.config.Window != time.Minute {
		t.Errorf("Expected Window=1m, got %v", rl.config.Window)
	}
	if rl.config.MaxKeys != 10000 {
		t.Errorf("Expected MaxKeys=10000, got %d", rl.config.MaxKeys)
	}
}

func TestSlidingWindowLimiterRejectsOverLimit(t *testing.T) {
	clock := newFakeClock()
	rl := NewSlidingWindowLimiter(RateLimiterConfig{MaxRequests: 3, Window: time.Minute}, clock)
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if err := rl.CheckLimit("alice"); err != nil {
			t.Fatalf("Expected request %d admitted, got %v", i+1, err)
		}
		clock.Advance(10 * time.Second)
	}

	err := rl.CheckLimit("alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	// oldest stamp at t0, now t0+30s, window 60s
	if e.RetryAfter != 30*time.Second {
		t.Errorf("Expected RetryAfter=30s, got %v", e.RetryAfter)
	}
	if rl.Count("alice") != 3 {
		t.Errorf("Expected rejected request not counted, got %d", rl.Count("alice"))
	}
}

func TestSlidingWindowLimiterWindowSlides(t *testing.T) {
	clock := newFakeClock()
	rl := NewSlidingWindowLimiter(RateLimiterConfig{MaxRequests: 2, Window: time.Minute}, clock)
	defer rl.Close()

	_ = rl.CheckLimit("k")
	clock.Advance(30 * time.Second)
	_ = rl.CheckLimit("k")

	if rl.Allow("k") {
		t.Fatal("Expected third request in window to be rejected")
	}

	// first stamp is exactly at now-window and no longer counts
	clock.Advance(30 * time.Second)
	if !rl.Allow("k") {
		t.Error("Expected request admitted once the oldest stamp left the window")
	}
	if rl.Count("k") != 2 {
		t.Errorf("Expected 2 stamps in window, got %d", rl.Count("k"))
	}
}

func TestSlidingWindowLimiterKeysAreIndependent(t *testing.T) {
	rl := NewSlidingWindowLimiter(RateLimiterConfig{MaxRequests: 1, Window: time.Minute}, newFakeClock())
	defer rl.Close()

	if !rl.Allow("a") {
		t.Error("Expected a admitted")
	}
	if !rl.Allow("b") {
		t.Error("Expected b admitted independently of a")
	}
	if rl.Allow("a") {
		t.Error("Expected second a rejected")
	}
}

func TestSlidingWindowLimiterConcurrent(t *testing.T) {
	rl := NewSlidingWindowLimiter(RateLimiterConfig{MaxRequests: 50, Window: time.Minute}, newFakeClock())
	defer rl.Close()

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("Expected exactly 50 admitted, got %d", admitted)
	}
}

func TestSlidingWindowLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	rl := NewSlidingWindowLimiter(RateLimiterConfig{MaxRequests: 5, Window: time.Minute}, clock)
	defer rl.Close()

	_ = rl.CheckLimit("old")
	clock.Advance(45 * time.Second)
	_ = rl.CheckLimit("fresh")
	clock.Advance(30 * time.Second)

	if removed := rl.Sweep(); removed != 1 {
		t.Errorf("Expected 1 key swept, got %d", removed)
	}
	if rl.Keys() != 1 {
		t.Errorf("Expected 1 key left, got %d", rl.Keys())
	}
}

func TestSlidingWindowLimiterMaxKeys(t *testing.T) {
	rl := NewSlidingWindowLimiter(RateLimiterConfig{MaxRequests: 1, Window: time.Minute, MaxKeys: 10}, newFakeClock())
	defer rl.Close()

	for i := 0; i < 25; i++ {
		_ = rl.CheckLimit(fmt.Sprintf("key-%d", i))
	}
	if rl.Keys() != 10 {
		t.Errorf("Expected key set bounded at 10, got %d", rl.Keys())
	}
}

func TestTokenBucketLimiter(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketLimiter(RateLimiterConfig{MaxRequests: 2, Window: time.Second}, clock)
	defer tb.Close()

	for i := 0; i < 2; i++ {
		if err := tb.CheckLimit("k"); err != nil {
			t.Fatalf("Expected burst request %d admitted, got %v", i+1, err)
		}
	}

	err := tb.CheckLimit("k")
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeRateLimit {
		t.Fatalf("Expected RateLimit error, got %v", err)
	}
	if e.RetryAfter <= 0 || e.RetryAfter > 500*time.Millisecond {
		t.Errorf("Expected RetryAfter in (0, 500ms], got %v", e.RetryAfter)
	}

	clock.Advance(500 * time.Millisecond)
	if err := tb.CheckLimit("k"); err != nil {
		t.Errorf("Expected refilled token admitted, got %v", err)
	}
}

func TestTokenBucketLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketLimiter(RateLimiterConfig{MaxRequests: 2, Window: time.Second}, clock)
	defer tb.Close()

	_ = tb.CheckLimit("k")
	if removed := tb.Sweep(); removed != 0 {
		t.Errorf("Expected partially drained bucket kept, got %d removed", removed)
	}
	clock.Advance(time.Second)
	if removed := tb.Sweep(); removed != 1 {
		t.Errorf("Expected refilled bucket swept, got %d removed", removed)
	}
	if tb.Keys() != 0 {
		t.Errorf("Expected no keys, got %d", tb.Keys())
	}
}

func TestKeyFuncs(t *testing.T) {
	req := &Request{Method: "GET", Endpoint: "/users/1"}

	if got := DefaultKeyFunc("alice", req); got != "alice" {
		t.Errorf("Expected alice, got %q", got)
	}
	if got := IdentityClassKeyFunc("alice", req); got != "alice|GET /users" {
		t.Errorf("Expected alice|GET /users, got %q", got)
	}
}
