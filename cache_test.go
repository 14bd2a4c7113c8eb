package gerbang

import (
	"strings"
	"testing"
	"time"
)

func TestResponseCacheSetGet(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(clock, 0)
	defer cache.Close()

	cache.Set("k", &Response{Status: 200, Data: []byte("hello")}, time.Minute)

	resp, ok := cache.Get("k")
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if string(resp.Data) != "hello" {
		t.Errorf("Expected hello, got %q", resp.Data)
	}

	if _, ok := cache.Get("missing"); ok {
		t.Error("Expected miss for unknown key")
	}
}

func TestResponseCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(clock, 0)
	defer cache.Close()

	cache.Set("k", &Response{Status: 200}, time.Minute)

	clock.Advance(time.Minute - time.Millisecond)
	if _, ok := cache.Get("k"); !ok {
		t.Error("Expected hit just before expiry")
	}

	clock.Advance(time.Millisecond)
	if _, ok := cache.Get("k"); ok {
		t.Error("Expected miss at expiresAt")
	}
	if cache.Len() != 0 {
		t.Errorf("Expected expired entry removed on read, got %d entries", cache.Len())
	}
}

func TestResponseCacheStoresCopies(t *testing.T) {
	cache := NewResponseCache(newFakeClock(), 0)
	defer cache.Close()

	orig := &Response{Status: 200, Data: []byte("abc"), Headers: map[string]string{"X": "1"}}
	cache.Set("k", orig, time.Minute)
	orig.Data[0] = 'z'
	orig.Headers["X"] = "2"

	got, _ := cache.Get("k")
	if string(got.Data) != "abc" || got.Headers["X"] != "1" {
		t.Errorf("Expected stored copy unaffected by caller mutation, got %q %v", got.Data, got.Headers)
	}

	got.Data[0] = 'q'
	again, _ := cache.Get("k")
	if string(again.Data) != "abc" {
		t.Errorf("Expected returned copy isolated from cache, got %q", again.Data)
	}
}

func TestResponseCacheIgnoresNonPositiveTTL(t *testing.T) {
	cache := NewResponseCache(newFakeClock(), 0)
	defer cache.Close()

	cache.Set("k", &Response{Status: 200}, 0)
	if cache.Len() != 0 {
		t.Errorf("Expected nothing stored for ttl=0, got %d", cache.Len())
	}
}

func TestResponseCacheSweepDeleteClear(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(clock, 0)
	defer cache.Close()

	cache.Set("short", &Response{Status: 200}, time.Second)
	cache.Set("long", &Response{Status: 200}, time.Hour)
	cache.Set("other", &Response{Status: 200}, time.Hour)
	clock.Advance(2 * time.Second)

	if removed := cache.Sweep(); removed != 1 {
		t.Errorf("Expected 1 expired entry swept, got %d", removed)
	}

	cache.Delete("long")
	if _, ok := cache.Get("long"); ok {
		t.Error("Expected deleted entry to miss")
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", cache.Len())
	}
}

func TestCacheKeyCanonical(t *testing.T) {
	a := &Request{Method: "GET", Endpoint: "/search", Query: map[string]string{"a": "1", "b": "2"},
		Body: map[string]any{"x": 1, "y": []int{1, 2}}}
	b := &Request{Method: "GET", Endpoint: "/search", Query: map[string]string{"b": "2", "a": "1"},
		Body: map[string]any{"y": []int{1, 2}, "x": 1}}

	ka, err := CacheKey("alice", a)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	kb, _ := CacheKey("alice", b)
	if ka != kb {
		t.Errorf("Expected equal keys for reordered maps, got %q and %q", ka, kb)
	}
	if !strings.HasPrefix(ka, "GET /search\x00") {
		t.Errorf("Expected key to start with method and endpoint, got %q", ka)
	}

	kc, _ := CacheKey("bob", a)
	if kc == ka {
		t.Error("Expected different identities to produce different keys")
	}

	d := &Request{Method: "GET", Endpoint: "/search", Query: map[string]string{"a": "2"}}
	kd, _ := CacheKey("alice", d)
	if kd == ka {
		t.Error("Expected different query to produce a different key")
	}
}

func TestCacheKeyKeepsIdentityBoundary(t *testing.T) {
	req := &Request{Method: "GET", Endpoint: "/me"}
	ka, _ := CacheKey("a", req)
	kb, _ := CacheKey("a\x00{}", req)
	kc, _ := CacheKey("ab", req)
	if ka == kb || ka == kc || kb == kc {
		t.Errorf("Expected distinct keys per identity, got %q %q %q", ka, kb, kc)
	}

	withQuery := &Request{Method: "GET", Endpoint: "/me", Query: map[string]string{"u": "b"}}
	kd, _ := CacheKey("a", withQuery)
	if kd == kc {
		t.Error("Expected identity and query not to run together")
	}
}

func TestCacheServesOnlyMatchingIdentity(t *testing.T) {
	cache := NewResponseCache(newFakeClock(), 0)
	defer cache.Close()

	req := &Request{Method: "GET", Endpoint: "/profile"}
	alice, _ := CacheKey("alice", req)
	bob, _ := CacheKey("bob", req)
	cache.Set(alice, &Response{Status: 200, Data: []byte("alice-data")}, time.Minute)

	if _, ok := cache.Get(bob); ok {
		t.Error("Expected no entry for a different identity")
	}
	resp, ok := cache.Get(alice)
	if !ok || string(resp.Data) != "alice-data" {
		t.Errorf("Expected alice-data, got %v", resp)
	}
}

func TestCacheKeyUnencodableBody(t *testing.T) {
	_, err := CacheKey("alice", &Request{Method: "GET", Endpoint: "/x", Body: make(chan int)})
	if err == nil {
		t.Error("Expected error for unencodable body")
	}
}

func TestDefaultCacheCondition(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "OPTIONS"} {
		if !DefaultCacheCondition(&Request{Method: m}) {
			t.Errorf("Expected %s to be cacheable", m)
		}
	}
	for _, m := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		if DefaultCacheCondition(&Request{Method: m}) {
			t.Errorf("Expected %s not to be cacheable", m)
		}
	}
}
