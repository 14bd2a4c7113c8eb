package gerbang

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const cacheShards = 16

// CacheEntry is a stored response and the instant it stops being servable.
type CacheEntry struct {
	Response  *Response
	ExpiresAt time.Time
}

// ResponseCache is a sharded TTL cache for idempotent reads.
type ResponseCache struct {
	shards [cacheShards]*cacheShard
	clock  Clock

	sweeper *sweeper
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewResponseCache creates a cache. A positive sweepInterval starts a
// background goroutine dropping expired entries; call Close to stop it.
func NewResponseCache(clock Clock, sweepInterval time.Duration) *ResponseCache {
	if clock == nil {
		clock = SystemClock
	}
	c := &ResponseCache{clock: clock}
	for i := range c.shards {
		c.shards[i] = &cacheShard{store: make(map[string]*CacheEntry)}
	}
	c.sweeper = startSweeper(sweepInterval, func() { c.Sweep() })
	return c
}

func (c *ResponseCache) getShard(key string) *cacheShard {
	return c.shards[xxhash.Sum64String(key)%cacheShards]
}

// Get returns a copy of the cached response if present and unexpired.
func (c *ResponseCache) Get(key string) (*Response, bool) {
	shard := c.getShard(key)
	now := c.clock.Now()

	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if !now.Before(entry.ExpiresAt) {
		shard.mu.Lock()
		if cur, ok := shard.store[key]; ok && cur == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}

	return entry.Response.Clone(), true
}

// Set stores a copy of resp for ttl. Non-positive ttls are ignored.
func (c *ResponseCache) Set(key string, resp *Response, ttl time.Duration) {
	if resp == nil || ttl <= 0 {
		return
	}
	shard := c.getShard(key)
	entry := &CacheEntry{
		Response:  resp.Clone(),
		ExpiresAt: c.clock.Now().Add(ttl),
	}

	shard.mu.Lock()
	shard.store[key] = entry
	shard.mu.Unlock()
}

// Delete removes a cache entry
func (c *ResponseCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.store, key)
	shard.mu.Unlock()
}

// Clear removes all cache entries
func (c *ResponseCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len counts stored entries, including expired ones not yet swept.
func (c *ResponseCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// Sweep drops expired entries and returns how many were removed.
func (c *ResponseCache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.store {
			if !now.Before(entry.ExpiresAt) {
				delete(shard.store, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Close stops the background sweeper.
func (c *ResponseCache) Close() {
	c.sweeper.Stop()
}

// CacheKey builds the cache key for identity and req: method, endpoint, the
// length-prefixed identity and a canonical serialisation of body and query.
// encoding/json emits map keys in sorted order, which makes equal maps
// produce equal keys. The key holds its inputs verbatim, so distinct
// requests never share an entry.
func CacheKey(identity string, req *Request) (string, error) {
	canon, err := json.Marshal(struct {
		Body  any               `json:"b,omitempty"`
		Query map[string]string `json:"q,omitempty"`
	}{Body: req.Body, Query: req.Query})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(req.Method) + len(req.Endpoint) + len(identity) + len(canon) + 24)
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Endpoint)
	b.WriteByte('\x00')
	b.WriteString(strconv.Itoa(len(identity)))
	b.WriteByte(':')
	b.WriteString(identity)
	b.WriteByte('\x00')
	b.Write(canon)
	return b.String(), nil
}

// DefaultCacheCondition allows caching for safe, idempotent read methods.
func DefaultCacheCondition(req *Request) bool {
	switch req.Method {
	case "GET", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}
