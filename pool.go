package gerbang

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Lease binds one identity to a reusable connection/auth handle. Leases are
// owned by the pool; callers only hold them between Acquire and Release.
type Lease struct {
	identity string
	handle   any

	// guarded by ConnectionPool.mu
	active   int
	lastUsed time.Time
}

// Identity returns the partition key the lease was created for.
func (l *Lease) Identity() string { return l.identity }

// Handle returns the opaque value produced by the pool's LeaseFactory.
func (l *Lease) Handle() any { return l.handle }

// LeaseFactory builds the handle for a new identity. It runs under the pool
// lock and should be cheap.
type LeaseFactory func(identity string) (any, error)

// PoolConfig configures a ConnectionPool.
type PoolConfig struct {
	MaxConnections int
	IdleTimeout    time.Duration
	// SweepInterval drives idle eviction; zero disables the background sweep.
	SweepInterval time.Duration
	// PollInterval is how often a full pool is re-checked for capacity.
	PollInterval time.Duration
	// AcquireTimeout bounds the capacity wait. Zero means wait until ctx ends.
	AcquireTimeout time.Duration
	Factory        LeaseFactory
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size           int
	MaxConnections int
	ActiveRequests int
}

// ConnectionPool is a bounded map of per-identity leases with idle eviction.
type ConnectionPool struct {
	config PoolConfig
	clock  Clock

	mu     sync.Mutex
	leases map[string]*Lease
	closed bool

	onSizeChange func(size int)
	sweeper      *sweeper
}

// NewConnectionPool creates a pool and starts its idle sweeper.
func NewConnectionPool(config PoolConfig, clock Clock) *ConnectionPool {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 100
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.Factory == nil {
		config.Factory = func(identity string) (any, error) { return identity, nil }
	}
	if clock == nil {
		clock = SystemClock
	}

	p := &ConnectionPool{
		config: config,
		clock:  clock,
		leases: make(map[string]*Lease),
	}
	p.sweeper = startSweeper(config.SweepInterval, func() { p.Sweep() })
	return p
}

// Acquire returns the lease for identity with its active count incremented.
// Every successful Acquire must be paired with Release.
func (p *ConnectionPool) Acquire(ctx context.Context, identity string) (*Lease, error) {
	lease, ok, err := p.tryAcquire(identity)
	if err != nil || ok {
		return lease, err
	}

	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, p.waitError(ctx)
		case <-ticker.C:
			lease, ok, err := p.tryAcquire(identity)
			if err != nil || ok {
				return lease, err
			}
		}
	}
}

func (p *ConnectionPool) waitError(ctx context.Context) error {
	// A caller cancellation is surfaced as-is so it is not mistaken for a
	// capacity problem.
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &Error{
		Type:      ErrorTypePoolTimeout,
		Message:   fmt.Sprintf("no capacity among %d connections", p.config.MaxConnections),
		Cause:     ErrPoolTimeout,
		Timestamp: p.clock.Now(),
	}
}

// tryAcquire does the existence check, size check, insert and increment as
// one critical section.
func (p *ConnectionPool) tryAcquire(identity string) (*Lease, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrPoolClosed
	}

	now := p.clock.Now()
	if lease, ok := p.leases[identity]; ok {
		lease.active++
		lease.lastUsed = now
		return lease, true, nil
	}

	if len(p.leases) >= p.config.MaxConnections {
		if p.evictIdleLocked(now) == 0 {
			return nil, false, nil
		}
	}

	handle, err := p.config.Factory(identity)
	if err != nil {
		return nil, false, fmt.Errorf("gerbang: create lease: %w", err)
	}
	lease := &Lease{
		identity: identity,
		handle:   handle,
		active:   1,
		lastUsed: now,
	}
	p.leases[identity] = lease
	p.notifySizeLocked()
	return lease, true, nil
}

// Release ends one use of lease.
func (p *ConnectionPool) Release(lease *Lease) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if lease.active > 0 {
		lease.active--
	}
	lease.lastUsed = p.clock.Now()
}

// ExecuteWithConnection leases a connection for identity, runs op, and
// releases the lease on every exit path, panics included.
func (p *ConnectionPool) ExecuteWithConnection(ctx context.Context, identity string, op func(ctx context.Context, lease *Lease) error) error {
	lease, err := p.Acquire(ctx, identity)
	if err != nil {
		return err
	}
	defer p.Release(lease)

	return op(ctx, lease)
}

// Sweep evicts leases that are unused and idle past IdleTimeout.
func (p *ConnectionPool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictIdleLocked(p.clock.Now())
}

func (p *ConnectionPool) evictIdleLocked(now time.Time) int {
	removed := 0
	for identity, lease := range p.leases {
		if lease.active == 0 && now.Sub(lease.lastUsed) >= p.config.IdleTimeout {
			delete(p.leases, identity)
			removed++
		}
	}
	if removed > 0 {
		p.notifySizeLocked()
	}
	return removed
}

func (p *ConnectionPool) notifySizeLocked() {
	if p.onSizeChange != nil {
		p.onSizeChange(len(p.leases))
	}
}

// Size returns the number of leases currently held.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// ActiveRequests returns the in-flight count for identity's lease.
func (p *ConnectionPool) ActiveRequests(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease, ok := p.leases[identity]; ok {
		return lease.active
	}
	return 0
}

// Stats returns size and in-flight totals.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Size:           len(p.leases),
		MaxConnections: p.config.MaxConnections,
	}
	for _, lease := range p.leases {
		stats.ActiveRequests += lease.active
	}
	return stats
}

// Close stops the sweeper and drops every lease. Later Acquires fail with
// ErrPoolClosed.
func (p *ConnectionPool) Close() {
	p.sweeper.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.leases = make(map[string]*Lease)
	p.notifySizeLocked()
}
