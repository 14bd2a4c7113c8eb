package gerbang

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConnectionPoolDefaults(t *testing.T) {
	p := NewConnectionPool(PoolConfig{}, nil)
	defer p.Close()

	if p.config.MaxConnections != 100 {
		t.Errorf("Expected MaxConnections=100, got %d", p.config.MaxConnections)
	}
	if p.config.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected IdleTimeout=5m, got %v", p.config.IdleTimeout)
	}
}

func TestConnectionPoolReusesLease(t *testing.T) {
	created := 0
	p := NewConnectionPool(PoolConfig{
		MaxConnections: 2,
		Factory: func(identity string) (any, error) {
			created++
			return "handle-" + identity, nil
		},
	}, newFakeClock())
	defer p.Close()

	ctx := context.Background()
	l1, err := p.Acquire(ctx, "alice")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	l2, _ := p.Acquire(ctx, "alice")

	if l1 != l2 {
		t.Error("Expected same lease for same identity")
	}
	if created != 1 {
		t.Errorf("Expected factory called once, got %d", created)
	}
	if l1.Handle() != "handle-alice" || l1.Identity() != "alice" {
		t.Errorf("Unexpected lease contents: %v %v", l1.Identity(), l1.Handle())
	}
	if p.ActiveRequests("alice") != 2 {
		t.Errorf("Expected 2 active, got %d", p.ActiveRequests("alice"))
	}

	p.Release(l1)
	p.Release(l2)
	p.Release(l2)
	if p.ActiveRequests("alice") != 0 {
		t.Errorf("Expected active never below 0, got %d", p.ActiveRequests("alice"))
	}
}

func TestConnectionPoolBoundedConcurrent(t *testing.T) {
	p := NewConnectionPool(PoolConfig{
		MaxConnections: 5,
		IdleTimeout:    time.Millisecond,
		PollInterval:   time.Millisecond,
		AcquireTimeout: 5 * time.Second,
	}, nil)
	defer p.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.ExecuteWithConnection(context.Background(), fmt.Sprintf("id-%d", i%20), func(ctx context.Context, lease *Lease) error {
				mu.Lock()
				if s := p.Size(); s > maxSeen {
					maxSeen = s
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if maxSeen > 5 {
		t.Errorf("Expected pool size <= 5, saw %d", maxSeen)
	}
	if stats := p.Stats(); stats.ActiveRequests != 0 {
		t.Errorf("Expected 0 active requests after all calls, got %d", stats.ActiveRequests)
	}
}

func TestConnectionPoolAcquireTimeout(t *testing.T) {
	p := NewConnectionPool(PoolConfig{
		MaxConnections: 1,
		IdleTimeout:    time.Hour,
		PollInterval:   5 * time.Millisecond,
		AcquireTimeout: 30 * time.Millisecond,
	}, newFakeClock())
	defer p.Close()

	held, err := p.Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer p.Release(held)

	_, err = p.Acquire(context.Background(), "bob")
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("Expected ErrPoolTimeout, got %v", err)
	}
	if msg := err.Error(); strings.Contains(msg, "alice") || strings.Contains(msg, "bob") {
		t.Errorf("Expected error not to leak identities, got %q", msg)
	}
}

func TestConnectionPoolAcquireCancelled(t *testing.T) {
	p := NewConnectionPool(PoolConfig{MaxConnections: 1, PollInterval: 5 * time.Millisecond}, newFakeClock())
	defer p.Close()

	held, _ := p.Acquire(context.Background(), "alice")
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := p.Acquire(ctx, "bob"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestConnectionPoolWaitsForCapacity(t *testing.T) {
	clock := newFakeClock()
	p := NewConnectionPool(PoolConfig{
		MaxConnections: 1,
		IdleTimeout:    time.Minute,
		PollInterval:   2 * time.Millisecond,
		AcquireTimeout: 2 * time.Second,
	}, clock)
	defer p.Close()

	held, _ := p.Acquire(context.Background(), "alice")
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Release(held)
		clock.Advance(2 * time.Minute)
	}()

	lease, err := p.Acquire(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Expected bob to get capacity once alice went idle, got %v", err)
	}
	if lease.Identity() != "bob" {
		t.Errorf("Expected bob's lease, got %s", lease.Identity())
	}
	if p.Size() != 1 {
		t.Errorf("Expected size 1, got %d", p.Size())
	}
}

func TestConnectionPoolSweep(t *testing.T) {
	clock := newFakeClock()
	p := NewConnectionPool(PoolConfig{MaxConnections: 10, IdleTimeout: time.Minute}, clock)
	defer p.Close()

	busy, _ := p.Acquire(context.Background(), "busy")
	idle, _ := p.Acquire(context.Background(), "idle")
	p.Release(idle)

	clock.Advance(30 * time.Second)
	if removed := p.Sweep(); removed != 0 {
		t.Errorf("Expected nothing evicted before idle timeout, got %d", removed)
	}

	clock.Advance(30 * time.Second)
	if removed := p.Sweep(); removed != 1 {
		t.Errorf("Expected idle lease evicted, got %d", removed)
	}
	if p.ActiveRequests("busy") != 1 {
		t.Error("Expected busy lease to survive the sweep")
	}

	// A request in between resets the idle clock.
	p.Release(busy)
	clock.Advance(59 * time.Second)
	again, _ := p.Acquire(context.Background(), "busy")
	p.Release(again)
	clock.Advance(30 * time.Second)
	if removed := p.Sweep(); removed != 0 {
		t.Errorf("Expected recently used lease kept, got %d evicted", removed)
	}
}

func TestConnectionPoolReleasesOnPanic(t *testing.T) {
	p := NewConnectionPool(PoolConfig{}, newFakeClock())
	defer p.Close()

	func() {
		defer func() { _ = recover() }()
		_ = p.ExecuteWithConnection(context.Background(), "alice", func(ctx context.Context, lease *Lease) error {
			panic("boom")
		})
	}()

	if p.ActiveRequests("alice") != 0 {
		t.Errorf("Expected lease released after panic, got %d active", p.ActiveRequests("alice"))
	}
}

func TestConnectionPoolFactoryError(t *testing.T) {
	p := NewConnectionPool(PoolConfig{Factory: func(string) (any, error) {
		return nil, errors.New("no credentials")
	}}, newFakeClock())
	defer p.Close()

	if _, err := p.Acquire(context.Background(), "alice"); err == nil {
		t.Error("Expected factory error")
	}
	if p.Size() != 0 {
		t.Errorf("Expected no lease stored, got %d", p.Size())
	}
}

func TestConnectionPoolClose(t *testing.T) {
	sizes := []int{}
	p := NewConnectionPool(PoolConfig{}, newFakeClock())
	p.onSizeChange = func(n int) { sizes = append(sizes, n) }

	_, _ = p.Acquire(context.Background(), "alice")
	p.Close()

	if _, err := p.Acquire(context.Background(), "alice"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	if len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 0 {
		t.Errorf("Expected size changes [1 0], got %v", sizes)
	}
}
