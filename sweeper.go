package gerbang

import (
	"sync"
	"time"
)

// sweeper runs fn on a fixed interval until stopped. Pool, cache and rate
// limiter each own one so that stale state is eventually reclaimed.
type sweeper struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startSweeper(interval time.Duration, fn func()) *sweeper {
	s := &sweeper{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if interval <= 0 {
		close(s.done)
		return s
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return s
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *sweeper) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
