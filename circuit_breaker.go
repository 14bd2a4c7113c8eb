package gerbang

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a lower-case state name suitable for logs and labels.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	// Timeout bounds each call admitted by the breaker.
	Timeout time.Duration
	// ResetTimeout is how long the breaker stays open before a trial call.
	ResetTimeout time.Duration
}

// StateChangeFunc observes breaker transitions. It runs with the breaker's
// lock held and must not call back into the breaker.
type StateChangeFunc func(name string, from, to CircuitState)

// CircuitBreaker is a failure-tripped gate for one operation class. All
// read-check-transition sequences happen under mu.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	clock  Clock

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	trialInFlight bool
	// generation advances on every transition; outcomes of calls admitted in
	// an earlier generation are dropped.
	generation uint64

	onStateChange StateChangeFunc
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker("default", config, SystemClock, nil)
}

func newCircuitBreaker(name string, config CircuitBreakerConfig, clock Clock, onChange StateChangeFunc) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = SystemClock
	}

	return &CircuitBreaker{
		name:          name,
		config:        config,
		clock:         clock,
		state:         StateClosed,
		onStateChange: onChange,
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports Open until the next call transitions it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Name returns the operation class this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op if the breaker admits it. op receives a context bounded by
// the configured timeout; when the timeout wins the race that context is
// cancelled and the call counts as a failure. Cancellation by the caller is
// counted as neither success nor failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	gen, trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = cb.run(ctx, op)

	switch {
	case err == nil:
		cb.onSuccess(gen, trial)
	case ctx.Err() != nil && IsCancellation(err):
		cb.abandon(gen, trial)
	default:
		cb.onFailure(gen, trial)
	}
	return err
}

func (cb *CircuitBreaker) run(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, cb.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("gerbang: operation panicked: %v", r)
			}
		}()
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && IsCancellation(err) {
			return cb.timeoutError(err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cb.timeoutError(callCtx.Err())
	}
}

func (cb *CircuitBreaker) timeoutError(cause error) error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Message:   fmt.Sprintf("call exceeded %v", cb.config.Timeout),
		Cause:     cause,
		Timestamp: cb.clock.Now(),
		Duration:  cb.config.Timeout,
	}
}

// admit decides whether a call may proceed. gen is the generation the call
// was admitted in; trial is true when the call is the single half-open trial.
func (cb *CircuitBreaker) admit() (gen uint64, trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return cb.generation, false, nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailure) > cb.config.ResetTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.trialInFlight = true
			return cb.generation, true, nil
		}
		return 0, false, cb.openError()
	case StateHalfOpen:
		if cb.trialInFlight {
			return 0, false, cb.openError()
		}
		cb.trialInFlight = true
		return cb.generation, true, nil
	}
	return 0, false, cb.openError()
}

func (cb *CircuitBreaker) openError() error {
	return &Error{
		Type:      ErrorTypeCircuitOpen,
		Message:   fmt.Sprintf("circuit %q is %s", cb.name, cb.state),
		Cause:     ErrCircuitOpen,
		Timestamp: cb.clock.Now(),
	}
}

func (cb *CircuitBreaker) onSuccess(gen uint64, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	if trial {
		cb.trialInFlight = false
	}
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure(gen uint64, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	if trial {
		cb.trialInFlight = false
	}
	cb.failures++
	cb.lastFailure = cb.clock.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

// abandon releases a trial slot without recording an outcome.
func (cb *CircuitBreaker) abandon(gen uint64, trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	if gen == cb.generation {
		cb.trialInFlight = false
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// BreakerRegistry holds one CircuitBreaker per operation class.
type BreakerRegistry struct {
	config   CircuitBreakerConfig
	clock    Clock
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry; breakers are built lazily.
func NewBreakerRegistry(config CircuitBreakerConfig, clock Clock, onChange StateChangeFunc) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		clock:    clock,
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for class, creating it on first use.
func (r *BreakerRegistry) Get(class string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[class]
	if !ok {
		cb = newCircuitBreaker(class, r.config, r.clock, r.onChange)
		r.breakers[class] = cb
	}
	return cb
}

// States returns a point-in-time view of every known breaker.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]CircuitState, len(breakers))
	for _, cb := range breakers {
		out[cb.name] = cb.State()
	}
	return out
}

// DefaultClassFunc groups requests by method and first endpoint segment, so
// "GET /memories/42" and "GET /memories/7" share one breaker.
func DefaultClassFunc(req *Request) string {
	return req.Method + " " + firstSegment(req.Endpoint)
}

func firstSegment(endpoint string) string {
	start := 0
	for start < len(endpoint) && endpoint[start] == '/' {
		start++
	}
	end := start
	for end < len(endpoint) && endpoint[end] != '/' && endpoint[end] != '?' {
		end++
	}
	return "/" + endpoint[start:end]
}
