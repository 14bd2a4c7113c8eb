package gerbang

import (
	"context"
	"errors"
	"time"

	"github.com/ambiyansyah-risyal/gerbang/internal/backoff"
)

// RetryPolicy is the immutable configuration of a RetryStrategy.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter in [0, 1]; zero keeps delays exactly exponential.
	Jitter float64
	// Strategy selects the delay curve ("exponential" or "decorrelated").
	Strategy string
	// IsNonRetryable short-circuits the loop. Defaults to !IsRetryable.
	IsNonRetryable func(error) bool
}

// DefaultRetryPolicy returns three attempts with 100ms..10s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Strategy:      "exponential",
	}
}

// RetryStrategy runs an operation up to MaxAttempts times with backoff.
type RetryStrategy struct {
	policy   RetryPolicy
	strategy backoff.Strategy
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(attempt int, delay time.Duration, err error)
}

// NewRetryStrategy fills zero-valued policy fields from DefaultRetryPolicy.
func NewRetryStrategy(policy RetryPolicy) *RetryStrategy {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.BackoffFactor <= 0 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.Strategy == "" {
		policy.Strategy = def.Strategy
	}
	if policy.IsNonRetryable == nil {
		policy.IsNonRetryable = func(err error) bool { return !IsRetryable(err) }
	}

	return &RetryStrategy{
		policy:   policy,
		strategy: backoff.ForName(policy.Strategy),
		sleep:    sleepContext,
	}
}

// Policy returns the effective policy after defaults.
func (r *RetryStrategy) Policy() RetryPolicy {
	return r.policy
}

// Delay returns the wait after the given failed attempt (1-based).
func (r *RetryStrategy) Delay(attempt int) time.Duration {
	return r.strategy.Delay(attempt, backoff.Params{
		Base:   r.policy.BaseDelay,
		Max:    r.policy.MaxDelay,
		Factor: r.policy.BackoffFactor,
		Jitter: r.policy.Jitter,
	})
}

// Execute calls op until it succeeds, fails non-retryably, or the attempt
// budget is spent. The returned *Error carries the attempt count.
func (r *RetryStrategy) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return errors.Join(ctxErr, err)
			}
			return ctxErr
		}

		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		annotateAttempt(err, attempt, r.policy.MaxAttempts)

		if IsCancellation(err) && ctx.Err() != nil {
			return err
		}
		if r.policy.IsNonRetryable(err) || attempt == r.policy.MaxAttempts {
			return err
		}

		delay := r.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return errors.Join(sleepErr, err)
		}
	}
	return err
}

func annotateAttempt(err error, attempt, maxAttempts int) {
	var e *Error
	if errors.As(err, &e) {
		e.Attempt = attempt
		e.MaxAttempts = maxAttempts
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
