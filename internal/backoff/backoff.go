// Package backoff computes the delay between retry attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Params are the inputs shared by every strategy.
type Params struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter adds up to Jitter*delay of random slack, clamped to [0, 1].
	Jitter float64
}

// Strategy returns the delay to wait after the given failed attempt.
// Attempts are 1-based: the delay after attempt n precedes attempt n+1.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential yields min(Base * Factor^(attempt-1), Max), plus jitter.
type Exponential struct{}

// Delay implements Strategy.
func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Prevent overflow by limiting attempt
	if attempt > 62 {
		attempt = 62
	}

	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	raw := float64(p.Base) * math.Pow(factor, float64(attempt-1))
	delay := capDelay(raw, p.Max)

	if j := clampJitter(p.Jitter); j > 0 {
		delay = capDelay(float64(delay)+float64(delay)*j*rand.Float64(), p.Max)
	}
	return delay
}

// Decorrelated draws uniformly from [Base, min(Max, Base*3^attempt)], the
// stateless form of the AWS decorrelated jitter scheme.
type Decorrelated struct{}

// Delay implements Strategy.
func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt < 1 {
		return p.Base
	}
	if attempt > 20 {
		attempt = 20
	}

	base := float64(p.Base)
	upper := float64(capDelay(base*math.Pow(3, float64(attempt)), p.Max))
	if upper < base {
		upper = base
	}
	return capDelay(base+rand.Float64()*(upper-base), p.Max)
}

// ForName resolves a strategy by its configuration name. Unknown names fall
// back to Exponential.
func ForName(name string) Strategy {
	switch name {
	case "decorrelated":
		return Decorrelated{}
	default:
		return Exponential{}
	}
}

func capDelay(v float64, max time.Duration) time.Duration {
	if max > 0 && (v > float64(max) || math.IsInf(v, 0) || math.IsNaN(v)) {
		return max
	}
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
