// Package backoff computes retry delays. Strategies are stateless and safe
// for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before the next attempt of a job that has
// already consumed attempt executions (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential strategy capped at max.
func NewExponential(base, max time.Duration) *Exponential {
	return &Exponential{Base: base, Max: max}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(e.Base, e.Max, attempt)
}

// EqualJitter keeps half of the exponential delay and randomizes the other half,
// so concurrent retries of a failed dependency spread out without collapsing to zero.
type EqualJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewEqualJitter creates a jittered exponential strategy capped at max.
func NewEqualJitter(base, max time.Duration) *EqualJitter {
	return &EqualJitter{Base: base, Max: max}
}

func (e *EqualJitter) Delay(attempt int) time.Duration {
	wait := capped(e.Base, e.Max, attempt)
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func capped(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && d > float64(max) {
		return max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
