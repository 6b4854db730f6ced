package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Local keeps one in-process limiter per key. It is used when submissions
// are not shared through Redis.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(refillPerSecond),
		burst:    capacity,
	}
}

func (l *Local) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	allowed := lim.Allow()
	return Result{Allowed: allowed, Remaining: lim.Tokens()}, nil
}
