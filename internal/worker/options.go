package worker

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultConcurrency = 5
	DefaultTimeout     = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// Option configures a Pool.
type Option func(*Pool)

func WithClock(c clockwork.Clock) Option { return func(p *Pool) { p.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithMiddleware replaces the default Recover, Tracing chain.
func WithMiddleware(mws ...Middleware) Option {
	return func(p *Pool) { p.middleware = Chain(mws...) }
}

// WithProgress lets handlers record progress; without it progress calls are no-ops.
func WithProgress(t ProgressTracker) Option { return func(p *Pool) { p.progress = t } }

// WithDefaults sets the limits used by routes that do not set their own.
// Non-positive values keep the package defaults.
func WithDefaults(concurrency int, timeout time.Duration, maxAttempts int) Option {
	return func(p *Pool) {
		if concurrency > 0 {
			p.defaultConcurrency = concurrency
		}
		if timeout > 0 {
			p.defaultTimeout = timeout
		}
		if maxAttempts > 0 {
			p.defaultMaxAttempts = maxAttempts
		}
	}
}
