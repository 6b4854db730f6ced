// Package retry decides what happens to a job after its handler fails.
package retry

import (
	"time"

	"github.com/jonboulle/clockwork"

	"job-processing-core/internal/backoff"
	"job-processing-core/internal/errs"
	"job-processing-core/internal/models"
)

// Decision is the outcome for one failed attempt.
type Decision struct {
	// Retry is true when the job should run again after Delay.
	Retry       bool
	Delay       time.Duration
	NextRetryAt time.Time
	// CanRetry is copied onto the dead-letter entry when Retry is false.
	CanRetry bool
	Reason   string
}

// Controller applies the attempt budget and backoff strategy.
type Controller struct {
	strategy backoff.Strategy
	clock    clockwork.Clock
}

func New(strategy backoff.Strategy, clock clockwork.Clock) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{strategy: strategy, clock: clock}
}

// Decide expects job.AttemptCount to already include the attempt that failed.
func (c *Controller) Decide(job models.Job, err error) Decision {
	reason := "unknown failure"
	if err != nil {
		reason = err.Error()
	}
	if errs.IsPermanent(err) {
		return Decision{CanRetry: false, Reason: reason}
	}
	if job.AttemptCount < job.MaxAttempts {
		delay := c.strategy.Delay(job.AttemptCount)
		return Decision{
			Retry:       true,
			Delay:       delay,
			NextRetryAt: c.clock.Now().Add(delay),
			CanRetry:    true,
			Reason:      reason,
		}
	}
	return Decision{CanRetry: true, Reason: reason}
}
