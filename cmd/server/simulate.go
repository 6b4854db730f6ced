package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"job-processing-core/internal/errs"
	"job-processing-core/internal/router"
	"job-processing-core/internal/thumbnails"
)

const topicSimulate = "demo.simulate"

type simulatePayload struct {
	ShouldFail bool `json:"should_fail"`
	Permanent  bool `json:"permanent"`
	DurationMS int  `json:"duration_ms"`
}

// registerSimulate binds a synthetic topic for exercising retries, timeouts
// and the dead-letter store by hand.
func registerSimulate(r thumbnails.Registrar) error {
	return r.Register(topicSimulate, router.Typed(func(ctx context.Context, _ *router.Call, p simulatePayload) error {
		if p.DurationMS > 0 {
			select {
			case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if p.ShouldFail {
			err := errors.New("simulated failure requested by payload.should_fail")
			if p.Permanent {
				return errs.Permanent(err)
			}
			return err
		}
		return nil
	}))
}
