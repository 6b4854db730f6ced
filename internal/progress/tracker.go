// Package progress persists incremental checkpoints of long-running jobs.
package progress

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/errs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/store"
)

const maxUpdateAttempts = 16

// Tracker is the only writer of progress records.
type Tracker struct {
	store  store.Store
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewTracker(s store.Store, clock clockwork.Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: s, clock: clock, logger: logger}
}

// Start (re)creates the record for traceID at 0% and hands it to jobID.
func (t *Tracker) Start(ctx context.Context, traceID, jobID string) error {
	now := t.clock.Now()
	rec := models.ProgressRecord{TraceID: traceID, JobID: jobID, StartedAt: now, LastUpdateAt: now}
	if err := store.SetJSON(ctx, t.store, store.NamespaceProgress, traceID, rec); err != nil {
		return errors.Wrapf(err, "start progress %s", traceID)
	}
	return nil
}

// Update moves the record forward. Reporting the current percentage again is
// accepted and changes nothing.
func (t *Tracker) Update(ctx context.Context, traceID string, percent int) error {
	if percent < 0 || percent > 100 {
		return &errs.InvalidProgressError{TraceID: traceID, Percent: percent, Reason: "out of range [0,100]"}
	}
	for i := 0; i < maxUpdateAttempts; i++ {
		rec, raw, err := store.GetJSON[models.ProgressRecord](ctx, t.store, store.NamespaceProgress, traceID)
		if errors.Is(err, errs.ErrNotFound) {
			return &errs.InvalidProgressError{TraceID: traceID, Percent: percent, Reason: "no progress record"}
		}
		if err != nil {
			return errors.Wrapf(err, "load progress %s", traceID)
		}
		if percent == rec.PercentComplete {
			return nil
		}
		if percent < rec.PercentComplete {
			return &errs.InvalidProgressError{
				TraceID: traceID,
				Percent: percent,
				Reason:  fmt.Sprintf("below current %d", rec.PercentComplete),
			}
		}
		rec.PercentComplete = percent
		rec.LastUpdateAt = t.clock.Now()
		next, err := store.Encode(rec)
		if err != nil {
			return err
		}
		ok, err := t.store.CompareAndSwap(ctx, store.NamespaceProgress, traceID, raw, next)
		if err != nil {
			return errors.Wrapf(err, "update progress %s", traceID)
		}
		if ok {
			return nil
		}
	}
	t.logger.Warn("progress update lost repeated races", zap.String("trace_id", traceID), zap.Int("percent", percent))
	return errors.Wrapf(errs.ErrConflict, "update progress %s", traceID)
}

// Finish removes the record if jobID still owns it. Chain steps share a trace,
// so a later step may already have started its own record under the same key.
func (t *Tracker) Finish(ctx context.Context, traceID, jobID string) error {
	for i := 0; i < maxUpdateAttempts; i++ {
		rec, raw, err := store.GetJSON[models.ProgressRecord](ctx, t.store, store.NamespaceProgress, traceID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "load progress %s", traceID)
		}
		if rec.JobID != "" && rec.JobID != jobID {
			return nil
		}
		ok, err := t.store.CompareAndDelete(ctx, store.NamespaceProgress, traceID, raw)
		if err != nil {
			return errors.Wrapf(err, "finish progress %s", traceID)
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(errs.ErrConflict, "finish progress %s", traceID)
}

// Get returns the current record and whether one exists.
func (t *Tracker) Get(ctx context.Context, traceID string) (models.ProgressRecord, bool, error) {
	rec, _, err := store.GetJSON[models.ProgressRecord](ctx, t.store, store.NamespaceProgress, traceID)
	if errors.Is(err, errs.ErrNotFound) {
		return models.ProgressRecord{}, false, nil
	}
	if err != nil {
		return models.ProgressRecord{}, false, err
	}
	return rec, true, nil
}
