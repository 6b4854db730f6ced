package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/errs"
	"job-processing-core/internal/jobs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/telemetry"
)

// RecoveryRequest describes the fresh job a manual retry submits.
type RecoveryRequest struct {
	JobID       string
	EntryID     string
	Topic       string
	Payload     json.RawMessage
	TraceID     string
	MaxAttempts int
}

// Resubmitter hands recovery jobs to the worker pool. Both methods return a
// channel that yields the job once it reaches a terminal status, or is closed
// without a value if the pool stops first.
type Resubmitter interface {
	SubmitRecovery(ctx context.Context, req RecoveryRequest) (<-chan models.Job, error)
	Watch(ctx context.Context, jobID string) (<-chan models.Job, error)
}

// Recovery is a manual retry in flight.
type Recovery struct {
	EntryID string
	JobID   string

	done  chan struct{}
	entry models.DeadLetterEntry
	err   error
}

// Done is closed once the outcome has been written to the entry.
func (r *Recovery) Done() <-chan struct{} { return r.done }

// Wait blocks until the recovery job finishes and returns the updated entry.
func (r *Recovery) Wait(ctx context.Context) (models.DeadLetterEntry, error) {
	select {
	case <-r.done:
		return r.entry, r.err
	case <-ctx.Done():
		return models.DeadLetterEntry{}, ctx.Err()
	}
}

// UseResubmitter connects the service to the pool. It is separate from
// NewService because the pool records into the service as well.
func (s *Service) UseResubmitter(r Resubmitter) {
	s.mu.Lock()
	s.resubmit = r
	s.mu.Unlock()
}

func (s *Service) resubmitter() (Resubmitter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.resubmit == nil {
		return nil, errors.New("dead-letter recovery has no worker pool attached")
	}
	return s.resubmit, nil
}

// Retry re-submits the entry's original job with a fresh attempt budget.
// Exactly one of several concurrent callers wins; the rest get errs.ErrConflict.
func (s *Service) Retry(ctx context.Context, id string) (*Recovery, error) {
	resub, err := s.resubmitter()
	if err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.CanRetry {
		return nil, errors.Wrapf(errs.ErrNotRetryable, "dead-letter entry %s", id)
	}

	jobID := uuid.NewString()
	entry, err := s.transition(ctx, id, models.DeadLetterPendingReview, func(e *models.DeadLetterEntry) {
		e.Status = models.DeadLetterRetrying
		e.RecoveryJobID = jobID
		e.RecoveryAttempts++
	})
	if err != nil {
		return nil, err
	}

	updates, err := resub.SubmitRecovery(ctx, RecoveryRequest{
		JobID:       jobID,
		EntryID:     entry.ID,
		Topic:       entry.OriginalTopic,
		Payload:     entry.OriginalPayload,
		TraceID:     entry.TraceID,
		MaxAttempts: entry.MaxAttempts,
	})
	if err != nil {
		s.revert(id, jobID, fmt.Sprintf("recovery submission failed: %v", err))
		return nil, errors.Wrapf(err, "submit recovery for dead-letter entry %s", id)
	}

	s.logger.Info("dead letter retry started",
		zap.String("entry_id", id),
		zap.String("recovery_job_id", jobID),
		zap.String("topic", entry.OriginalTopic),
		zap.Int("recovery_attempt", entry.RecoveryAttempts),
	)
	return s.follow(entry, jobID, updates), nil
}

// Reconcile records dead-lettered jobs whose entry never made it to the store,
// then re-attaches entries left in retrying by a previous process to their
// recovery job, or returns them to pending-review when that job is gone.
// The pool must have resumed its jobs first.
func (s *Service) Reconcile(ctx context.Context) error {
	resub, err := s.resubmitter()
	if err != nil {
		return err
	}
	if err := s.recordMissing(ctx); err != nil {
		return err
	}
	listing, err := s.List(ctx, Filter{Status: models.DeadLetterRetrying})
	if err != nil {
		return err
	}
	for _, entry := range listing.Entries {
		if entry.RecoveryJobID == "" {
			s.revert(entry.ID, "", "recovery interrupted before submission")
			continue
		}
		updates, err := resub.Watch(ctx, entry.RecoveryJobID)
		if errors.Is(err, errs.ErrNotFound) {
			s.revert(entry.ID, entry.RecoveryJobID, fmt.Sprintf("recovery job %s was never persisted", entry.RecoveryJobID))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "watch recovery job %s", entry.RecoveryJobID)
		}
		s.logger.Info("re-attached dead letter recovery",
			zap.String("entry_id", entry.ID),
			zap.String("recovery_job_id", entry.RecoveryJobID),
		)
		s.follow(entry, entry.RecoveryJobID, updates)
	}
	return nil
}

// recordMissing re-records dead-lettered jobs the pool failed to record when
// they ran out of attempts. Record is idempotent, so jobs that already have an
// entry only get their counter marker checked.
func (s *Service) recordMissing(ctx context.Context) error {
	dead, err := jobs.NewRepository(s.store).List(ctx, jobs.Filter{Status: models.StatusDeadLettered})
	if err != nil {
		return errors.Wrap(err, "list dead-lettered jobs")
	}
	for _, job := range dead {
		if job.RecoveryOf != "" {
			if err := s.markCounted(ctx, job); err != nil {
				return err
			}
			continue
		}
		_, err := s.Get(ctx, EntryID(job.ID))
		if err == nil {
			if err := s.markCounted(ctx, job); err != nil {
				return err
			}
			continue
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if _, err := s.Record(ctx, job, nil, !job.NonRetryable); err != nil {
			return errors.Wrapf(err, "record missing dead letter for job %s", job.ID)
		}
		s.logger.Warn("recorded dead letter missed by a previous run",
			zap.String("job_id", job.ID),
			zap.String("topic", job.Topic),
		)
	}
	return nil
}

// Stop waits for outcome watchers. They end once the pool closes their channels.
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) follow(entry models.DeadLetterEntry, jobID string, updates <-chan models.Job) *Recovery {
	rec := &Recovery{EntryID: entry.ID, JobID: jobID, done: make(chan struct{})}
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer close(rec.done)
		job, ok := <-updates
		if !ok {
			// Left in retrying; Reconcile picks it up on the next start.
			s.logger.Info("dead letter recovery still running at shutdown",
				zap.String("entry_id", entry.ID),
				zap.String("recovery_job_id", jobID),
			)
			rec.entry, rec.err = entry, errs.ErrPoolStopped
			return
		}
		rec.entry, rec.err = s.settle(entry.ID, job)
	}()
	return rec
}

// settle writes the recovery job's outcome back to its entry.
func (s *Service) settle(id string, job models.Job) (models.DeadLetterEntry, error) {
	ctx := context.Background()
	succeeded := job.Status == models.StatusCompleted
	entry, err := s.transition(ctx, id, models.DeadLetterRetrying, func(e *models.DeadLetterEntry) {
		if e.RecoveryJobID != job.ID {
			return
		}
		if succeeded {
			now := s.clock.Now()
			e.Status = models.DeadLetterResolved
			e.ResolvedAt = &now
			return
		}
		e.Status = models.DeadLetterPendingReview
		e.FailureReason = job.LastError
		e.ErrorStack = job.ErrorStack
		e.CanRetry = !job.NonRetryable
		e.AttemptCount = job.AttemptCount
		e.ArrivedAt = s.clock.Now()
	})
	if err != nil {
		s.logger.Error("failed to record recovery outcome",
			zap.String("entry_id", id),
			zap.String("recovery_job_id", job.ID),
			zap.Error(err),
		)
		return entry, err
	}
	if entry.RecoveryJobID != job.ID {
		return entry, errors.Wrapf(errs.ErrConflict, "dead-letter entry %s now follows job %s", id, entry.RecoveryJobID)
	}

	outcome := "failed"
	if succeeded {
		outcome = "resolved"
	}
	telemetry.RecoveryOutcomes.WithLabelValues(entry.OriginalTopic, outcome).Inc()
	s.logger.Info("dead letter retry finished",
		zap.String("entry_id", id),
		zap.String("recovery_job_id", job.ID),
		zap.String("outcome", outcome),
	)
	return entry, nil
}

// revert returns a retrying entry to pending-review after its recovery could
// not be carried through. It detaches from the caller's context so a cancelled
// request still leaves the entry consistent.
func (s *Service) revert(id, jobID, reason string) {
	ctx := context.Background()
	_, err := s.transition(ctx, id, models.DeadLetterRetrying, func(e *models.DeadLetterEntry) {
		if jobID != "" && e.RecoveryJobID != jobID {
			return
		}
		e.Status = models.DeadLetterPendingReview
		e.FailureReason = reason
		e.RecoveryJobID = ""
	})
	if err != nil {
		s.logger.Error("failed to revert dead letter entry",
			zap.String("entry_id", id),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
