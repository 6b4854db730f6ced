// Package deadletter keeps durable records of jobs that failed permanently or
// ran out of attempts, and drives the operator recovery workflow over them.
//
// Entry status only changes through this package:
//
//	pending-review -> retrying -> resolved | pending-review
//	pending-review -> discarded
//
// Every transition is a compare-and-swap on the stored entry, so two
// operators racing on the same entry cannot both win.
package deadletter

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/errs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/store"
	"job-processing-core/internal/telemetry"
)

const (
	maxCASAttempts = 32
	markerPrefix   = "dead_letter_job:"
)

// entryIDSpace derives entry ids from job ids so recording the same job twice
// lands on the same key.
var entryIDSpace = uuid.MustParse("6f1c2a52-8d0e-4c55-9a43-1d6b0b7f6e10")

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status models.DeadLetterStatus
	Topic  string
}

// Listing is the result of List. Aggregates cover the filtered entries.
type Listing struct {
	Entries    []models.DeadLetterEntry        `json:"entries"`
	TotalCount int                             `json:"total_count"`
	ByTopic    map[string]int                  `json:"by_topic"`
	ByStatus   map[models.DeadLetterStatus]int `json:"by_status"`
}

// Service is the dead-letter store and recovery API.
type Service struct {
	store  store.Store
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	resubmit Resubmitter
	watchers sync.WaitGroup
}

func NewService(s store.Store, clock clockwork.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, clock: clock, logger: logger}
}

// EntryID returns the id of the entry recorded for jobID.
func EntryID(jobID string) string {
	return uuid.NewSHA1(entryIDSpace, []byte(jobID)).String()
}

// Record stores a new pending-review entry for a job that will not run again
// and counts it against the topic. Jobs submitted by a manual retry do not
// create entries; their outcome is written back to the originating entry.
// Recording the same job again is a no-op, so callers may retry freely.
func (s *Service) Record(ctx context.Context, job models.Job, cause error, canRetry bool) (models.DeadLetterEntry, error) {
	if job.RecoveryOf != "" {
		return models.DeadLetterEntry{}, s.markCounted(ctx, job)
	}

	now := s.clock.Now()
	reason := job.LastError
	stack := job.ErrorStack
	if cause != nil {
		reason = cause.Error()
		stack = errs.Stack(cause)
	}
	entry := models.DeadLetterEntry{
		ID:              EntryID(job.ID),
		JobID:           job.ID,
		OriginalTopic:   job.Topic,
		OriginalPayload: job.Payload,
		TraceID:         job.TraceID,
		FailureReason:   reason,
		ErrorStack:      stack,
		AttemptCount:    job.AttemptCount,
		MaxAttempts:     job.MaxAttempts,
		ArrivedAt:       now,
		CanRetry:        canRetry,
		Status:          models.DeadLetterPendingReview,
		UpdatedAt:       now,
	}
	raw, err := store.Encode(entry)
	if err != nil {
		return models.DeadLetterEntry{}, err
	}
	inserted, err := s.store.CompareAndSwap(ctx, store.NamespaceDeadLetters, entry.ID, nil, raw)
	if err != nil {
		return models.DeadLetterEntry{}, errors.Wrapf(err, "record dead letter for job %s", job.ID)
	}
	if !inserted {
		existing, err := s.Get(ctx, entry.ID)
		if err != nil {
			return existing, err
		}
		return existing, s.markCounted(ctx, job)
	}
	if err := s.markCounted(ctx, job); err != nil {
		return entry, err
	}
	s.logger.Warn("job dead-lettered",
		zap.String("entry_id", entry.ID),
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic),
		zap.String("trace_id", job.TraceID),
		zap.Int("attempt", job.AttemptCount),
		zap.Bool("can_retry", canRetry),
		zap.String("reason", reason),
	)
	return entry, nil
}

// Get returns the entry or errs.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	entry, _, err := store.GetJSON[models.DeadLetterEntry](ctx, s.store, store.NamespaceDeadLetters, id)
	if errors.Is(err, errs.ErrNotFound) {
		return entry, errors.Wrapf(errs.ErrNotFound, "dead-letter entry %s", id)
	}
	return entry, err
}

// List returns matching entries, most recent arrival first.
func (s *Service) List(ctx context.Context, f Filter) (Listing, error) {
	all, err := s.store.GetAll(ctx, store.NamespaceDeadLetters)
	if err != nil {
		return Listing{}, errors.Wrap(err, "list dead letters")
	}
	out := Listing{
		Entries:  make([]models.DeadLetterEntry, 0, len(all)),
		ByTopic:  make(map[string]int),
		ByStatus: make(map[models.DeadLetterStatus]int),
	}
	for id, raw := range all {
		var e models.DeadLetterEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return Listing{}, errors.Wrapf(err, "decode dead letter %s", id)
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Topic != "" && e.OriginalTopic != f.Topic {
			continue
		}
		out.Entries = append(out.Entries, e)
		out.ByTopic[e.OriginalTopic]++
		out.ByStatus[e.Status]++
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		a, b := out.Entries[i], out.Entries[j]
		if a.ArrivedAt.Equal(b.ArrivedAt) {
			return a.ID > b.ID
		}
		return a.ArrivedAt.After(b.ArrivedAt)
	})
	out.TotalCount = len(out.Entries)
	return out, nil
}

// Discard closes an entry for good. Only pending-review entries can be discarded.
func (s *Service) Discard(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	entry, err := s.transition(ctx, id, models.DeadLetterPendingReview, func(e *models.DeadLetterEntry) {
		e.Status = models.DeadLetterDiscarded
	})
	if err != nil {
		return entry, err
	}
	s.logger.Info("dead letter discarded", zap.String("entry_id", id), zap.String("topic", entry.OriginalTopic))
	return entry, nil
}

// Counts returns the number of dead-letter transitions per topic.
func (s *Service) Counts(ctx context.Context) (map[string]int64, error) {
	all, err := s.store.GetAll(ctx, store.NamespaceCounters)
	if err != nil {
		return nil, errors.Wrap(err, "load dead-letter counters")
	}
	out := make(map[string]int64)
	for key, topic := range all {
		if strings.HasPrefix(key, markerPrefix) {
			out[string(topic)]++
		}
	}
	return out, nil
}

// markCounted stores one marker per dead-lettered job, keyed by job id, so a
// retried Record counts the job exactly once.
func (s *Service) markCounted(ctx context.Context, job models.Job) error {
	inserted, err := s.store.CompareAndSwap(ctx, store.NamespaceCounters, markerPrefix+job.ID, nil, []byte(job.Topic))
	if err != nil {
		return errors.Wrapf(err, "count dead letter for job %s", job.ID)
	}
	if inserted {
		telemetry.JobsDeadLettered.WithLabelValues(job.Topic).Inc()
	}
	return nil
}

// transition moves entry id out of status from. A stored status other than
// from yields errs.ErrConflict together with the current entry.
func (s *Service) transition(ctx context.Context, id string, from models.DeadLetterStatus, mutate func(*models.DeadLetterEntry)) (models.DeadLetterEntry, error) {
	for i := 0; i < maxCASAttempts; i++ {
		entry, raw, err := store.GetJSON[models.DeadLetterEntry](ctx, s.store, store.NamespaceDeadLetters, id)
		if errors.Is(err, errs.ErrNotFound) {
			return entry, errors.Wrapf(errs.ErrNotFound, "dead-letter entry %s", id)
		}
		if err != nil {
			return entry, err
		}
		if entry.Status != from {
			return entry, errors.Wrapf(errs.ErrConflict, "dead-letter entry %s is %s, not %s", id, entry.Status, from)
		}
		mutate(&entry)
		entry.UpdatedAt = s.clock.Now()
		next, err := store.Encode(entry)
		if err != nil {
			return entry, err
		}
		ok, err := s.store.CompareAndSwap(ctx, store.NamespaceDeadLetters, id, raw, next)
		if err != nil {
			return entry, errors.Wrapf(err, "update dead-letter entry %s", id)
		}
		if ok {
			return entry, nil
		}
	}
	return models.DeadLetterEntry{}, errors.Wrapf(errs.ErrConflict, "dead-letter entry %s", id)
}
