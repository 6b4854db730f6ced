package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"job-processing-core/internal/errs"
	"job-processing-core/internal/models"
)

// ProgressReporter records checkpoints for long-running handlers.
type ProgressReporter interface {
	Start(ctx context.Context, traceID, jobID string) error
	Update(ctx context.Context, traceID string, percent int) error
}

// Emission is a job a handler handed off to another topic. It is submitted
// only after the emitting handler returns successfully.
type Emission struct {
	JobID   string
	Topic   string
	Payload json.RawMessage
}

// Call is what a handler sees of the job it is executing.
type Call struct {
	JobID   string
	Topic   string
	TraceID string
	Payload json.RawMessage
	Attempt int

	router   *Router
	progress ProgressReporter

	mu              sync.Mutex
	emissions       []Emission
	progressStarted bool
}

// NewCall prepares the handler view of job. progress may be nil.
func (r *Router) NewCall(job models.Job, progress ProgressReporter) *Call {
	return &Call{
		JobID:    job.ID,
		Topic:    job.Topic,
		TraceID:  job.TraceID,
		Payload:  job.Payload,
		Attempt:  job.AttemptCount,
		router:   r,
		progress: progress,
	}
}

// Emit hands payload to topic as a new job sharing this call's trace. The
// returned id is reserved now; the job is created once the handler succeeds,
// so a failed attempt never leaks half of its downstream work.
func (c *Call) Emit(_ context.Context, topic string, payload any) (string, error) {
	if err := c.router.canEmit(c.Topic, topic); err != nil {
		return "", err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", errs.Permanent(errors.Wrapf(err, "encode payload for topic %q", topic))
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.emissions = append(c.emissions, Emission{JobID: id, Topic: topic, Payload: raw})
	c.mu.Unlock()
	return id, nil
}

// Emissions returns the jobs emitted so far.
func (c *Call) Emissions() []Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emission(nil), c.emissions...)
}

// StartProgress creates the progress record for this call's trace at 0%,
// owned by this call's job.
func (c *Call) StartProgress(ctx context.Context) error {
	if c.progress == nil {
		return nil
	}
	if err := c.progress.Start(ctx, c.TraceID, c.JobID); err != nil {
		return err
	}
	c.mu.Lock()
	c.progressStarted = true
	c.mu.Unlock()
	return nil
}

// ReportProgress moves the trace's progress forward.
func (c *Call) ReportProgress(ctx context.Context, percent int) error {
	if c.progress == nil {
		return nil
	}
	return c.progress.Update(ctx, c.TraceID, percent)
}

// ProgressStarted reports whether the handler opened a progress record.
func (c *Call) ProgressStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressStarted
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}
