package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the state store.
type JobStatus string

const (
	StatusPending         JobStatus = "pending"
	StatusRunning         JobStatus = "running"
	StatusCompleted       JobStatus = "completed"
	StatusFailedRetryable JobStatus = "failed-retryable"
	StatusDeadLettered    JobStatus = "dead-lettered"
)

// Terminal reports whether no further attempt will be made for a job in this state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Job represents one submitted unit of work with its own retry budget.
type Job struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TraceID        string          `json:"trace_id"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         JobStatus       `json:"status"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorStack     string          `json:"error_stack,omitempty"`
	NonRetryable   bool            `json:"non_retryable,omitempty"`
	ParentJobID    string          `json:"parent_job_id,omitempty"`
	RecoveryOf     string          `json:"recovery_of,omitempty"`
	TracksProgress bool            `json:"tracks_progress,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// ProgressRecord is the latest checkpoint of a long-running job, keyed by trace.
type ProgressRecord struct {
	TraceID         string    `json:"trace_id"`
	JobID           string    `json:"job_id,omitempty"`
	PercentComplete int       `json:"percent_complete"`
	StartedAt       time.Time `json:"started_at"`
	LastUpdateAt    time.Time `json:"last_update_at"`
}
