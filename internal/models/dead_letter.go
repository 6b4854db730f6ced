package models

import (
	"encoding/json"
	"time"
)

// DeadLetterStatus tracks an entry through the recovery workflow.
type DeadLetterStatus string

const (
	DeadLetterPendingReview DeadLetterStatus = "pending-review"
	DeadLetterRetrying      DeadLetterStatus = "retrying"
	DeadLetterResolved      DeadLetterStatus = "resolved"
	DeadLetterDiscarded     DeadLetterStatus = "discarded"
)

// Terminal reports whether the entry can no longer change state.
func (s DeadLetterStatus) Terminal() bool {
	return s == DeadLetterResolved || s == DeadLetterDiscarded
}

// Valid reports whether s is a known status.
func (s DeadLetterStatus) Valid() bool {
	switch s {
	case DeadLetterPendingReview, DeadLetterRetrying, DeadLetterResolved, DeadLetterDiscarded:
		return true
	}
	return false
}

// DeadLetterEntry is the durable record of a job that failed permanently
// or ran out of attempts.
type DeadLetterEntry struct {
	ID               string           `json:"id"`
	JobID            string           `json:"job_id"`
	OriginalTopic    string           `json:"original_topic"`
	OriginalPayload  json.RawMessage  `json:"original_payload,omitempty"`
	TraceID          string           `json:"trace_id"`
	FailureReason    string           `json:"failure_reason"`
	ErrorStack       string           `json:"error_stack,omitempty"`
	AttemptCount     int              `json:"attempt_count"`
	MaxAttempts      int              `json:"max_attempts"`
	ArrivedAt        time.Time        `json:"arrived_at"`
	CanRetry         bool             `json:"can_retry"`
	Status           DeadLetterStatus `json:"status"`
	RecoveryJobID    string           `json:"recovery_job_id,omitempty"`
	RecoveryAttempts int              `json:"recovery_attempts,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}
