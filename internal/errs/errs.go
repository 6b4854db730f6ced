// Package errs holds the error taxonomy shared by the router, worker pool,
// retry controller, dead-letter store and progress tracker.
package errs

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a job, dead-letter entry or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotRetryable is returned when a dead-letter entry was classified non-recoverable.
	ErrNotRetryable = errors.New("dead-letter entry is not retryable")
	// ErrConflict is returned when a concurrent caller already moved an entry out of the expected state.
	ErrConflict = errors.New("conflicting state transition")
	// ErrPoolStopped is returned by submissions made after the worker pool stopped.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError marks a handler failure that may succeed on a later attempt.
// Unmarked errors are treated the same way.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Permanent wraps err so the job skips remaining attempts and is dead-lettered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: withStack(err)}
}

// Transient wraps err so it is retried according to the job's budget.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: withStack(err)}
}

// UnknownTopicError is returned when no handler is bound to a topic.
// It is always permanent: no later attempt can find a handler.
type UnknownTopicError struct {
	Topic string
}

func (e *UnknownTopicError) Error() string {
	return fmt.Sprintf("no handler registered for topic %q", e.Topic)
}

// DuplicateTopicError is returned when a topic already has a handler.
type DuplicateTopicError struct {
	Topic string
}

func (e *DuplicateTopicError) Error() string {
	return fmt.Sprintf("topic %q already has a handler", e.Topic)
}

// TimeoutError is reported when a handler outlives its topic's timeout.
type TimeoutError struct {
	Topic   string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler for topic %q timed out after %s", e.Topic, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// InvalidProgressError is returned by the progress tracker for rejected updates.
type InvalidProgressError struct {
	TraceID string
	Percent int
	Reason  string
}

func (e *InvalidProgressError) Error() string {
	return fmt.Sprintf("invalid progress %d for trace %s: %s", e.Percent, e.TraceID, e.Reason)
}

// IsPermanent reports whether err skips the retry budget.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var unknown *UnknownTopicError
	return errors.As(err, &unknown)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Stack renders the innermost recorded stack trace of err, or "" when err carries none.
func Stack(err error) string {
	var st errors.StackTrace
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if t, ok := cur.(stackTracer); ok {
			st = t.StackTrace()
		}
	}
	if st == nil {
		return ""
	}
	return fmt.Sprintf("%+v", st)
}

func withStack(err error) error {
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if _, ok := cur.(stackTracer); ok {
			return err
		}
	}
	return errors.WithStack(err)
}
