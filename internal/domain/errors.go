package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when an import run cannot be found in the database
	ErrRunNotFound = errors.New("import run not found")

	// ErrRunInProgress is returned when another import run holds the lease
	ErrRunInProgress = errors.New("an import run is already in progress")

	// ErrInvalidTransition is returned when a run status update would move backwards
	ErrInvalidTransition = errors.New("invalid import run status transition")
)

// ValidationError reports a record that is missing a required field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// NewValidationError creates a new validation error for a field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// EnqueueError reports a batch the work queue did not accept
type EnqueueError struct {
	BatchSize int
	Err       error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue batch of %d: %v", e.BatchSize, e.Err)
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a store failure for one record
type PersistenceError struct {
	JobID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist job %q: %v", e.JobID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
