package domain

import (
	"context"
	"errors"
	"fmt"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TaskAlreadyClaimedError is returned when a claim races another worker or
// the task is already terminal. At-least-once delivery makes this a normal,
// non-fatal outcome.
type TaskAlreadyClaimedError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed with status %s", e.TaskID, e.Status)
}

// TransientProviderError marks a provider or backend failure that is worth
// retrying within the stage's retry budget.
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ValidationError marks structurally invalid output (for example a
// recommendation referencing a strike absent from the option chain).
// It is never retried: the offending object is dropped.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// FatalStageError is raised when a fail-fast stage has exhausted its
// retries. It always escalates to task failure.
type FatalStageError struct {
	Stage string
	Err   error
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("%s failed after retries: %v", e.Stage, e.Err)
}

func (e *FatalStageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err belongs to the retryable class: transient
// provider/backend errors and timeouts. Validation errors are terminal for
// the object that produced them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return true
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	// Timeouts are treated identically to transient errors.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
