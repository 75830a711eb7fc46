package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepError is a failed step attempt. Transient errors are retried by the
// state machine while the task has retry budget left.
type StepError struct {
	TaskID    int64     // Task the step belongs to
	StepNum   int       // Position of the step in its task
	Message   string    // Human-readable error message
	Err       error     // Underlying error (optional)
	Transient bool      // Whether another attempt may succeed
	Timestamp time.Time // When the error occurred
}

// NewStepError creates a new StepError with the current timestamp.
func NewStepError(taskID int64, stepNum int, msg string, err error, transient bool) *StepError {
	return &StepError{
		TaskID:    taskID,
		StepNum:   stepNum,
		Message:   msg,
		Err:       err,
		Transient: transient,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for StepError.
func (e *StepError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *StepError) Unwrap() error {
	return e.Err
}

// TimeoutError represents a tool call that ran past the per-call timeout.
type TimeoutError struct {
	Tool            string        // Tool that timed out
	TimeoutDuration time.Duration // Duration after which timeout occurred
	Context         string        // Additional context (optional)
	Timestamp       time.Time     // When the timeout occurred
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(tool string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		Tool:            tool,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("tool %s: timeout after %v", e.Tool, e.TimeoutDuration))
	if e.Context != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Context))
	}
	return sb.String()
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsStepError checks if the error is or wraps a StepError.
func IsStepError(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	return errors.As(err, &se)
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether a step error may succeed on another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Transient
	}
	return IsTimeoutError(err)
}
