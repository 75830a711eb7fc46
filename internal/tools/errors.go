package tools

import (
	"context"
	"errors"
)

// ErrUnknownTool is returned (as a permanent error) for unregistered tool names
var ErrUnknownTool = errors.New("unknown tool")

// ClassifiedError marks a tool error as retryable or not
type ClassifiedError struct {
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Retryable: true}
}

// Permanent marks err as final; the step fails without retries
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Retryable: false}
}

// IsPermanent reports whether err was explicitly classified as permanent
func IsPermanent(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return !ce.Retryable
	}
	return false
}

// IsTransient reports whether a failed invocation may be retried. Timeouts
// and unclassified errors are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsPermanent(err)
}
