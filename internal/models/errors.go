package models

import "errors"

// Engine-wide error taxonomy. Callers match these with errors.Is.
var (
	// ErrInvalidPlan rejects a malformed decomposition before anything is persisted
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrNotWaiting reports a confirmation for a step that is not awaiting one
	ErrNotWaiting = errors.New("step is not waiting")
	// ErrConcurrencyViolation reports a second executor trying to drive a locked task
	ErrConcurrencyViolation = errors.New("task is already being executed")
	// ErrTaskNotFound reports an unknown task id
	ErrTaskNotFound = errors.New("task not found")
	// ErrStepNotFound reports an unknown step id, or a step of another task
	ErrStepNotFound = errors.New("step not found")
	// ErrNotCancellable reports a cancel request for a terminal task
	ErrNotCancellable = errors.New("task is already terminal")
	// ErrNotTerminal reports a delete request for a task that is still active
	ErrNotTerminal = errors.New("task is not terminal")
	// ErrTaskNotRunnable reports a task whose next step can never run
	ErrTaskNotRunnable = errors.New("task has no runnable step")
	// ErrStaleState reports a compare-and-set transition that lost a race
	ErrStaleState = errors.New("state changed concurrently")
)

// IsInvalidPlan reports whether err rejects a plan
func IsInvalidPlan(err error) bool {
	return errors.Is(err, ErrInvalidPlan)
}

// IsNotFound reports whether err names an unknown task or step
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrStepNotFound)
}
