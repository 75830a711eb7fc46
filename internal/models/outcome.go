package models

import "time"

// OutcomeKind classifies the result of executing a step
type OutcomeKind int

// Outcome kinds
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
	OutcomeNeedsConfirmation
	// OutcomeDeferred suspends a wait step until WakeAt or an external resolution
	OutcomeDeferred
)

// String returns the snake_case name of the outcome kind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeNeedsConfirmation:
		return "needs_confirmation"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// IsFailure returns true for transient and permanent failures
func (k OutcomeKind) IsFailure() bool {
	return k == OutcomeTransientFailure || k == OutcomePermanentFailure
}

// Outcome is what the step executor reports back for one attempt
type Outcome struct {
	Kind   OutcomeKind
	Result string     // serialized result on success
	Err    error      // cause on failure
	WakeAt *time.Time // set for deferred outcomes with a timed wake-up
}

// ErrorMessage returns the failure text, or "" when there is none
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Success builds a success outcome
func Success(result string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// TransientFailure builds a retryable failure outcome
func TransientFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Err: err}
}

// PermanentFailure builds a non-retryable failure outcome
func PermanentFailure(err error) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Err: err}
}
