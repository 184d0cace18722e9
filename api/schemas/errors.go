package schemas

import (
	"errors"
	"fmt"
)

// ExecKind subtypes an ExecutionError. Using a closed type keeps the retry
// policy in the orchestrator a simple switch.
type ExecKind string

const (
	ExecTimeout          ExecKind = "timeout"
	ExecSelectorNotFound ExecKind = "selector_not_found"
	ExecActionFailed     ExecKind = "action_failed"
)

// ExtractionError means the page digest could not be produced (page
// unreachable, navigation mid-flight, script evaluation broken). Retryable a
// bounded number of times within a step.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("page digest extraction failed for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("page digest extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// PlanningError means the oracle's output was unparseable or failed schema
// validation. Raw carries the offending response for the repair prompt.
type PlanningError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed: %s", e.Reason)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// ExecutionError means a planned action could not be performed against the
// live session.
type ExecutionError struct {
	Kind     ExecKind
	Action   ActionType
	Selector string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Selector != "" {
		return fmt.Sprintf("%s execution failed (%s) on %q: %v", e.Action, e.Kind, e.Selector, e.Err)
	}
	return fmt.Sprintf("%s execution failed (%s): %v", e.Action, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a bounded-timeout expiry.
func (e *ExecutionError) Timeout() bool { return e.Kind == ExecTimeout }

// ClassificationError is non-fatal: the orchestrator logs it and records the
// step with neutral sentiment and no bug.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// AsExecution unwraps err to an ExecutionError if one is in the chain.
func AsExecution(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsTimeout reports whether err carries a timeout-kind execution failure.
func IsTimeout(err error) bool {
	if ee, ok := AsExecution(err); ok {
		return ee.Timeout()
	}
	return false
}

// IsSelectorNotFound reports whether err means the target element was absent.
func IsSelectorNotFound(err error) bool {
	if ee, ok := AsExecution(err); ok {
		return ee.Kind == ExecSelectorNotFound
	}
	return false
}
