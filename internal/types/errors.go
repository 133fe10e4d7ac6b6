package types

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for the orchestration pipeline. Callers check these
// with errors.Is; all of them are recoverable at some level of the plan.
var (
	// ErrClassificationAmbiguous means intent could not be determined.
	// Non-fatal: the decomposer falls back to the direct strategy.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")

	// ErrSubQueryTimeout means one sub-query exceeded its per-call timeout.
	// That sub-query is dropped; aggregation proceeds with the remainder.
	ErrSubQueryTimeout = errors.New("sub-query timeout")

	// ErrRecursionLimit means a recursive sub-call exceeded the depth
	// ceiling. The caller treats this as skip-and-continue, never as a
	// plan-level failure.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrUpstreamCall means the LLM call failed after bounded retries.
	ErrUpstreamCall = errors.New("upstream call failed")

	// ErrPlanTimeout means the plan-level deadline elapsed. Remaining
	// sub-queries are skipped; aggregation runs on partial results.
	ErrPlanTimeout = errors.New("plan timeout")
)

// SubQueryError attaches diagnosis detail to a failed sub-query without
// leaking stack traces to the user.
type SubQueryError struct {
	SubQueryID string
	Depth      int
	Kind       error
	Cause      error
}

// Error returns a plain-language message with structured detail.
func (e *SubQueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sub-query %s (depth %d): %v: %v", e.SubQueryID, e.Depth, e.Kind, e.Cause)
	}
	return fmt.Sprintf("sub-query %s (depth %d): %v", e.SubQueryID, e.Depth, e.Kind)
}

// Unwrap exposes the sentinel kind for errors.Is checks.
func (e *SubQueryError) Unwrap() error { return e.Kind }

// NewSubQueryError wraps a failure with its sub-query id and depth.
func NewSubQueryError(id string, depth int, kind, cause error) *SubQueryError {
	return &SubQueryError{SubQueryID: id, Depth: depth, Kind: kind, Cause: cause}
}
