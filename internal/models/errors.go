package models

import (
	"fmt"
)

// Typed pipeline failures. Only plan generation and synthesis failures
// surface to clients as error events and fail the task; evaluation and
// evidence-source failures are absorbed into the loop, and invalid decisions
// are acknowledged as no-ops.

// PlanGenerationError means the planner could not produce a usable plan,
// counting the retry with the stricter format instruction.
type PlanGenerationError struct {
	Attempts int
	Cause    error
}

func (e *PlanGenerationError) Error() string {
	return fmt.Sprintf("plan generation failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *PlanGenerationError) Unwrap() error { return e.Cause }

// SufficiencyEvaluationError means no sufficiency verdict could be obtained.
// Callers treat it as "insufficient" and keep iterating; under-iterating is
// safer than terminating a task early on a transient failure.
type SufficiencyEvaluationError struct {
	Cause error
}

func (e *SufficiencyEvaluationError) Error() string {
	return fmt.Sprintf("sufficiency evaluation failed: %v", e.Cause)
}

func (e *SufficiencyEvaluationError) Unwrap() error { return e.Cause }

// EvidenceSourceError is one failed gateway invocation. It is recorded on the
// task's evidence and skipped, never fatal.
type EvidenceSourceError struct {
	Source string
	Query  string
	Cause  error
}

func (e *EvidenceSourceError) Error() string {
	return fmt.Sprintf("source %s failed for query %q: %v", e.Source, e.Query, e.Cause)
}

func (e *EvidenceSourceError) Unwrap() error { return e.Cause }

// SynthesisError means report generation failed. It is terminal: the task
// fails without a retry.
type SynthesisError struct {
	Cause error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("report synthesis failed: %v", e.Cause)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }

// InvalidTransitionError reports a decision or transition that is not legal
// in the task's current state. The attempt is discarded, not queued.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: %q not applicable in state %q", e.TaskID, e.Event, e.From)
}
