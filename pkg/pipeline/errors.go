package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a run failure.
type Kind string

const (
	KindRetrieval            Kind = "retrieval"
	KindGeneration           Kind = "generation"
	KindSyntax               Kind = "syntax"
	KindSafety               Kind = "safety"
	KindRetryBudgetExhausted Kind = "retry_budget_exhausted"
	KindExecution            Kind = "execution"
	KindNarration            Kind = "narration"
	KindBudget               Kind = "cost_budget"
	KindCanceled             Kind = "canceled"
)

// StageError is a failure surfaced to the caller with the stage it came from.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf returns the Kind of a *StageError in err's chain, or "".
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
