package pipeline

import (
	"encoding/json"

	"github.com/IM-26-AI/QueryMind/pkg/executor"
)

// Optional holds a value that may be absent.
type Optional[T any] struct {
	value T
	set   bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value is present.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// OrZero returns the value or T's zero value.
func (o Optional[T]) OrZero() T {
	return o.value
}

// MarshalJSON renders an absent value as null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// State is the data one run carries between stages. Stages receive it by value
// and return the updated copy; nothing outside Run keeps a reference.
type State struct {
	Question      string                      `json:"question"`
	SchemaContext string                      `json:"schema_context"`
	SQLQuery      Optional[string]            `json:"sql_query"`
	QueryResult   Optional[[]executor.Record] `json:"query_result"`
	// Error is set only while the most recent validation failed.
	Error       Optional[string] `json:"error"`
	RetryCount  int              `json:"retry_count"`
	FinalAnswer Optional[string] `json:"final_answer"`
}

// NewState starts a run for question.
func NewState(question string) State {
	return State{Question: question}
}
