// Package gate decides whether generated SQL may reach the database.
package gate

import "strings"

// Rule identifiers reported in violations.
const (
	RuleSyntax   = "syntax_error"
	RuleReadOnly = "read_only"
)

// Gate defines the interface for SQL gates.
type Gate interface {
	// Evaluate cleans and checks a raw model response.
	Evaluate(raw string) *GateResult

	// Name returns the gate identifier.
	Name() string
}

// GateResult contains the outcome of a gate evaluation.
type GateResult struct {
	Passed      bool        `json:"passed"`
	Score       int         `json:"score"`
	SQL         string      `json:"sql"`
	Statement   string      `json:"statement,omitempty"`
	Violations  []Violation `json:"violations,omitempty"`
	RepairHints []string    `json:"repair_hints,omitempty"`
}

// Violation describes a specific reason a statement was refused.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"` // "error", "warning", "info"
	Message    string `json:"message"`
	Location   string `json:"location,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// NewPassingResult creates a result indicating the gate passed.
func NewPassingResult(score int) *GateResult {
	return &GateResult{
		Passed: true,
		Score:  score,
	}
}

// NewFailingResult creates a result indicating the gate failed.
func NewFailingResult(score int, violations []Violation, hints []string) *GateResult {
	return &GateResult{
		Passed:      false,
		Score:       score,
		Violations:  violations,
		RepairHints: hints,
	}
}

// Message joins violation messages into the diagnostic fed back to generation.
func (r *GateResult) Message() string {
	if r == nil || len(r.Violations) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Rule returns the rule of the first violation, or "" when the result passed.
func (r *GateResult) Rule() string {
	if r == nil || len(r.Violations) == 0 {
		return ""
	}
	return r.Violations[0].Rule
}
