package prompt

import (
	"strings"
	"testing"

	"github.com/IM-26-AI/QueryMind/pkg/executor"
)

func TestGenerationUserFirstAttempt(t *testing.T) {
	g := Generation{Question: "How many users?", Schema: "Table: users"}
	got := GenerationUser(g)

	if !strings.Contains(got, "Table: users") || !strings.Contains(got, "How many users?") {
		t.Fatalf("prompt missing schema or question: %q", got)
	}
	if strings.Contains(got, "previously generated") {
		t.Fatalf("first attempt must not carry correction framing: %q", got)
	}
}

func TestGenerationUserRepairIncludesError(t *testing.T) {
	g := Generation{
		Question:    "How many users?",
		Schema:      "Table: users",
		Dialect:     "PostgreSQL",
		PreviousSQL: "SELEC COUNT(*) FROM users",
		Error:       `SQL Syntax Error: syntax error at or near "SELEC"`,
		Repeated:    true,
	}
	got := GenerationUser(g)

	for _, want := range []string{
		"You previously generated invalid SQL.",
		`The error was: SQL Syntax Error: syntax error at or near "SELEC"`,
		"SELEC COUNT(*) FROM users",
		"Do NOT repeat",
		"output valid PostgreSQL only",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, got)
		}
	}
}

func TestGenerationSystemNamesDialect(t *testing.T) {
	if got := GenerationSystem(""); !strings.Contains(got, "PostgreSQL") {
		t.Fatalf("expected default dialect, got %q", got)
	}
	if got := GenerationSystem("SQLite"); !strings.Contains(got, "SQLite") {
		t.Fatalf("expected dialect, got %q", got)
	}
}

func TestNarrationUser(t *testing.T) {
	records := []executor.Record{{Columns: []string{"name", "total"}, Values: []any{"Ada", 3}}}
	got := NarrationUser("Who bought most?", "SELECT name, total FROM t", records)

	for _, want := range []string{
		"User Question: Who bought most?",
		"SQL Query Used: SELECT name, total FROM t",
		`Raw Data Results: [{"name":"Ada","total":3}]`,
		"Provide a brief summary:",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, got)
		}
	}
}

func TestFormatRecordsTruncates(t *testing.T) {
	var records []executor.Record
	for i := 0; i < 5; i++ {
		records = append(records, executor.Record{Columns: []string{"n"}, Values: []any{i}})
	}

	got := FormatRecords(records, 2)
	if got != `[{"n":0},{"n":1}] (showing 2 of 5 rows)` {
		t.Fatalf("unexpected rendering %q", got)
	}
	if FormatRecords(nil, 2) != "[] (no rows)" {
		t.Fatalf("unexpected empty rendering")
	}
}
