// Package prompt builds the system and user prompts for SQL generation, repair and narration.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IM-26-AI/QueryMind/pkg/executor"
)

// MaxNarratedRows caps how many result rows are shown to the narrator.
const MaxNarratedRows = 50

// Generation carries everything a generation or repair prompt needs.
type Generation struct {
	Question string
	Schema   string
	Dialect  string

	// PreviousSQL and Error are set when the last attempt failed validation.
	PreviousSQL string
	Error       string
	// Repeated marks that the model returned the same failing SQL more than once.
	Repeated bool
}

// IsRepair reports whether the prompt should carry correction framing.
func (g Generation) IsRepair() bool {
	return strings.TrimSpace(g.Error) != ""
}

// GenerationSystem constrains output to a single statement in the given dialect.
func GenerationSystem(dialect string) string {
	return fmt.Sprintf("You are a SQL Expert. Output ONLY the SQL query for %s. "+
		"Return exactly one read-only SELECT statement, with no explanation.", dialectOrDefault(dialect))
}

// GenerationUser builds the user turn, adding correction framing on repair attempts.
func GenerationUser(g Generation) string {
	var sb strings.Builder

	sb.WriteString("Schema:\n")
	sb.WriteString(g.Schema)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(g.Question)
	sb.WriteString("\n")

	if !g.IsRepair() {
		return sb.String()
	}

	sb.WriteString("\nYou previously generated invalid SQL.\n")
	if g.PreviousSQL != "" {
		sb.WriteString("Previous query:\n---\n")
		sb.WriteString(g.PreviousSQL)
		sb.WriteString("\n---\n")
	}
	sb.WriteString(fmt.Sprintf("The error was: %s\n", g.Error))
	if g.Repeated {
		sb.WriteString("Do NOT repeat the previous query; it has already failed.\n")
	}
	sb.WriteString(fmt.Sprintf("CORRECT your query and output valid %s only.", dialectOrDefault(g.Dialect)))
	return sb.String()
}

// NarrationSystem asks for a plain-language answer without SQL mechanics.
func NarrationSystem() string {
	return "You are a data storyteller. Summarize the database results in a clear, concise way " +
		"to answer the user's question. Do not mention SQL or technical details unless asked."
}

// NarrationUser presents the question, the executed SQL and its rows.
func NarrationUser(question, sql string, records []executor.Record) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("User Question: %s\n", question))
	sb.WriteString(fmt.Sprintf("SQL Query Used: %s\n", sql))
	sb.WriteString(fmt.Sprintf("Raw Data Results: %s\n\n", FormatRecords(records, MaxNarratedRows)))
	sb.WriteString("Provide a brief summary:")
	return sb.String()
}

// FormatRecords renders up to limit records as a JSON array, noting any omitted rows.
func FormatRecords(records []executor.Record, limit int) string {
	if len(records) == 0 {
		return "[] (no rows)"
	}
	shown := records
	if limit > 0 && len(records) > limit {
		shown = records[:limit]
	}
	data, err := json.Marshal(shown)
	if err != nil {
		return fmt.Sprintf("<%d rows, unrenderable: %v>", len(records), err)
	}
	if len(shown) < len(records) {
		return fmt.Sprintf("%s (showing %d of %d rows)", data, len(shown), len(records))
	}
	return string(data)
}

func dialectOrDefault(dialect string) string {
	if dialect == "" {
		return "PostgreSQL"
	}
	return dialect
}
