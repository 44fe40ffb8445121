// Package evidence writes a per-run diagnostic bundle: run metadata, one file per
// stage with every attempt, and content-addressed prompt blobs.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IM-26-AI/QueryMind/pkg/completion"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	QuestionHash string                 `json:"question_hash"`
	Status       string                 `json:"status"`
	FailedStage  string                 `json:"failed_stage,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	Error        string                 `json:"error,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	SQL          string                 `json:"sql,omitempty"`
	RowCount     int                    `json:"row_count"`
	Warnings     []string               `json:"warnings,omitempty"`
	Cost         *completion.CostReport `json:"cost,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
}

// StageRecord captures evidence for a single stage.
type StageRecord struct {
	Name           string          `json:"name"`
	Adapter        string          `json:"adapter,omitempty"`
	Model          string          `json:"model,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}

// AttemptRecord captures one generation attempt and its verdict.
type AttemptRecord struct {
	Attempt        int         `json:"attempt"`
	PromptHash     string      `json:"prompt_hash,omitempty"`
	PromptRef      string      `json:"prompt_ref,omitempty"`
	RawSQL         string      `json:"raw_sql,omitempty"`
	CleanedSQL     string      `json:"cleaned_sql,omitempty"`
	Gate           *GateRecord `json:"gate,omitempty"`
	Succeeded      bool        `json:"succeeded"`
	DurationMillis int64       `json:"duration_ms"`
}

// GateRecord captures a gate evaluation.
type GateRecord struct {
	Name        string      `json:"name"`
	Passed      bool        `json:"passed"`
	Score       int         `json:"score"`
	Statement   string      `json:"statement,omitempty"`
	Violations  []Violation `json:"violations,omitempty"`
	RepairHints []string    `json:"repair_hints,omitempty"`
}

// Violation mirrors gate violation details.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Location   string `json:"location,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%s.json", record.Name))
	return writeJSON(path, record)
}

// WriteBlob stores content under blobs/<sha256>.txt and returns its relative ref and hash.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sha := Hash(content)
	name := fmt.Sprintf("%s.txt", sha)
	if kind != "" {
		name = fmt.Sprintf("%s-%s.txt", kind, sha)
	}
	ref := filepath.Join("blobs", name)
	path := filepath.Join(w.runDir, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// Hash returns the hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
