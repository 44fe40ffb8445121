// Package pipeline answers a question about a database by looking up schema
// context, generating SQL, validating it with a bounded repair loop, executing
// it and narrating the rows.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/completion"
	"github.com/IM-26-AI/QueryMind/pkg/config"
	"github.com/IM-26-AI/QueryMind/pkg/evidence"
	"github.com/IM-26-AI/QueryMind/pkg/executor"
	"github.com/IM-26-AI/QueryMind/pkg/gate"
	"github.com/IM-26-AI/QueryMind/pkg/schemaindex"
)

const (
	// MaxRetries is the repair ceiling: generation is re-invoked only while RetryCount is below it.
	MaxRetries = 3
	// SchemaTopK is how many schema documents are retrieved per run.
	SchemaTopK = 3
	// PlaceholderSummary replaces the narration when the narrator fails.
	PlaceholderSummary = "A summary could not be generated; the query results are shown below."
)

// Stage names as reported in errors, logs and evidence.
const (
	StageSchemaLookup = "schema_lookup"
	StageGenerate     = "generate"
	StageValidate     = "validate"
	StageExecute      = "execute"
	StageNarrate      = "narrate"
	stageDone         = "done"
)

// Completer sends one system+user exchange to a text-completion service.
type Completer interface {
	Complete(ctx context.Context, system, user string) (completion.Result, error)
}

// SchemaIndex returns the k schema documents most relevant to text.
type SchemaIndex interface {
	Query(ctx context.Context, text string, k int) ([]schemaindex.Document, error)
}

// Dependencies are the collaborators a run calls.
type Dependencies struct {
	Index     SchemaIndex
	Generator Completer
	// Narrator defaults to Generator.
	Narrator Completer
	// Gate defaults to the PostgreSQL read-only gate.
	Gate     gate.Gate
	Executor executor.Executor
}

// Orchestrator drives runs. It holds no per-run state and is safe for concurrent use.
type Orchestrator struct {
	deps         Dependencies
	dialect      string
	timeouts     config.Timeouts
	evidenceDir  string
	signer       *evidence.Signer
	maxBudgetUSD float64
	logger       *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger; runs add a run_id field.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialect names the SQL dialect in generation prompts.
func WithDialect(dialect string) Option {
	return func(o *Orchestrator) {
		if dialect != "" {
			o.dialect = dialect
		}
	}
}

// WithTimeouts bounds each collaborator call. Zero durations mean no bound.
func WithTimeouts(t config.Timeouts) Option {
	return func(o *Orchestrator) {
		o.timeouts = t
	}
}

// WithEvidenceDir writes a diagnostic bundle for every run under dir.
func WithEvidenceDir(dir string) Option {
	return func(o *Orchestrator) {
		o.evidenceDir = dir
	}
}

// WithSigner seals each evidence bundle with a signed manifest.
func WithSigner(s *evidence.Signer) Option {
	return func(o *Orchestrator) {
		o.signer = s
	}
}

// WithBudget stops a run from making further completion calls once its
// estimated spend reaches maxUSD.
func WithBudget(maxUSD float64) Option {
	return func(o *Orchestrator) {
		o.maxBudgetUSD = maxUSD
	}
}

// New validates deps and builds an Orchestrator.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Index == nil {
		return nil, fmt.Errorf("schema index is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Narrator == nil {
		deps.Narrator = deps.Generator
	}
	if deps.Gate == nil {
		deps.Gate = gate.NewSQLGate(nil)
	}

	o := &Orchestrator{
		deps:    deps,
		dialect: "PostgreSQL",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Decision is the router's verdict after validation.
type Decision int

const (
	DecisionProceed Decision = iota
	DecisionRetry
)

// Route returns DecisionRetry iff the last validation failed and the repair
// ceiling has not been reached.
func Route(st State) Decision {
	if msg, ok := st.Error.Get(); ok && msg != "" && st.RetryCount < MaxRetries {
		return DecisionRetry
	}
	return DecisionProceed
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
