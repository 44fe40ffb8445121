package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/IM-26-AI/QueryMind/pkg/config"
	"github.com/IM-26-AI/QueryMind/pkg/evidence"
	"github.com/IM-26-AI/QueryMind/pkg/gate"
	"github.com/IM-26-AI/QueryMind/pkg/schemaindex"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOrchestrator(t *testing.T, deps Dependencies, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(deps, opts...)
	require.NoError(t, err)
	return o
}

func TestHappyPath(t *testing.T) {
	index := productsIndex()
	generator := newCompleter("SELECT * FROM products;")
	narrator := newCompleter("There are two products: a lamp and a desk.")
	exec := &fakeExecutor{records: productRows()}

	o := newOrchestrator(t, Dependencies{Index: index, Generator: generator, Narrator: narrator, Executor: exec})
	result, err := o.Run(context.Background(), "list all products")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 0, result.RetryCount)
	assert.Equal(t, 1, result.Generations)
	assert.Equal(t, "SELECT * FROM products;", result.SQLQuery)
	assert.Equal(t, []string{"SELECT * FROM products;"}, exec.executed())
	assert.Len(t, result.Results, 2)
	assert.Equal(t, "There are two products: a lamp and a desk.", result.Summary)
	assert.NotEmpty(t, result.RunID)

	assert.EqualValues(t, 1, index.calls.Load())
	assert.Contains(t, generator.prompts()[0], "Table products(id, name, price)")
	assert.Contains(t, narrator.prompts()[0], "User Question: list all products")
	assert.Contains(t, narrator.prompts()[0], `"name":"Lamp"`)
}

func TestOneRepair(t *testing.T) {
	bad := "SELECT id, name, FROM products"
	index := productsIndex()
	generator := newCompleter(bad, "SELECT id, name FROM products")
	exec := &fakeExecutor{records: productRows()}

	o := newOrchestrator(t, Dependencies{Index: index, Generator: generator, Narrator: newCompleter("Two products."), Executor: exec})
	result, err := o.Run(context.Background(), "list all products")
	require.NoError(t, err)

	assert.Equal(t, 1, result.RetryCount)
	assert.Equal(t, 2, result.Generations)
	assert.Equal(t, []string{"SELECT id, name FROM products"}, exec.executed())
	assert.EqualValues(t, 1, index.calls.Load(), "schema lookup runs once per run")

	diagnostic := gate.NewSQLGate(nil).Evaluate(bad).Message()
	require.Contains(t, diagnostic, "SQL Syntax Error")
	prompts := generator.prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "previously generated")
	assert.Contains(t, prompts[1], diagnostic)
	assert.Contains(t, prompts[1], bad)
}

func TestUnsafeStatementNeverExecuted(t *testing.T) {
	generator := newCompleter("DROP TABLE products;")
	exec := &fakeExecutor{}

	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: generator, Executor: exec})
	result, err := o.Run(context.Background(), "remove the products table")
	require.Error(t, err)

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, KindRetryBudgetExhausted, KindOf(err))
	assert.Equal(t, StageValidate, result.FailedStage)
	assert.Equal(t, MaxRetries, result.RetryCount)
	assert.Equal(t, MaxRetries, result.Generations)
	assert.Contains(t, result.ErrorDetail, "Security Alert: Only SELECT statements are allowed.")
	assert.Empty(t, exec.executed())
	assert.Empty(t, result.Summary)
}

func TestDeleteRejectedThenRepaired(t *testing.T) {
	generator := newCompleter("DELETE FROM users;", "SELECT * FROM users")
	exec := &fakeExecutor{}

	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: generator, Narrator: newCompleter("No users."), Executor: exec})
	result, err := o.Run(context.Background(), "clean up users")
	require.NoError(t, err)

	assert.Equal(t, 1, result.RetryCount)
	assert.Equal(t, []string{"SELECT * FROM users"}, exec.executed())
	assert.Contains(t, generator.prompts()[1], "Security Alert")
}

func TestBoundedTermination(t *testing.T) {
	generator := newCompleter("SELEC nonsense FROM")
	exec := &fakeExecutor{}

	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: generator, Executor: exec})
	result, err := o.Run(context.Background(), "anything")
	require.Error(t, err)

	assert.Equal(t, 3, result.RetryCount)
	assert.LessOrEqual(t, len(generator.prompts()), 4)
	assert.Equal(t, KindRetryBudgetExhausted, KindOf(err))
	assert.Empty(t, exec.executed())
	assert.Contains(t, generator.prompts()[2], "Do NOT repeat", "identical failures are flagged on later attempts")
}

func TestFencedResponseIsCleanedBeforeExecution(t *testing.T) {
	exec := &fakeExecutor{}
	o := newOrchestrator(t, Dependencies{
		Index:     productsIndex(),
		Generator: newCompleter("```sql\nSELECT name FROM products\n```"),
		Narrator:  newCompleter("ok"),
		Executor:  exec,
	})

	result, err := o.Run(context.Background(), "product names")
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM products", result.SQLQuery)
	assert.Equal(t, []string{"SELECT name FROM products"}, exec.executed())
}

func TestRetrievalFailureIsFatal(t *testing.T) {
	generator := newCompleter("SELECT 1")
	o := newOrchestrator(t, Dependencies{Index: &fakeIndex{err: errors.New("index unavailable")}, Generator: generator, Executor: &fakeExecutor{}})

	result, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, KindRetrieval, KindOf(err))
	assert.Equal(t, StageSchemaLookup, result.FailedStage)
	assert.Contains(t, result.ErrorDetail, "index unavailable")
	assert.Empty(t, generator.prompts())
}

func TestEmptySchemaContextIsValid(t *testing.T) {
	generator := newCompleter("SELECT 1")
	o := newOrchestrator(t, Dependencies{Index: &fakeIndex{}, Generator: generator, Narrator: newCompleter("one"), Executor: &fakeExecutor{}})

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestGenerationFailureIsFatal(t *testing.T) {
	generator := &scriptedCompleter{err: errors.New("provider down")}
	exec := &fakeExecutor{}
	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: generator, Executor: exec})

	_, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, KindGeneration, KindOf(err))
	assert.Len(t, generator.prompts(), 1)
	assert.Empty(t, exec.executed())
}

func TestGenerationTimeoutIsFatal(t *testing.T) {
	generator := &scriptedCompleter{block: true}
	o := newOrchestrator(t,
		Dependencies{Index: productsIndex(), Generator: generator, Executor: &fakeExecutor{}},
		WithTimeouts(config.Timeouts{Generate: 20 * time.Millisecond}))

	_, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, KindGeneration, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutionFailureIsNotRetried(t *testing.T) {
	generator := newCompleter("SELECT missing FROM products")
	exec := &fakeExecutor{err: errors.New(`column "missing" does not exist`)}
	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: generator, Executor: exec})

	result, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, KindExecution, KindOf(err))
	assert.Equal(t, StageExecute, result.FailedStage)
	assert.Equal(t, 1, result.Generations)
	assert.Len(t, exec.executed(), 1)
}

func TestNarrationFailureDegrades(t *testing.T) {
	narrator := &scriptedCompleter{err: errors.New("narrator down")}
	o := newOrchestrator(t, Dependencies{
		Index:     productsIndex(),
		Generator: newCompleter("SELECT * FROM products"),
		Narrator:  narrator,
		Executor:  &fakeExecutor{records: productRows()},
	})

	result, err := o.Run(context.Background(), "list all products")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, PlaceholderSummary, result.Summary)
	assert.Len(t, result.Results, 2)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "narrator down")
}

func TestCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	index := productsIndex()
	o := newOrchestrator(t, Dependencies{Index: index, Generator: newCompleter("SELECT 1"), Executor: &fakeExecutor{}})
	result, err := o.Run(ctx, "q")
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, StageSchemaLookup, result.FailedStage)
	assert.EqualValues(t, 0, index.calls.Load())
}

func TestCanceledDuringGeneration(t *testing.T) {
	defer goleak.VerifyNone(t)

	generator := &scriptedCompleter{block: true}
	exec := &fakeExecutor{}
	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: generator, Executor: exec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, "q")
		done <- err
	}()

	require.Eventually(t, func() bool { return len(generator.prompts()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, KindCanceled, KindOf(err))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.Empty(t, exec.executed())
}

func TestCostBudgetStopsGeneration(t *testing.T) {
	generator := newCompleter("DROP TABLE products;")
	generator.cost = 0.5

	o := newOrchestrator(t,
		Dependencies{Index: productsIndex(), Generator: generator, Executor: &fakeExecutor{}},
		WithBudget(0.4))
	result, err := o.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, KindBudget, KindOf(err))
	assert.Len(t, generator.prompts(), 1)
	assert.True(t, result.Cost.Exceeded)
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	o := newOrchestrator(t, Dependencies{
		Index:     productsIndex(),
		Generator: newCompleter("DELETE FROM products", "SELECT * FROM products"),
		Narrator:  newCompleter("summary"),
		Executor:  &fakeExecutor{records: productRows()},
	})

	var g errgroup.Group
	results := make([]*Result, 16)
	for i := range results {
		g.Go(func() error {
			res, err := o.Run(context.Background(), fmt.Sprintf("question %d", i))
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("question %d", i), res.Question)
		assert.LessOrEqual(t, res.RetryCount, 1)
		assert.False(t, seen[res.RunID], "run ids must be unique")
		seen[res.RunID] = true
	}
}

func TestEvidenceBundle(t *testing.T) {
	dir := t.TempDir()
	o := newOrchestrator(t,
		Dependencies{
			Index:     productsIndex(),
			Generator: newCompleter("UPDATE products SET price = 0", "SELECT * FROM products"),
			Narrator:  newCompleter("ok"),
			Executor:  &fakeExecutor{},
		},
		WithEvidenceDir(dir))

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, result.RunID), result.EvidenceDir)

	for _, name := range []string{"run.json", "stages/generate.json", "stages/schema_lookup.json", "stages/narrate.json"} {
		_, err := os.Stat(filepath.Join(result.EvidenceDir, name))
		assert.NoError(t, err, name)
	}
	data, err := os.ReadFile(filepath.Join(result.EvidenceDir, "stages", "generate.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"raw_sql": "UPDATE products SET price = 0"`)
	assert.Contains(t, string(data), `"cleaned_sql": "SELECT * FROM products"`)
}

func TestEvidenceBundleSealed(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(t.TempDir(), "keys")
	signer, err := evidence.NewSigner(keyDir, "test")
	require.NoError(t, err)

	o := newOrchestrator(t,
		Dependencies{
			Index:     productsIndex(),
			Generator: newCompleter("SELECT * FROM products"),
			Narrator:  newCompleter("ok"),
			Executor:  &fakeExecutor{},
		},
		WithEvidenceDir(dir), WithSigner(signer))

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)

	m, err := evidence.Verify(result.EvidenceDir, keyDir)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, m.RunID)
	assert.Contains(t, m.Hashes, "run.json")
}

func TestValidateClearsError(t *testing.T) {
	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: newCompleter("x"), Executor: &fakeExecutor{}})
	r := o.newRun()

	st := NewState("q")
	st.SQLQuery = Some("SELECT 1")
	st.Error = Some("SQL Syntax Error: earlier")
	st.RetryCount = 2

	st, err := r.validate(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, st.Error.IsSet())
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, "SELECT 1", st.SQLQuery.OrZero())
}

func TestValidateSyntaxFailureKeepsRawText(t *testing.T) {
	o := newOrchestrator(t, Dependencies{Index: productsIndex(), Generator: newCompleter("x"), Executor: &fakeExecutor{}})
	r := o.newRun()

	raw := "```sql\nSELEC 1\n```"
	st := NewState("q")
	st.SQLQuery = Some(raw)

	st, err := r.validate(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, raw, st.SQLQuery.OrZero())
	assert.Equal(t, 1, st.RetryCount)
	assert.Contains(t, st.Error.OrZero(), "SQL Syntax Error: ")
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name  string
		err   Optional[string]
		count int
		want  Decision
	}{
		{"no error", None[string](), 0, DecisionProceed},
		{"error under ceiling", Some("bad"), 2, DecisionRetry},
		{"error at ceiling", Some("bad"), 3, DecisionProceed},
		{"empty error", Some(""), 0, DecisionProceed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(State{Error: tt.err, RetryCount: tt.count}))
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Dependencies{Generator: newCompleter("x"), Executor: &fakeExecutor{}})
	assert.Error(t, err)
	_, err = New(Dependencies{Index: &fakeIndex{}, Executor: &fakeExecutor{}})
	assert.Error(t, err)
	_, err = New(Dependencies{Index: &fakeIndex{}, Generator: newCompleter("x")})
	assert.Error(t, err)
}

func TestOptionalJSON(t *testing.T) {
	data, err := Some("x").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(data))

	data, err = None[int]().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

var _ SchemaIndex = (*schemaindex.Store)(nil)
