package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/config"
	"github.com/IM-26-AI/QueryMind/pkg/evidence"
	"github.com/IM-26-AI/QueryMind/pkg/gate"
	"github.com/IM-26-AI/QueryMind/pkg/prompt"
)

type targeted interface {
	Target() config.RouteTarget
}

// lookup retrieves the schema documents for the question once per run.
func (r *run) lookup(ctx context.Context, st State) (State, error) {
	callCtx, cancel := withTimeout(ctx, r.o.timeouts.Lookup)
	defer cancel()

	docs, err := r.o.deps.Index.Query(callCtx, st.Question, SchemaTopK)
	if err != nil {
		return st, failure(ctx, StageSchemaLookup, KindRetrieval, err)
	}

	texts := make([]string, 0, len(docs))
	for _, doc := range docs {
		texts = append(texts, doc.Content)
	}
	st.SchemaContext = strings.Join(texts, "\n\n")

	if len(docs) == 0 {
		r.logger.Warn("no schema documents matched the question")
	}
	return st, nil
}

// generate asks the completion service for SQL, with correction framing when
// the previous attempt failed validation.
func (r *run) generate(ctx context.Context, st State) (State, error) {
	if err := r.tracker.CheckBudget(); err != nil {
		return st, stageErr(StageGenerate, KindBudget, err)
	}

	in := prompt.Generation{
		Question: st.Question,
		Schema:   st.SchemaContext,
		Dialect:  r.o.dialect,
	}
	if msg, ok := st.Error.Get(); ok {
		in.Error = msg
		in.PreviousSQL = st.SQLQuery.OrZero()
		in.Repeated = r.repeats > 0
	}
	system := prompt.GenerationSystem(r.o.dialect)
	user := prompt.GenerationUser(in)

	rec := r.stageRecord(StageGenerate)
	if t, ok := r.o.deps.Generator.(targeted); ok {
		rec.Adapter, rec.Model = t.Target().Adapter, t.Target().Model
	}
	attempt := evidence.AttemptRecord{
		Attempt:    r.generations + 1,
		PromptHash: evidence.Hash([]byte(system + "\n\n" + user)),
	}
	if r.writer != nil {
		if ref, _, err := r.writer.WriteBlob("prompt", []byte(system+"\n\n"+user)); err == nil {
			attempt.PromptRef = ref
		}
	}

	callCtx, cancel := withTimeout(ctx, r.o.timeouts.Generate)
	defer cancel()

	start := time.Now()
	res, err := r.o.deps.Generator.Complete(callCtx, system, user)
	r.tracker.Record(res.Calls)
	attempt.DurationMillis = time.Since(start).Milliseconds()
	r.generations++
	if err != nil {
		rec.Attempts = append(rec.Attempts, attempt)
		return st, failure(ctx, StageGenerate, KindGeneration, err)
	}

	attempt.RawSQL = res.Text
	rec.Attempts = append(rec.Attempts, attempt)

	r.logger.Debug("sql generated", zap.Int("attempt", r.generations), zap.Bool("repair", in.IsRepair()))
	st.SQLQuery = Some(res.Text)
	return st, nil
}

// validate strips fences, parses and admits only read-only selects.
func (r *run) validate(_ context.Context, st State) (State, error) {
	raw := st.SQLQuery.OrZero()
	result := r.o.deps.Gate.Evaluate(raw)
	r.recordVerdict(result)

	if result.Passed {
		st.SQLQuery = Some(result.SQL)
		st.Error = None[string]()
		return st, nil
	}

	if raw == r.lastFailedSQL {
		r.repeats++
	}
	r.lastFailedSQL = raw

	st.Error = Some(result.Message())
	st.RetryCount++

	kind := KindSafety
	if result.Rule() == gate.RuleSyntax {
		kind = KindSyntax
	}
	r.logger.Warn("generated sql rejected",
		zap.String("kind", string(kind)),
		zap.Int("retry_count", st.RetryCount),
		zap.String("diagnostic", result.Message()))
	return st, nil
}

func (r *run) recordVerdict(result *gate.GateResult) {
	rec := r.stageRecord(StageGenerate)
	if len(rec.Attempts) == 0 {
		return
	}
	last := &rec.Attempts[len(rec.Attempts)-1]
	last.Succeeded = result.Passed
	if result.Passed {
		last.CleanedSQL = result.SQL
	}
	gr := &evidence.GateRecord{
		Name:        r.o.deps.Gate.Name(),
		Passed:      result.Passed,
		Score:       result.Score,
		Statement:   result.Statement,
		RepairHints: result.RepairHints,
	}
	for _, v := range result.Violations {
		gr.Violations = append(gr.Violations, evidence.Violation{
			Rule:       v.Rule,
			Severity:   v.Severity,
			Message:    v.Message,
			Location:   v.Location,
			Suggestion: v.Suggestion,
		})
	}
	last.Gate = gr
}

// execute runs the validated statement; any failure ends the run.
func (r *run) execute(ctx context.Context, st State) (State, error) {
	sql, ok := st.SQLQuery.Get()
	if !ok || st.Error.IsSet() {
		return st, stageErr(StageExecute, KindExecution, errors.New("no validated statement to execute"))
	}

	callCtx, cancel := withTimeout(ctx, r.o.timeouts.Execute)
	defer cancel()

	records, err := r.o.deps.Executor.Execute(callCtx, sql)
	if err != nil {
		return st, failure(ctx, StageExecute, KindExecution, err)
	}
	st.QueryResult = Some(records)
	return st, nil
}

// narrate summarizes the rows. A narrator failure degrades to a placeholder summary.
func (r *run) narrate(ctx context.Context, st State) (State, error) {
	rec := r.stageRecord(StageNarrate)
	if t, ok := r.o.deps.Narrator.(targeted); ok {
		rec.Adapter, rec.Model = t.Target().Adapter, t.Target().Model
	}

	if err := r.tracker.CheckBudget(); err != nil {
		return r.degrade(st, err), nil
	}

	callCtx, cancel := withTimeout(ctx, r.o.timeouts.Narrate)
	defer cancel()

	res, err := r.o.deps.Narrator.Complete(callCtx,
		prompt.NarrationSystem(),
		prompt.NarrationUser(st.Question, st.SQLQuery.OrZero(), st.QueryResult.OrZero()))
	r.tracker.Record(res.Calls)
	if err != nil {
		if ctx.Err() != nil {
			return st, stageErr(StageNarrate, KindCanceled, err)
		}
		return r.degrade(st, err), nil
	}

	summary := strings.TrimSpace(res.Text)
	if summary == "" {
		return r.degrade(st, errors.New("empty narration")), nil
	}
	st.FinalAnswer = Some(summary)
	return st, nil
}

func (r *run) degrade(st State, err error) State {
	warning := stageErr(StageNarrate, KindNarration, err).Error()
	r.warnings = append(r.warnings, warning)
	r.stageRecord(StageNarrate).Error = warning
	r.logger.Warn("narration degraded", zap.Error(err))
	st.FinalAnswer = Some(PlaceholderSummary)
	return st
}
