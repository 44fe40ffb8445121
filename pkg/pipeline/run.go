package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/completion"
	"github.com/IM-26-AI/QueryMind/pkg/evidence"
	"github.com/IM-26-AI/QueryMind/pkg/executor"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is what a caller receives for one question.
type Result struct {
	RunID       string                 `json:"run_id"`
	Question    string                 `json:"question"`
	SQLQuery    string                 `json:"sql_query"`
	Results     []executor.Record      `json:"results"`
	Summary     string                 `json:"summary"`
	Status      Status                 `json:"status"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
	FailedStage string                 `json:"failed_stage,omitempty"`
	ErrorKind   Kind                   `json:"error_kind,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	Generations int                    `json:"generations"`
	Warnings    []string               `json:"warnings,omitempty"`
	Cost        *completion.CostReport `json:"cost,omitempty"`
	EvidenceDir string                 `json:"evidence_dir,omitempty"`
	DurationMs  int64                  `json:"duration_ms"`
}

// Run answers question. On failure the returned error is a *StageError and the
// Result still carries everything the run produced.
func (o *Orchestrator) Run(ctx context.Context, question string) (*Result, error) {
	r := o.newRun()
	start := time.Now()
	r.logger.Info("run started")

	st, err := r.drive(ctx, NewState(question))

	result := r.result(st, err, start)
	r.writeEvidence(result)

	if err != nil {
		r.logger.Error("run failed",
			zap.String("stage", result.FailedStage),
			zap.String("kind", string(result.ErrorKind)),
			zap.Int("retry_count", st.RetryCount),
			zap.Error(err))
		return result, err
	}
	r.logger.Info("run completed",
		zap.Int("retry_count", st.RetryCount),
		zap.Int("rows", len(result.Results)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

type run struct {
	o       *Orchestrator
	id      string
	logger  *zap.Logger
	tracker *completion.Tracker
	writer  *evidence.Writer

	generations   int
	lastFailedSQL string
	repeats       int
	warnings      []string
	stages        map[string]*evidence.StageRecord
}

func (o *Orchestrator) newRun() *run {
	id := uuid.NewString()
	r := &run{
		o:       o,
		id:      id,
		logger:  o.logger.With(zap.String("run_id", id)),
		tracker: completion.NewTracker(o.maxBudgetUSD),
		stages:  make(map[string]*evidence.StageRecord),
	}
	if o.evidenceDir != "" {
		writer, err := evidence.NewWriter(o.evidenceDir, id)
		if err != nil {
			r.logger.Warn("evidence disabled for run", zap.Error(err))
		} else {
			r.writer = writer
		}
	}
	return r
}

// drive steps through the stage graph until Done or a terminal error.
func (r *run) drive(ctx context.Context, st State) (State, error) {
	stage := StageSchemaLookup
	for stage != stageDone {
		if err := ctx.Err(); err != nil {
			return st, stageErr(stage, KindCanceled, err)
		}

		start := time.Now()
		current := stage
		var err error

		switch stage {
		case StageSchemaLookup:
			st, err = r.lookup(ctx, st)
			stage = StageGenerate
		case StageGenerate:
			st, err = r.generate(ctx, st)
			stage = StageValidate
		case StageValidate:
			st, err = r.validate(ctx, st)
			switch {
			case Route(st) == DecisionRetry:
				stage = StageGenerate
			case st.Error.IsSet():
				err = stageErr(StageValidate, KindRetryBudgetExhausted,
					fmt.Errorf("retry budget of %d exhausted: %s", MaxRetries, st.Error.OrZero()))
			default:
				stage = StageExecute
			}
		case StageExecute:
			st, err = r.execute(ctx, st)
			stage = StageNarrate
		case StageNarrate:
			st, err = r.narrate(ctx, st)
			stage = stageDone
		}

		elapsed := time.Since(start)
		r.stageRecord(current).DurationMillis += elapsed.Milliseconds()
		r.logger.Debug("stage finished",
			zap.String("stage", current),
			zap.Int("retry_count", st.RetryCount),
			zap.Duration("duration", elapsed))

		if err != nil {
			r.stageRecord(current).Error = err.Error()
			return st, err
		}
	}
	return st, nil
}

func (r *run) stageRecord(name string) *evidence.StageRecord {
	rec, ok := r.stages[name]
	if !ok {
		rec = &evidence.StageRecord{Name: name}
		r.stages[name] = rec
	}
	return rec
}

// failure classifies a collaborator error, reporting cancellation of the run itself as such.
func failure(parent context.Context, stage string, kind Kind, err error) *StageError {
	if parent.Err() != nil {
		return stageErr(stage, KindCanceled, err)
	}
	return stageErr(stage, kind, err)
}

func (r *run) result(st State, err error, start time.Time) *Result {
	res := &Result{
		RunID:       r.id,
		Question:    st.Question,
		SQLQuery:    st.SQLQuery.OrZero(),
		Results:     st.QueryResult.OrZero(),
		Summary:     st.FinalAnswer.OrZero(),
		Status:      StatusSuccess,
		RetryCount:  st.RetryCount,
		Generations: r.generations,
		Warnings:    r.warnings,
		Cost:        r.tracker.Report(),
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if r.writer != nil {
		res.EvidenceDir = r.writer.RunDir()
	}
	if err != nil {
		res.Status = StatusFailure
		res.ErrorDetail = err.Error()
		var se *StageError
		if errors.As(err, &se) {
			res.FailedStage = se.Stage
			res.ErrorKind = se.Kind
		}
	}
	return res
}

func (r *run) writeEvidence(res *Result) {
	if r.writer == nil {
		return
	}
	for _, rec := range r.stages {
		if err := r.writer.WriteStage(*rec); err != nil {
			r.logger.Warn("write stage evidence", zap.String("stage", rec.Name), zap.Error(err))
		}
	}
	record := evidence.RunRecord{
		ID:           res.RunID,
		Timestamp:    time.Now().UTC(),
		QuestionHash: evidence.Hash([]byte(res.Question)),
		Status:       string(res.Status),
		FailedStage:  res.FailedStage,
		ErrorKind:    string(res.ErrorKind),
		Error:        res.ErrorDetail,
		RetryCount:   res.RetryCount,
		SQL:          res.SQLQuery,
		RowCount:     len(res.Results),
		Warnings:     res.Warnings,
		Cost:         res.Cost,
		DurationMs:   res.DurationMs,
	}
	if err := r.writer.WriteRun(record); err != nil {
		r.logger.Warn("write run evidence", zap.Error(err))
		return
	}
	if r.o.signer != nil {
		if _, err := r.o.signer.Seal(r.writer.RunDir(), res.RunID); err != nil {
			r.logger.Warn("seal evidence", zap.Error(err))
		}
	}
}
