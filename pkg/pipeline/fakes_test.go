package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IM-26-AI/QueryMind/pkg/adapter"
	"github.com/IM-26-AI/QueryMind/pkg/completion"
	"github.com/IM-26-AI/QueryMind/pkg/executor"
	"github.com/IM-26-AI/QueryMind/pkg/schemaindex"
)

type fakeIndex struct {
	docs  []schemaindex.Document
	err   error
	calls atomic.Int32
}

func (f *fakeIndex) Query(ctx context.Context, text string, k int) ([]schemaindex.Document, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.docs) > k {
		return f.docs[:k], nil
	}
	return f.docs, nil
}

// scriptedCompleter answers with responses in order and repeats the last one.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	block     bool
	cost      float64
	users     []string
	systems   []string
}

func newCompleter(responses ...string) *scriptedCompleter {
	return &scriptedCompleter{responses: responses}
}

func (s *scriptedCompleter) Complete(ctx context.Context, system, user string) (completion.Result, error) {
	s.mu.Lock()
	idx := len(s.users)
	s.users = append(s.users, user)
	s.systems = append(s.systems, system)
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return completion.Result{}, ctx.Err()
	}
	if s.err != nil {
		return completion.Result{}, s.err
	}

	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return completion.Result{
		Text:  s.responses[idx],
		Calls: []adapter.CallReport{{Adapter: "fake", Model: "fake-1", Cost: adapter.Cost{Currency: "USD", Amount: s.cost}}},
	}, nil
}

func (s *scriptedCompleter) prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.users))
	copy(out, s.users)
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	records []executor.Record
	err     error
	queries []string
}

func (f *fakeExecutor) Execute(ctx context.Context, query string) ([]executor.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

func productsIndex() *fakeIndex {
	return &fakeIndex{docs: []schemaindex.Document{
		{Name: "products", Content: "Table products(id, name, price)"},
	}}
}

func productRows() []executor.Record {
	cols := []string{"id", "name", "price"}
	return []executor.Record{
		{Columns: cols, Values: []any{int64(1), "Lamp", "19.99"}},
		{Columns: cols, Values: []any{int64(2), "Desk", "149.00"}},
	}
}
