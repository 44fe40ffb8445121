package adapter

import (
	"context"
	"sync"
)

// MockAdapter returns scripted responses for local runs and tests.
// Responses are served in order; the last one repeats once the script runs out.
type MockAdapter struct {
	mu        sync.Mutex
	responses []string
	requests  []Request
	Usage     *Usage
}

// NewMockAdapter creates a mock adapter that answers with the given responses in order.
func NewMockAdapter(responses ...string) *MockAdapter {
	if len(responses) == 0 {
		responses = []string{"SELECT 1;"}
	}
	return &MockAdapter{responses: responses}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns the next scripted response.
func (a *MockAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if model == "" {
		model = "mock-1"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := len(a.requests)
	if idx >= len(a.responses) {
		idx = len(a.responses) - 1
	}
	a.requests = append(a.requests, req)

	return &Response{
		Content: a.responses[idx],
		Adapter: a.Name(),
		Model:   model,
		Usage:   a.Usage,
	}, nil
}

// Requests returns a copy of every request seen so far.
func (a *MockAdapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Request, len(a.requests))
	copy(out, a.requests)
	return out
}
