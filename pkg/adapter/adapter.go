package adapter

import (
	"context"
)

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a role-tagged request to the model.
	Generate(ctx context.Context, model string, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Request is a single system + user exchange.
type Request struct {
	System    string
	User      string
	MaxTokens int
}

// DefaultMaxTokens bounds completions when a request does not set MaxTokens.
const DefaultMaxTokens = 2048

func (r Request) maxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}
