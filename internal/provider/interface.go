// Package provider defines the LLM provider adapter interface, the
// concrete adapters (ollama, huggingface, openai, anthropic, stub),
// and the registry that tracks per-provider availability and health.
package provider

import (
	"context"

	"github.com/relago-ai/relago/pkg/types"
)

// Request is a unified completion request handed to an adapter.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is a unified non-streaming completion.
type Response struct {
	Content string
	Usage   types.TokenUsage
}

// Chunk is one increment of a streaming completion. Done is set on the
// final chunk, which may also carry usage; Err reports a mid-stream
// fault and terminates the stream.
type Chunk struct {
	Content string
	Done    bool
	Usage   *types.TokenUsage
	Err     error
}

// Provider is the capability set every LLM backend implements. Both
// calls honor ctx cancellation at every I/O step.
type Provider interface {
	// ID returns the provider identifier, matching the catalog.
	ID() string

	// Complete performs a blocking completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// CompleteStream performs a streaming completion. The returned
	// channel is closed after the Done (or Err) chunk.
	CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
