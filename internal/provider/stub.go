package provider

import (
	"context"
	"strings"

	"github.com/relago-ai/relago/pkg/types"
)

// StubID is the identifier of the always-available fallback provider.
const StubID = "local_stub"

// StubAnswer is the generic sentinel answer returned when every real
// provider is unavailable. Non-empty by contract.
const StubAnswer = "I could not reach a language model to synthesize an answer right now. " +
	"The retrieved sources below may still be useful."

// Stub is the emergency fallback provider. It needs no credentials,
// performs no I/O, and never fails, so the router always has a
// candidate and clients never see a hard failure for provider faults.
type Stub struct{}

// NewStub creates the stub provider.
func NewStub() *Stub { return &Stub{} }

// ID returns the provider identifier.
func (s *Stub) ID() string { return StubID }

// Complete returns the canned answer.
func (s *Stub) Complete(_ context.Context, req Request) (*Response, error) {
	return &Response{
		Content: StubAnswer,
		Usage: types.TokenUsage{
			PromptTokens:     estimateTokens(req.Prompt),
			CompletionTokens: estimateTokens(StubAnswer),
			TotalTokens:      estimateTokens(req.Prompt) + estimateTokens(StubAnswer),
		},
	}, nil
}

// CompleteStream streams the canned answer word by word so the SSE
// path exercises the same machinery as real providers.
func (s *Stub) CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)
	go func() {
		defer close(out)

		words := strings.SplitAfter(StubAnswer, " ")
		for _, w := range words {
			if !sendChunk(ctx, out, Chunk{Content: w}) {
				return
			}
		}
		usage := types.TokenUsage{
			PromptTokens:     estimateTokens(req.Prompt),
			CompletionTokens: estimateTokens(StubAnswer),
			TotalTokens:      estimateTokens(req.Prompt) + estimateTokens(StubAnswer),
		}
		sendChunk(ctx, out, Chunk{Done: true, Usage: &usage})
	}()
	return out, nil
}

// estimateTokens approximates token count at 4 characters per token,
// the same heuristic the router uses for context-fit checks.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
