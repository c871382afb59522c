package streaming

import (
	"context"
	"sync"

	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/pkg/types"
)

// ProviderChunkSource adapts a provider stream channel to ChunkSource
// and accumulates token usage off the final chunk.
type ProviderChunkSource struct {
	ch <-chan provider.Chunk

	mu    sync.Mutex
	usage *types.TokenUsage
}

// NewProviderChunkSource wraps ch.
func NewProviderChunkSource(ch <-chan provider.Chunk) *ProviderChunkSource {
	return &ProviderChunkSource{ch: ch}
}

// Next returns the next chunk from the provider stream.
func (p *ProviderChunkSource) Next(ctx context.Context) (string, bool, error) {
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case c, ok := <-p.ch:
		if !ok {
			return "", true, nil
		}
		if c.Err != nil {
			return "", false, c.Err
		}
		if c.Usage != nil {
			p.mu.Lock()
			p.usage = c.Usage
			p.mu.Unlock()
		}
		return c.Content, c.Done, nil
	}
}

// Usage returns the accumulated token usage, nil when the provider
// never reported it.
func (p *ProviderChunkSource) Usage() *types.TokenUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}
