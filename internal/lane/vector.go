package lane

import (
	"context"
	"fmt"

	"github.com/relago-ai/relago/pkg/types"
)

// VectorLane retrieves semantically similar documents: embed the query
// (cached by hash), then ANN search against the configured store.
type VectorLane struct {
	embedder Embedder
	store    VectorStore
}

// NewVectorLane creates the vector lane.
func NewVectorLane(embedder Embedder, store VectorStore) *VectorLane {
	return &VectorLane{embedder: embedder, store: store}
}

// Name returns the lane identifier.
func (l *VectorLane) Name() types.LaneName { return types.LaneVector }

func (l *VectorLane) fetch(ctx context.Context, req types.LaneRequest) ([]types.Source, error) {
	vec, err := l.embedder.Embed(ctx, req.QueryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	items, err := l.store.Search(ctx, vec, req.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return items, nil
}
