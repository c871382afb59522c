package lane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/pkg/types"
)

// QdrantStore implements VectorStore against Qdrant's HTTP search API.
type QdrantStore struct {
	client     *http.Client
	apiBase    string
	apiKey     string
	collection string
}

// QdrantConfig holds configuration for the Qdrant store.
type QdrantConfig struct {
	APIBase    string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewQdrantStore creates a Qdrant-backed vector store.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("qdrant api_base is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &QdrantStore{
		client:     &http.Client{Timeout: cfg.Timeout},
		apiBase:    cfg.APIBase,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
	}, nil
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      any     `json:"id"`
		Score   float64 `json:"score"`
		Payload struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"payload"`
	} `json:"result"`
}

// Search finds similar points in Qdrant. Cosine scores come back in
// [0,1] already (1 = identical).
func (q *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]types.Source, error) {
	if topK <= 0 {
		topK = 5
	}

	searchBody := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	bodyBytes, err := json.Marshal(searchBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("search failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var searchResp qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]types.Source, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, types.Source{
			ID:         fmt.Sprintf("vec-%v", r.ID),
			Title:      r.Payload.Title,
			URL:        r.Payload.URL,
			Snippet:    truncateSnippet(r.Payload.Snippet),
			Score:      clampScore(r.Score),
			OriginLane: types.LaneVector,
		})
	}
	return out, nil
}
