package lane

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/relago-ai/relago/pkg/types"
)

// VectorStore performs approximate-nearest-neighbor search over an
// indexed document set.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, topK int) ([]types.Source, error)
}

// Document is one indexed item in the in-memory store.
type Document struct {
	ID        string
	Title     string
	URL       string
	Snippet   string
	Embedding []float32
}

// MemoryVectorStore is a thread-safe brute-force cosine store. It
// backs the vector lane when no external vector database is configured
// and every vector-lane test.
type MemoryVectorStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryVectorStore creates an empty in-memory store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{docs: make(map[string]Document)}
}

// Add indexes one document.
func (s *MemoryVectorStore) Add(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

// Len returns the number of indexed documents.
func (s *MemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Search returns the topK most similar documents by cosine score.
// Ordering is deterministic: ties break by document id.
func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, topK int) ([]types.Source, error) {
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scoredDoc struct {
		doc   Document
		score float32
	}

	results := make([]scoredDoc, 0, len(s.docs))
	for _, doc := range s.docs {
		if len(doc.Embedding) != len(vector) {
			continue // skip mismatched dimensions
		}
		results = append(results, scoredDoc{doc: doc, score: cosineSimilarity(vector, doc.Embedding)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].doc.ID < results[j].doc.ID
	})

	if topK > len(results) {
		topK = len(results)
	}

	out := make([]types.Source, topK)
	for i := 0; i < topK; i++ {
		r := results[i]
		out[i] = types.Source{
			ID:         fmt.Sprintf("vec-%s", r.doc.ID),
			Title:      r.doc.Title,
			URL:        r.doc.URL,
			Snippet:    truncateSnippet(r.doc.Snippet),
			Score:      clampScore(float64(r.score)),
			OriginLane: types.LaneVector,
		}
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dotProduct, normA, normB float32
	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (sqrt32(normA) * sqrt32(normB))
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

const maxSnippetBytes = 1024

func truncateSnippet(s string) string {
	if len(s) <= maxSnippetBytes {
		return s
	}
	return s[:maxSnippetBytes]
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
