package lane

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/relago-ai/relago/internal/metrics"
)

// Embedder computes a query embedding. Shared and read-only after
// warmup; implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder produces deterministic embeddings from a SHA-256 of the
// text. Identical queries always map to identical vectors, which is
// what the vector lane needs for cache keys and reproducible tests; it
// carries no semantics of its own and stands in for a remote embedding
// model when none is configured.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder creates a hash embedder with the given dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{Dimensions: dims}
}

// Embed computes the unit-length deterministic vector for text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	hash := sha256.Sum256([]byte(text))

	vec := make([]float32, e.Dimensions)
	for i := 0; i < e.Dimensions; i++ {
		start := (i * 4) % (len(hash) - 4)
		val := binary.BigEndian.Uint32(hash[start : start+4])
		vec[i] = float32(val) / float32(math.MaxUint32)
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec, nil
}

// CachingEmbedder wraps an Embedder with a TTL cache keyed by the text
// hash, so repeated and reconnecting queries skip the embedding call.
type CachingEmbedder struct {
	inner Embedder
	cache *gocache.Cache
}

// NewCachingEmbedder creates the caching wrapper with a 10-minute TTL.
func NewCachingEmbedder(inner Embedder) *CachingEmbedder {
	return &CachingEmbedder{
		inner: inner,
		cache: gocache.New(10*time.Minute, time.Minute),
	}
}

// Embed returns the cached vector when present.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedCacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		metrics.CacheHitsTotal.Inc()
		return v.([]float32), nil
	}
	metrics.CacheMissesTotal.Inc()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, gocache.DefaultExpiration)
	return vec, nil
}

func embedCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
