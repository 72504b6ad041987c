// CachedEmbedder wraps any Embedder with a bounded cache so repeated
// calls over the same composed text skip recomputation.
package embed

import (
	"context"

	"github.com/MikeSquared-Agency/cortex/pkg/cache"
)

// embedCacheVersion is the fixed VersionedCache version this package
// stamps every entry with. An embedding is a pure function of its
// input text (spec.md §4.2), so a cached entry never goes stale the
// way a briefing does on graph mutation — this only borrows
// VersionedCache's bounded-LRU bookkeeping, not its version-based
// invalidation, which is why every Put/Get here uses the same
// constant instead of a real graph_version.
const embedCacheVersion = 0

// CachedEmbedder is safe for concurrent use from multiple goroutines;
// concurrency safety comes from the underlying cache.VersionedCache.
type CachedEmbedder struct {
	base  Embedder
	cache *cache.VersionedCache
}

// NewCachedEmbedder wraps base with an LRU cache holding up to maxSize
// embeddings. maxSize <= 0 defaults to cache.NewVersionedCache's own
// default.
func NewCachedEmbedder(base Embedder, maxSize int) *CachedEmbedder {
	return &CachedEmbedder{
		base:  base,
		cache: cache.NewVersionedCache(maxSize),
	}
}

// Embed generates or retrieves a cached embedding for text.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.Key(text)
	if v, ok := c.cache.Get(key, embedCacheVersion); ok {
		return v.([]float32), nil
	}

	embedding, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, embedCacheVersion, embedding)
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts with caching.
// Each text is checked against the cache individually; only misses
// are sent to the underlying embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var misses []int
	var missTexts []string

	for i, text := range texts {
		if v, ok := c.cache.Get(cache.Key(text), embedCacheVersion); ok {
			results[i] = v.([]float32)
			continue
		}
		misses = append(misses, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		embeddings, err := c.base.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, embedding := range embeddings {
			i := misses[j]
			results[i] = embedding
			c.cache.Put(cache.Key(missTexts[j]), embedCacheVersion, embedding)
		}
	}

	return results, nil
}

// Dimensions returns the embedding vector dimension.
func (c *CachedEmbedder) Dimensions() int { return c.base.Dimensions() }

// Model returns the underlying embedder's model name.
func (c *CachedEmbedder) Model() string { return c.base.Model() }

// CacheStats mirrors cache.Stats for callers that only import pkg/embed.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Stats returns cache performance counters.
func (c *CachedEmbedder) Stats() CacheStats {
	s := c.cache.Stats()
	return CacheStats{Size: s.Size, MaxSize: s.MaxSize, Hits: s.Hits, Misses: s.Misses, HitRate: s.HitRate}
}

// Clear removes all cached embeddings.
func (c *CachedEmbedder) Clear() {
	c.cache.Clear()
}
