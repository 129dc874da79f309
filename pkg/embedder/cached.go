package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCacheSize is the default LRU capacity.
	DefaultCacheSize = 1000

	// DefaultBatchSize is the default upstream batch size for EmbedBatch.
	DefaultBatchSize = 100
)

// CachedProvider wraps a Provider with a bounded LRU cache keyed by the
// SHA-256 of lowercased, trimmed text.
//
// Eviction is strict least-recently-used with promote-on-read, so hot
// entries survive as long as they keep being queried. The cache is private
// to one process and needs no cross-process coordination.
type CachedProvider struct {
	upstream  Provider
	cache     *lru.Cache[string, []float64]
	batchSize int
}

// NewCachedProvider wraps upstream with an LRU of the given capacity.
// A size <= 0 uses DefaultCacheSize; a batchSize <= 0 uses DefaultBatchSize.
func NewCachedProvider(upstream Provider, size, batchSize int) (*CachedProvider, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	cache, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{
		upstream:  upstream,
		cache:     cache,
		batchSize: batchSize,
	}, nil
}

// Embed returns the cached vector for text, or calls upstream and caches
// the result.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	key := cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.upstream.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch serves cached entries for free and issues one upstream call per
// uncached batch. Output order matches the input order.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))

	// First pass: serve whatever the cache already has.
	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.cache.Get(cacheKey(text)); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
	}

	// Second pass: fetch misses in upstream batches.
	for start := 0; start < len(missIdx); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]

		batchTexts := make([]string, len(batch))
		for j, idx := range batch {
			batchTexts[j] = texts[idx]
		}

		vecs, err := c.upstream.EmbedBatch(ctx, batchTexts)
		if err != nil {
			return nil, err
		}

		for j, idx := range batch {
			results[idx] = vecs[j]
			c.cache.Add(cacheKey(texts[idx]), vecs[j])
		}
	}

	return results, nil
}

// Dimensions returns the upstream provider's vector dimensions.
func (c *CachedProvider) Dimensions() int {
	return c.upstream.Dimensions()
}

// Close closes the upstream provider.
func (c *CachedProvider) Close() error {
	c.cache.Purge()
	return c.upstream.Close()
}

// Len returns the number of cached entries.
func (c *CachedProvider) Len() int {
	return c.cache.Len()
}

// cacheKey hashes lowercased, trimmed text, so trivial whitespace and case
// variants share one cache entry.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}
