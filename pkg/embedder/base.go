// Package embedder provides interfaces and caching for embedding providers.
//
// It defines the Provider interface that all embedding implementations must
// satisfy, plus a content-hash LRU cache wrapper used by the retriever and
// the extraction pipeline.
package embedder

import "context"

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed converts a single text to a fixed-length vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple texts to vectors, preserving input
	// order in the output.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector dimensions produced by this provider.
	Dimensions() int

	// Close closes the provider and releases resources.
	Close() error
}
