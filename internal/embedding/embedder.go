// Package embedding provides text embedding backends, caching and order-preserving batching.
package embedding

import "context"

// Embedder produces vector embeddings for text. Identical input to the same
// model must yield the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order, or an error for the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
