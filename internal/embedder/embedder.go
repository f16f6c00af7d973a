// Package embedder provides interfaces and implementations for text embedding.
package embedder

import "context"

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Batches splits texts into groups of at most size, preserving order. Used by
// the ingestion orchestrator to honor batch_size when calling EmbedBatch.
func Batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = len(texts)
	}
	if size <= 0 {
		return nil
	}

	var batches [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, texts[i:end])
	}
	return batches
}
