// Package reranker diversifies a ranked set of retrieved chunks before they
// enter a prompt, trading some top-line relevance for coverage across
// distinct source documents.
//
// # Trade-offs
//
//   - Latency: negligible; diversification runs over already-retrieved text,
//     no extra network round-trip.
//   - Quality: reduces near-duplicate chunks from the same document crowding
//     out a second relevant document when top-k scores cluster closely.
package reranker

import (
	"context"

	"github.com/maripedg/ragserve/internal/vectorstore"
)

// ScoredResult is a search result carrying the score it was ranked by after
// reranking, alongside its original similarity score.
type ScoredResult struct {
	vectorstore.SearchResult
	RerankerScore float64
}

// Reranker defines the interface for re-ranking search results.
type Reranker interface {
	// Rerank takes a query and search results, and returns them re-ordered
	// by relevance with updated scores. The topK parameter limits the output.
	Rerank(ctx context.Context, query string, results []vectorstore.SearchResult, topK int) ([]ScoredResult, error)
}
