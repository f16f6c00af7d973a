package reranker

import (
	"context"
	"testing"

	"github.com/maripedg/ragserve/internal/vectorstore"
)

func result(chunkID, docID, text string, score float64) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		Row: vectorstore.Row{ChunkID: chunkID, DocID: docID, Text: text},
		Score: score,
	}
}

func TestMMRRerankerPrefersDiversityOverNearDuplicates(t *testing.T) {
	r := NewMMRReranker(0.5)
	results := []vectorstore.SearchResult{
		result("c1", "docA", "the quick brown fox jumps over the lazy dog", 0.95),
		result("c2", "docA", "the quick brown fox jumps over the lazy dog again", 0.94),
		result("c3", "docB", "completely unrelated content about cooking recipes", 0.80),
	}

	out, err := r.Rerank(context.Background(), "fox", results, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].ChunkID != "c1" {
		t.Errorf("expected c1 first (highest relevance), got %s", out[0].ChunkID)
	}
	if out[1].ChunkID != "c3" {
		t.Errorf("expected c3 second (diversification over near-duplicate c2), got %s", out[1].ChunkID)
	}
}

func TestMMRRerankerEmptyInput(t *testing.T) {
	r := NewMMRReranker(0.5)
	out, err := r.Rerank(context.Background(), "q", nil, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil, got %v", out)
	}
}

func TestMMRRerankerTopKClampedToPoolSize(t *testing.T) {
	r := NewMMRReranker(0.5)
	results := []vectorstore.SearchResult{
		result("c1", "docA", "alpha beta gamma", 0.9),
	}
	out, err := r.Rerank(context.Background(), "q", results, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("expected 1 result, got %d", len(out))
	}
}

func TestJaccardIdenticalSets(t *testing.T) {
	a := tokenSet("the quick fox")
	b := tokenSet("the quick fox")
	if jaccard(a, b) != 1.0 {
		t.Errorf("expected 1.0 similarity for identical sets, got %v", jaccard(a, b))
	}
}

func TestJaccardDisjointSets(t *testing.T) {
	a := tokenSet("alpha beta")
	b := tokenSet("gamma delta")
	if jaccard(a, b) != 0 {
		t.Errorf("expected 0 similarity for disjoint sets, got %v", jaccard(a, b))
	}
}
