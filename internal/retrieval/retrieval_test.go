package retrieval

import (
	"context"
	"testing"

	"github.com/maripedg/ragserve/internal/config"
	"github.com/maripedg/ragserve/internal/llm"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

type fakeStore struct {
	rows []vectorstore.SearchResult
}

func (f fakeStore) EnsureIndexTable(ctx context.Context, table string, dim int, distance vectorstore.Distance) error {
	return nil
}
func (f fakeStore) Upsert(ctx context.Context, table string, rows []vectorstore.Row, dedupe bool) (vectorstore.UpsertResult, error) {
	return vectorstore.UpsertResult{}, nil
}
func (f fakeStore) EnsureAlias(ctx context.Context, alias, physicalTable string) error { return nil }
func (f fakeStore) SimilaritySearch(ctx context.Context, viewName string, queryVector []float32, k int, distance vectorstore.Distance) ([]vectorstore.SearchResult, error) {
	return f.rows, nil
}
func (f fakeStore) Count(ctx context.Context, table string) (int, error) { return len(f.rows), nil }
func (f fakeStore) Drop(ctx context.Context, table string) error        { return nil }

type fakeLLM struct {
	answer string
	err    error
}

func (f fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return f.answer, f.err
}

func baseConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:                    5,
		Distance:                "dot_product",
		ScoreMode:               "normalized",
		ThresholdLow:            0.2,
		ThresholdHigh:           0.45,
		ShortQueryMaxTokens:     2,
		ShortQueryThresholdLow:  0.3,
		ShortQueryThresholdHigh: 0.95,
		MaxContextChars:         6000,
		MaxChunks:               8,
		MinTokensPerChunk:       5,
		MinSimilarityForHybrid:  0.25,
		MinChunksForHybrid:      1,
		MinTotalContextChars:    10,
		ExcludeChunkTypes:       []string{"figure"},
		PromptRAG:               "rag",
		PromptHybrid:            "hybrid",
		PromptFallback:          "fallback",
		NoContextToken:          "[NO_CONTEXT]",
		MaxOutputTokens:         256,
	}
}

func row(docID, chunkID, text string, score float64, chunkType string) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		Row: vectorstore.Row{
			ChunkID:  chunkID,
			DocID:    docID,
			Text:     text,
			Metadata: map[string]any{"source": docID + ".txt", "chunk_type": chunkType},
		},
		Score: score,
	}
}

func TestAnswerHighSimilarityUsesRAGMode(t *testing.T) {
	store := fakeStore{rows: []vectorstore.SearchResult{
		row("doc1", "c1", "the quick brown fox jumps over the lazy dog", 0.98, "text"),
	}}
	svc := NewService(fakeEmbedder{}, store, nil, fakeLLM{answer: "the fox jumps"}, fakeLLM{answer: "fallback answer"}, nil, baseConfig(), "docs_current")

	resp, err := svc.Answer(context.Background(), "what does the fox do?", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Mode != ModeRAG {
		t.Errorf("expected rag mode, got %s", resp.Mode)
	}
	if resp.SourcesUsed != SourcesAll {
		t.Errorf("expected sources_used=all, got %s", resp.SourcesUsed)
	}
	if len(resp.UsedChunks) != 1 {
		t.Errorf("expected 1 used chunk, got %d", len(resp.UsedChunks))
	}
}

func TestAnswerLowSimilarityFallsBack(t *testing.T) {
	store := fakeStore{rows: []vectorstore.SearchResult{
		row("doc1", "c1", "totally unrelated content here", -0.9, "text"),
	}}
	svc := NewService(fakeEmbedder{}, store, nil, fakeLLM{answer: "should not be used"}, fakeLLM{answer: "fallback answer"}, nil, baseConfig(), "docs_current")

	resp, err := svc.Answer(context.Background(), "what does the fox do?", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Mode != ModeFallback {
		t.Errorf("expected fallback mode, got %s", resp.Mode)
	}
	if resp.DecisionExplain.Reason != "below_threshold_low" {
		t.Errorf("expected below_threshold_low reason, got %s", resp.DecisionExplain.Reason)
	}
	if resp.Answer != "fallback answer" {
		t.Errorf("expected fallback LLM answer, got %q", resp.Answer)
	}
}

func TestAnswerExcludesFigureChunksFromContext(t *testing.T) {
	store := fakeStore{rows: []vectorstore.SearchResult{
		row("doc1", "c1", "a figure caption describing a chart", 0.97, "figure"),
		row("doc2", "c2", "the quick brown fox jumps over the lazy dog", 0.96, "text"),
	}}
	svc := NewService(fakeEmbedder{}, store, nil, fakeLLM{answer: "answer"}, fakeLLM{answer: "fallback"}, nil, baseConfig(), "docs_current")

	resp, err := svc.Answer(context.Background(), "what does the fox do?", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.RetrievedChunksMetadata) != 2 {
		t.Errorf("expected both rows in retrieved_chunks_metadata, got %d", len(resp.RetrievedChunksMetadata))
	}
	if len(resp.UsedChunks) != 1 || resp.UsedChunks[0].ChunkID != "c2" {
		t.Errorf("expected only the text chunk to be used, got %+v", resp.UsedChunks)
	}
	if resp.SourcesUsed != SourcesPartial {
		t.Errorf("expected sources_used=partial, got %s", resp.SourcesUsed)
	}
}

func TestAnswerPostLLMFallbackOnNoContextToken(t *testing.T) {
	store := fakeStore{rows: []vectorstore.SearchResult{
		row("doc1", "c1", "the quick brown fox jumps over the lazy dog", 0.98, "text"),
	}}
	cfg := baseConfig()
	svc := NewService(fakeEmbedder{}, store, nil, fakeLLM{answer: cfg.NoContextToken}, fakeLLM{answer: "fallback answer"}, nil, cfg, "docs_current")

	resp, err := svc.Answer(context.Background(), "what does the fox do?", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Mode != ModeFallback {
		t.Errorf("expected fallback mode after no-context token, got %s", resp.Mode)
	}
	if resp.DecisionExplain.Reason != "llm_no_context_token" {
		t.Errorf("expected llm_no_context_token reason, got %s", resp.DecisionExplain.Reason)
	}
	if resp.Answer != "fallback answer" {
		t.Errorf("expected fallback answer, got %q", resp.Answer)
	}
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	svc := NewService(fakeEmbedder{}, fakeStore{}, nil, fakeLLM{}, fakeLLM{}, nil, baseConfig(), "docs_current")
	if _, err := svc.Answer(context.Background(), "   ", ""); err == nil {
		t.Fatal("expected bad_request error for empty question")
	}
}

var _ = vectorstore.VectorStore(fakeStore{})
