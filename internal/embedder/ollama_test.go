package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	})

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 3})
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim vector, got %d", len(vec))
	}
}

func TestOllamaEmbedder_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{1, 2}})
	})

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, MaxRetries: 3})
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("expected vector after eventual success, got %+v", vec)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestOllamaEmbedder_PermanentErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, MaxRetries: 3})
	_, err := e.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected a single attempt for a permanent error, got %d", got)
	}
}

func TestOllamaEmbedder_EmbedBatchSkipsBlankTexts(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{1}})
	})

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	results, err := e.EmbedBatch(context.Background(), []string{"hello", "  ", "", "world"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected one result per input text (blanks come back nil), got %d", len(results))
	}
	if results[0] == nil || results[3] == nil {
		t.Errorf("expected non-blank texts to get a vector, got %+v", results)
	}
	if results[1] != nil || results[2] != nil {
		t.Errorf("expected blank texts to get a nil vector, got %+v", results)
	}
}

func TestOllamaEmbedder_RateLimiterPaces(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{1}})
	})

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, RateLimitPerMin: 600})
	defer e.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := e.Embed(context.Background(), "x"); err != nil {
			t.Fatalf("Embed: %v", err)
		}
	}
	// 600/min = 1 per 100ms and the limiter starts with one token, so three
	// sequential calls take at least ~200ms; allow some slack below that.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected calls to be paced ~100ms apart, took %v", elapsed)
	}
}

func TestBatches(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	got := Batches(texts, 2)
	if len(got) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(got))
	}
	if len(got[0]) != 2 || len(got[2]) != 1 {
		t.Errorf("unexpected batch sizes: %+v", got)
	}
}
