// Package eval runs a golden-query set against a physical index table and
// reports retrieval quality metrics, gating alias promotion in the
// ingestion orchestrator.
package eval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/maripedg/ragserve/internal/embedder"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

// GoldenQuery is a single labelled query in a GoldenSet.
type GoldenQuery struct {
	Query           string   `json:"query"`
	ExpectedDocIDs  []string `json:"expected_doc_ids"`
	ExpectedPhrase  string   `json:"expected_phrase,omitempty"`
}

// GoldenSet is a named collection of GoldenQueries, loaded once per
// evaluation run.
type GoldenSet []GoldenQuery

// LoadGoldenSet reads a JSON-Lines file of GoldenQuery objects.
func LoadGoldenSet(path string) (GoldenSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening golden set %s: %w", path, err)
	}
	defer f.Close()

	var set GoldenSet
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var q GoldenQuery
		if err := json.Unmarshal([]byte(line), &q); err != nil {
			return nil, fmt.Errorf("parsing golden query in %s: %w", path, err)
		}
		set = append(set, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading golden set %s: %w", path, err)
	}
	return set, nil
}

// QueryResult is the per-query breakdown contributing to a Report's
// aggregate metrics.
type QueryResult struct {
	Query              string
	HitAtK             float64
	ReciprocalRank     float64
	PhraseHit          *float64 // nil when the query declared no expected_phrase
}

// Report is the outcome of an evaluation Run.
type Report struct {
	HitRate       float64
	MRR           float64
	PhraseHitRate float64
	PerQuery      []QueryResult
}

// Gates are the configurable pass/fail thresholds the orchestrator checks
// before promoting an alias.
type Gates struct {
	MinHitRate float64
	MinMRR     float64
}

// Passes reports whether r meets every configured gate. A zero-valued gate
// (the config default) never blocks promotion.
func (g Gates) Passes(r Report) bool {
	if g.MinHitRate > 0 && r.HitRate < g.MinHitRate {
		return false
	}
	if g.MinMRR > 0 && r.MRR < g.MinMRR {
		return false
	}
	return true
}

// Run embeds each golden query, searches physicalTable directly (bypassing
// any alias, per the orchestrator's evaluation step), and aggregates
// hit@k, mean reciprocal rank, and phrase-hit rate across the set.
func Run(ctx context.Context, store vectorstore.VectorStore, emb embedder.Embedder, physicalTable string, set GoldenSet, k int, distance vectorstore.Distance) (Report, error) {
	if len(set) == 0 {
		return Report{}, nil
	}

	results := make([]QueryResult, 0, len(set))
	var hitSum, rrSum, phraseSum float64
	phraseCount := 0

	for _, gq := range set {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		default:
		}

		vec, err := emb.Embed(ctx, gq.Query)
		if err != nil {
			return Report{}, fmt.Errorf("embedding golden query %q: %w", gq.Query, err)
		}

		rows, err := store.SimilaritySearch(ctx, physicalTable, vec, k, distance)
		if err != nil {
			return Report{}, fmt.Errorf("searching physical table %s: %w", physicalTable, err)
		}

		expected := make(map[string]bool, len(gq.ExpectedDocIDs))
		for _, id := range gq.ExpectedDocIDs {
			expected[id] = true
		}

		qr := QueryResult{Query: gq.Query}
		for rank, row := range rows {
			if expected[row.DocID] {
				qr.HitAtK = 1
				if qr.ReciprocalRank == 0 {
					qr.ReciprocalRank = 1.0 / float64(rank+1)
				}
			}
		}

		if gq.ExpectedPhrase != "" {
			hit := 0.0
			for _, row := range rows {
				if strings.Contains(row.Text, gq.ExpectedPhrase) {
					hit = 1
					break
				}
			}
			qr.PhraseHit = &hit
			phraseSum += hit
			phraseCount++
		}

		hitSum += qr.HitAtK
		rrSum += qr.ReciprocalRank
		results = append(results, qr)
	}

	report := Report{
		HitRate:  hitSum / float64(len(set)),
		MRR:      rrSum / float64(len(set)),
		PerQuery: results,
	}
	if phraseCount > 0 {
		report.PhraseHitRate = phraseSum / float64(phraseCount)
	}
	return report, nil
}
