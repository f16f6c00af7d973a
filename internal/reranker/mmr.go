package reranker

import (
	"context"
	"strings"

	"github.com/maripedg/ragserve/internal/vectorstore"
)

// MMRReranker implements maximal-marginal-relevance diversification over
// text-only candidates: no embeddings are recomputed, similarity between two
// candidates is approximated from word-set overlap of their chunk text. The
// caller is expected to have already normalised each result's Score into a
// comparable relevance signal (higher is better) before calling Rerank.
type MMRReranker struct {
	// Lambda trades relevance against diversity: 1.0 ignores diversity
	// entirely (results come back in descending Score order), 0.0 ignores
	// relevance entirely.
	Lambda float64
}

// NewMMRReranker builds an MMRReranker with the given lambda, clamped to
// [0, 1].
func NewMMRReranker(lambda float64) *MMRReranker {
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}
	return &MMRReranker{Lambda: lambda}
}

// Rerank greedily selects, at each step, the candidate maximising
// lambda*relevance - (1-lambda)*max_similarity_to_already_selected, until
// topK candidates are chosen or the pool is exhausted.
func (r *MMRReranker) Rerank(ctx context.Context, query string, results []vectorstore.SearchResult, topK int) ([]ScoredResult, error) {
	if len(results) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}

	tokenSets := make([]map[string]struct{}, len(results))
	for i, res := range results {
		tokenSets[i] = tokenSet(res.Text)
	}

	chosen := make([]int, 0, topK)
	chosenScores := make([]float64, 0, topK)
	remaining := make([]int, len(results))
	for i := range results {
		remaining[i] = i
	}

	for len(chosen) < topK && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		bestPos := -1
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, c := range chosen {
				if sim := jaccard(tokenSets[idx], tokenSets[c]); sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := r.Lambda*results[idx].Score - (1-r.Lambda)*maxSim
			if bestIdx == -1 || mmrScore > bestScore {
				bestIdx = idx
				bestScore = mmrScore
				bestPos = pos
			}
		}
		chosen = append(chosen, bestIdx)
		chosenScores = append(chosenScores, bestScore)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	out := make([]ScoredResult, len(chosen))
	for i, idx := range chosen {
		out[i] = ScoredResult{SearchResult: results[idx], RerankerScore: chosenScores[i]}
	}

	// Selection order already reflects the MMR trade-off; a final relevance
	// sort would undo the diversification, so the chosen order is kept.
	return out, nil
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

var _ Reranker = (*MMRReranker)(nil)
