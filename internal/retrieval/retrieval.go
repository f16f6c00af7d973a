// Package retrieval implements the question-answering service: similarity
// search against the vector store, score normalisation and mode decision,
// context assembly, and LLM prompting with a no-context fallback.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/maripedg/ragserve/internal/apperr"
	"github.com/maripedg/ragserve/internal/config"
	"github.com/maripedg/ragserve/internal/embedder"
	"github.com/maripedg/ragserve/internal/llm"
	"github.com/maripedg/ragserve/internal/profile"
	"github.com/maripedg/ragserve/internal/reranker"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

// Mode is the retrieval decision for a single answer.
type Mode string

const (
	ModeRAG      Mode = "rag"
	ModeHybrid   Mode = "hybrid"
	ModeFallback Mode = "fallback"
)

// SourcesUsed summarises how much of the retrieved set made it into the prompt.
type SourcesUsed string

const (
	SourcesAll     SourcesUsed = "all"
	SourcesPartial SourcesUsed = "partial"
	SourcesNone    SourcesUsed = "none"
)

// UsedChunk is a chunk that actually entered the prompt.
type UsedChunk struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// RetrievedChunkMeta describes every row returned by the similarity search,
// including rows excluded from the prompt (e.g. figure chunks).
type RetrievedChunkMeta struct {
	ChunkID     string  `json:"chunk_id"`
	DocID       string  `json:"doc_id"`
	Source      string  `json:"source"`
	ChunkType   string  `json:"chunk_type"`
	RawScore    float64 `json:"raw_score"`
	Similarity  float64 `json:"similarity"`
	TextPreview string  `json:"text_preview"`
}

// DecisionExplain is a diagnostic trace of how the mode decision was reached.
type DecisionExplain struct {
	ScoreMode         string  `json:"score_mode"`
	Distance          string  `json:"distance"`
	MaxSimilarity     float64 `json:"max_similarity"`
	ThresholdLow      float64 `json:"threshold_low"`
	ThresholdHigh     float64 `json:"threshold_high"`
	TopK              int     `json:"top_k"`
	ShortQueryActive  bool    `json:"short_query_active"`
	Mode              Mode    `json:"mode"`
	EffectiveQuery    string  `json:"effective_query"`
	UsedLLM           bool    `json:"used_llm"`
	RetrievalTarget   string  `json:"retrieval_target"`
	Reason            string  `json:"reason,omitempty"`
}

// Response is the full answer envelope returned by Answer.
type Response struct {
	Question                string               `json:"question"`
	Answer                  string               `json:"answer"`
	Answer2                 *string              `json:"answer2"`
	Answer3                 *string              `json:"answer3"`
	RetrievedChunksMetadata []RetrievedChunkMeta `json:"retrieved_chunks_metadata"`
	UsedChunks              []UsedChunk          `json:"used_chunks"`
	Mode                    Mode                 `json:"mode"`
	SourcesUsed             SourcesUsed          `json:"sources_used"`
	DecisionExplain         DecisionExplain      `json:"decision_explain"`
}

// Service answers questions by retrieving context from the vector store and
// prompting an LLM, falling back to general knowledge when context is thin
// or the primary LLM reports it found none.
type Service struct {
	Embedder     embedder.Embedder
	Store        vectorstore.VectorStore
	Reranker     reranker.Reranker
	Primary      llm.LLM
	Fallback     llm.LLM
	Profiles     *profile.Registry
	Cfg          config.RetrievalConfig
	DefaultAlias string
}

// NewService constructs a Service with every retrieval dependency wired in.
func NewService(emb embedder.Embedder, store vectorstore.VectorStore, rr reranker.Reranker, primary, fallback llm.LLM, profiles *profile.Registry, cfg config.RetrievalConfig, defaultAlias string) *Service {
	return &Service{
		Embedder: emb, Store: store, Reranker: rr,
		Primary: primary, Fallback: fallback,
		Profiles: profiles, Cfg: cfg, DefaultAlias: defaultAlias,
	}
}

// Answer runs the full retrieval-and-generation algorithm for question,
// optionally scoped to a domain alias.
func (s *Service) Answer(ctx context.Context, question, domainKey string) (*Response, error) {
	effectiveQuery := strings.TrimSpace(question)
	if effectiveQuery == "" {
		return nil, apperr.New(apperr.BadRequest, "question must not be empty")
	}

	view := s.DefaultAlias
	if domainKey != "" {
		d, err := s.Profiles.GetDomain(domainKey)
		if err != nil {
			return nil, apperr.Newf(apperr.BadRequest, "unknown domain %q", domainKey)
		}
		view = d.AliasName
	}

	queryVector, err := s.Embedder.Embed(ctx, effectiveQuery)
	if err != nil {
		return nil, apperr.Wrap(apperr.EmbedFailed, err).AsTransient()
	}

	rows, err := s.Store.SimilaritySearch(ctx, view, queryVector, s.Cfg.TopK, vectorstore.Distance(s.Cfg.Distance))
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailed, err).AsTransient()
	}

	similarities := make([]float64, len(rows))
	for i, r := range rows {
		similarities[i] = normalizeScore(r.Score, s.Cfg.ScoreMode, s.Cfg.Distance)
	}

	excludedTypes := s.excludedChunkTypes()
	includable := make([]bool, len(rows))
	for i, r := range rows {
		includable[i] = s.includableForContext(r, excludedTypes)
	}

	// maxSimilarity drives the mode decision and is taken over every returned
	// row, including rows assembleContext later keeps out of the prompt
	// (excluded chunk types such as figures, and chunks shorter than
	// MinTokensPerChunk characters).
	maxSimilarity := 0.0
	for _, sim := range similarities {
		if sim > maxSimilarity {
			maxSimilarity = sim
		}
	}

	thresholdLow, thresholdHigh := s.Cfg.ThresholdLow, s.Cfg.ThresholdHigh
	shortQueryActive := isShortQuery(effectiveQuery, s.Cfg.ShortQueryMaxTokens)
	if shortQueryActive {
		thresholdLow, thresholdHigh = s.Cfg.ShortQueryThresholdLow, s.Cfg.ShortQueryThresholdHigh
	}

	explain := DecisionExplain{
		ScoreMode:        s.Cfg.ScoreMode,
		Distance:         s.Cfg.Distance,
		MaxSimilarity:    maxSimilarity,
		ThresholdLow:     thresholdLow,
		ThresholdHigh:    thresholdHigh,
		TopK:             s.Cfg.TopK,
		ShortQueryActive: shortQueryActive,
		EffectiveQuery:   effectiveQuery,
		RetrievalTarget:  view,
	}

	mode := decideMode(maxSimilarity, thresholdLow, thresholdHigh)

	meta := make([]RetrievedChunkMeta, len(rows))
	for i, r := range rows {
		meta[i] = RetrievedChunkMeta{
			ChunkID:     r.ChunkID,
			DocID:       r.DocID,
			Source:      sourceOf(r),
			ChunkType:   chunkTypeOf(r),
			RawScore:    r.Score,
			Similarity:  similarities[i],
			TextPreview: preview(r.Text, 300),
		}
	}

	var used []UsedChunk
	var contextChunks []vectorstore.SearchResult
	if mode == ModeFallback {
		explain.Reason = "below_threshold_low"
	} else {
		contextChunks, mode, explain.Reason = s.assembleContext(ctx, effectiveQuery, rows, similarities, includable, mode)
		if mode == ModeHybrid {
			mode, explain.Reason = s.checkHybridGates(contextChunks, mode)
		}
		if mode != ModeFallback {
			used = make([]UsedChunk, len(contextChunks))
			for i, c := range contextChunks {
				used[i] = UsedChunk{ChunkID: c.ChunkID, Source: sourceOf(c), Score: c.Score, Snippet: preview(c.Text, 300)}
			}
		} else {
			contextChunks = nil
		}
	}

	explain.Mode = mode

	answer, usedLLM, err := s.generate(ctx, mode, effectiveQuery, contextChunks)
	if err != nil {
		return nil, err
	}
	explain.UsedLLM = usedLLM

	if strings.TrimSpace(answer) == "" || answer == s.Cfg.NoContextToken {
		reason := "llm_empty"
		if answer == s.Cfg.NoContextToken {
			reason = "llm_no_context_token"
		}
		fallbackAnswer, err := s.Fallback.Generate(ctx, bareQuestionPrompt(effectiveQuery), llm.GenerateOptions{SystemPrompt: s.Cfg.PromptFallback, MaxTokens: s.Cfg.MaxOutputTokens})
		if err != nil {
			return nil, apperr.Wrap(apperr.LLMFailed, err).AsTransient()
		}
		answer = fallbackAnswer
		mode = ModeFallback
		used = nil
		explain.Mode = mode
		explain.Reason = reason
	}

	return &Response{
		Question:                question,
		Answer:                  answer,
		RetrievedChunksMetadata: meta,
		UsedChunks:              used,
		Mode:                    mode,
		SourcesUsed:             sourcesUsed(mode, len(used), len(rows)),
		DecisionExplain:         explain,
	}, nil
}

// excludedChunkTypes builds a lookup set from Cfg.ExcludeChunkTypes for
// includableForContext.
func (s *Service) excludedChunkTypes() map[string]bool {
	excluded := make(map[string]bool, len(s.Cfg.ExcludeChunkTypes))
	for _, t := range s.Cfg.ExcludeChunkTypes {
		excluded[t] = true
	}
	return excluded
}

// includableForContext reports whether r could ever end up in assembled
// context: not an excluded chunk type, and at least MinTokensPerChunk
// characters long (the setting counts characters, not tokens).
func (s *Service) includableForContext(r vectorstore.SearchResult, excluded map[string]bool) bool {
	if excluded[chunkTypeOf(r)] {
		return false
	}
	return utf8.RuneCountInString(r.Text) >= s.Cfg.MinTokensPerChunk
}

// assembleContext removes excluded chunk types, dedupes by doc_id, applies
// MMR diversification, drops too-short chunks, and greedily appends until the
// chunk/char caps are hit. It may itself downgrade rag/hybrid to fallback
// when nothing survives assembly.
func (s *Service) assembleContext(ctx context.Context, query string, rows []vectorstore.SearchResult, similarities []float64, includable []bool, mode Mode) ([]vectorstore.SearchResult, Mode, string) {
	type candidate struct {
		row vectorstore.SearchResult
		sim float64
	}
	var candidates []candidate
	for i, r := range rows {
		if !includable[i] {
			continue
		}
		candidates = append(candidates, candidate{row: r, sim: similarities[i]})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })

	seenDocs := make(map[string]bool)
	deduped := make([]vectorstore.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if seenDocs[c.row.DocID] {
			continue
		}
		seenDocs[c.row.DocID] = true
		r := c.row
		r.Score = c.sim
		deduped = append(deduped, r)
	}

	if s.Reranker != nil && len(deduped) > 0 {
		if reranked, err := s.Reranker.Rerank(ctx, query, deduped, len(deduped)); err == nil {
			deduped = deduped[:0]
			for _, rr := range reranked {
				deduped = append(deduped, rr.SearchResult)
			}
		}
	}

	var assembled []vectorstore.SearchResult
	totalChars := 0
	for _, r := range deduped {
		// minimum-length filtering already happened when candidates was built,
		// so deduped only ever contains rows long enough to keep.
		if len(assembled) >= s.Cfg.MaxChunks {
			break
		}
		if totalChars+len(r.Text) > s.Cfg.MaxContextChars {
			break
		}
		assembled = append(assembled, r)
		totalChars += len(r.Text)
	}

	if len(assembled) == 0 {
		return nil, ModeFallback, "no_context_after_assembly"
	}
	return assembled, mode, ""
}

// checkHybridGates downgrades hybrid to fallback when any configured gate
// fails to clear its threshold.
func (s *Service) checkHybridGates(chunks []vectorstore.SearchResult, mode Mode) (Mode, string) {
	if mode != ModeHybrid {
		return mode, ""
	}

	maxSim := 0.0
	totalChars := 0
	for _, c := range chunks {
		if c.Score > maxSim {
			maxSim = c.Score
		}
		totalChars += len(c.Text)
	}

	if maxSim < s.Cfg.MinSimilarityForHybrid {
		return ModeFallback, "gate_failed_min_similarity"
	}
	if len(chunks) < s.Cfg.MinChunksForHybrid {
		return ModeFallback, "gate_failed_min_chunks"
	}
	if totalChars < s.Cfg.MinTotalContextChars {
		return ModeFallback, "gate_failed_min_context"
	}
	return ModeHybrid, ""
}

func (s *Service) generate(ctx context.Context, mode Mode, question string, contextChunks []vectorstore.SearchResult) (string, bool, error) {
	var systemPrompt, prompt string
	client := s.Primary
	switch mode {
	case ModeRAG:
		systemPrompt = s.Cfg.PromptRAG
		prompt = contextPrompt(contextChunks, question)
	case ModeHybrid:
		systemPrompt = s.Cfg.PromptHybrid
		prompt = contextPrompt(contextChunks, question)
	default:
		// ModeFallback was decided up front (no context cleared the
		// threshold), so this question goes straight to the fallback LLM
		// rather than the primary, matching the post-LLM rescue path below.
		systemPrompt = s.Cfg.PromptFallback
		prompt = bareQuestionPrompt(question)
		client = s.Fallback
	}

	answer, err := client.Generate(ctx, prompt, llm.GenerateOptions{SystemPrompt: systemPrompt, MaxTokens: s.Cfg.MaxOutputTokens})
	if err != nil {
		return "", false, apperr.Wrap(apperr.LLMFailed, err).AsTransient()
	}
	return answer, true, nil
}

// contextPrompt joins each context chunk's full text (not the ≤300-char
// envelope snippet) so the LLM sees the complete passage it was retrieved for.
func contextPrompt(contextChunks []vectorstore.SearchResult, question string) string {
	var sb strings.Builder
	sb.WriteString("[Context]\n")
	for _, c := range contextChunks {
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}
	sb.WriteString("[Question]\n")
	sb.WriteString(question)
	return sb.String()
}

func bareQuestionPrompt(question string) string {
	return fmt.Sprintf("[Question]\n%s", question)
}

func normalizeScore(raw float64, scoreMode, distance string) float64 {
	if scoreMode != "normalized" {
		return raw
	}
	switch distance {
	case "dot_product":
		return clamp01((raw + 1) / 2)
	case "cosine":
		return clamp01(1 - raw)
	default:
		return clamp01(raw)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func decideMode(maxSimilarity, thresholdLow, thresholdHigh float64) Mode {
	switch {
	case maxSimilarity >= thresholdHigh:
		return ModeRAG
	case maxSimilarity >= thresholdLow:
		return ModeHybrid
	default:
		return ModeFallback
	}
}

func isShortQuery(query string, maxTokens int) bool {
	count := 0
	for _, field := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if field != "" {
			count++
		}
	}
	return count <= maxTokens
}

func sourceOf(r vectorstore.SearchResult) string {
	if v, ok := r.Metadata["source"].(string); ok {
		return v
	}
	return ""
}

func chunkTypeOf(r vectorstore.SearchResult) string {
	if v, ok := r.Metadata["chunk_type"].(string); ok {
		return v
	}
	return ""
}

func preview(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	// text[:maxLen] can split a multi-byte rune in half; back off to the
	// nearest rune boundary so the result is always valid UTF-8.
	for maxLen > 0 && !utf8.RuneStart(text[maxLen]) {
		maxLen--
	}
	return text[:maxLen]
}

func sourcesUsed(mode Mode, usedCount, retrievedCount int) SourcesUsed {
	if mode == ModeFallback || usedCount == 0 {
		return SourcesNone
	}
	if usedCount >= retrievedCount {
		return SourcesAll
	}
	return SourcesPartial
}
