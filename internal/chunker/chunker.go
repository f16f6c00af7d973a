// Package chunker partitions cleaned, loader-produced text into ordered,
// identified chunks ready for embedding.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/maripedg/ragserve/internal/apperr"
)

// Kind selects a chunking strategy.
type Kind string

const (
	KindChar       Kind = "char"
	KindToken      Kind = "token"
	KindStructured Kind = "structured"
)

// Profile is a named bundle of chunking parameters, one field of the
// top-level ingestion Profile.
type Profile struct {
	Kind Kind

	// char
	Size       int      // window size in characters
	Overlap    int      // characters of overlap carried forward
	Separators []string // preferred break points, tried in list order

	// token
	MaxTokens     int     // approximate tokens per chunk
	OverlapRatio  float64 // fraction of MaxTokens carried forward as overlap
	TokenizerName string  // "" or "approx_word_boundary"; anything else is rejected

	// structured
	AdminSectionHeadingRegex       []string
	StopExcludingAfterHeadingRegex string
	PreferTOCSections              bool

	InlineFigures bool
	DedupeByHash  bool
}

// applyDefaults fills a non-positive Size or MaxTokens, a negative Overlap,
// and an OverlapRatio outside [0, 1) with the teacher's fixed-chunking
// defaults, scaled from words to characters. A zero Overlap or OverlapRatio
// is kept as given.
func (p Profile) applyDefaults() Profile {
	if p.Size <= 0 {
		p.Size = 2000
	}
	if p.Overlap < 0 {
		p.Overlap = 200
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 400
	}
	if p.OverlapRatio < 0 || p.OverlapRatio >= 1 {
		p.OverlapRatio = 0.1
	}
	return p
}

// Chunker partitions Items into Chunks using the strategy named by its
// Profile. A Chunker is immutable after construction and safe for concurrent
// use, since it holds only configuration.
type Chunker struct {
	profile Profile
}

// New validates profile and constructs a Chunker. A token profile naming an
// unrecognised tokenizer is rejected here with unknown_profile, matching the
// requirement that unsupported token chunking never silently falls back to
// char chunking.
func New(profile Profile) (*Chunker, error) {
	profile = profile.applyDefaults()

	switch profile.Kind {
	case KindChar, KindStructured:
		// no further validation
	case KindToken:
		if profile.TokenizerName != "" && profile.TokenizerName != "approx_word_boundary" {
			return nil, apperr.Newf(apperr.UnknownProfile,
				"token chunker: unrecognised tokenizer %q", profile.TokenizerName)
		}
	default:
		return nil, apperr.Newf(apperr.UnknownProfile, "unrecognised chunker kind %q", profile.Kind)
	}

	return &Chunker{profile: profile}, nil
}

// Chunk partitions the Items of a single document (docID) into an ordered
// list of Chunks. The returned slice is empty, never nil, when items is
// empty or every item's text is blank.
func (c *Chunker) Chunk(docID string, items []Item) []Chunk {
	var raw []Chunk

	switch c.profile.Kind {
	case KindChar:
		for _, item := range items {
			raw = append(raw, c.chunkChar(item)...)
		}
	case KindToken:
		for _, item := range items {
			raw = append(raw, c.chunkToken(item)...)
		}
	case KindStructured:
		raw = c.chunkStructured(items)
	}

	return c.finalize(docID, raw)
}

// resolvedRef records the final chunk_id and local index finalize assigned
// to a raw chunk, keyed by that chunk's index in raw.
type resolvedRef struct {
	chunkID    string
	localIndex int
}

// finalize assigns doc_id, monotonic zero-padded chunk_id, and hash_norm to
// every produced chunk in order. For figure chunks, ParentChunkLocalIndex on
// entry carries the parent's index within raw (set by chunkStructured); it
// is resolved here to the parent's final chunk_id and final local index,
// since the parent always precedes its figure chunk in raw order.
func (c *Chunker) finalize(docID string, raw []Chunk) []Chunk {
	out := make([]Chunk, 0, len(raw))
	resolved := make(map[int]resolvedRef, len(raw))
	n := 0

	for rawIndex, ch := range raw {
		text := strings.TrimSpace(ch.Text)
		if text == "" {
			continue
		}
		ch.Text = text
		ch.DocID = docID
		if ch.ChunkType == "" {
			ch.ChunkType = ChunkText
		}

		if ch.ChunkType == ChunkFigure {
			if parent, ok := resolved[ch.ParentChunkLocalIndex]; ok {
				ch.ParentChunkID = parent.chunkID
				ch.ParentChunkLocalIndex = parent.localIndex
			}
			ch.ChunkID = fmt.Sprintf("%s_chunk_%04d_fig_%s", docID, n, ch.FigureID)
		} else {
			ch.ChunkID = fmt.Sprintf("%s_chunk_%04d", docID, n)
		}
		if c.profile.DedupeByHash {
			ch.HashNorm = HashNorm(ch.Text)
		}

		resolved[rawIndex] = resolvedRef{chunkID: ch.ChunkID, localIndex: n}
		out = append(out, ch)
		n++
	}
	return out
}

// HashNorm computes the dedupe key for chunk text: lowercase, whitespace
// collapsed to single spaces, then SHA-256 hex-encoded.
func HashNorm(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
