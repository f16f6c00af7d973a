package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// tokenBoundaryPattern is the approximate, non-BPE stand-in for a real
// tokenizer: word runs and individual punctuation marks each count as one
// token, which tracks real subword tokenizers closely enough (~4 chars per
// token on English prose) for chunk-sizing purposes without depending on a
// tokenizer model the pack does not carry.
var tokenBoundaryPattern = regexp.MustCompile(`[\p{L}\p{N}]+|[^\s\p{L}\p{N}]`)

// approxTokenize splits text into approximate token strings.
func approxTokenize(text string) []string {
	return tokenBoundaryPattern.FindAllString(text, -1)
}

// approxTokenCount approximates how many tokens text would occupy.
func approxTokenCount(text string) int {
	return len(approxTokenize(text))
}

// ApproxTokenCount approximates how many tokens text would occupy, using the
// same word/punctuation boundary rule the token chunker sizes windows with.
// Exported so callers outside this package (retrieval's minimum-chunk-size
// gate) can apply a token-based threshold instead of a raw byte length.
func ApproxTokenCount(text string) int {
	return approxTokenCount(text)
}

// chunkToken groups item text into windows of approximately MaxTokens
// approximate tokens, carrying forward OverlapRatio*MaxTokens tokens into
// the next window.
func (c *Chunker) chunkToken(item Item) []Chunk {
	tokens := approxTokenize(item.Text)
	if len(tokens) == 0 {
		return nil
	}

	maxTokens := c.profile.MaxTokens
	overlap := int(float64(maxTokens) * c.profile.OverlapRatio)
	step := maxTokens - overlap
	if step <= 0 {
		step = maxTokens
	}

	var chunks []Chunk
	for start := 0; start < len(tokens); start += step {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		chunks = append(chunks, Chunk{
			Text:        joinTokens(tokens[start:end]),
			Source:      item.Source,
			BlockType:   "token",
			SectionPath: item.SectionPath,
			Page:        item.Page,
			SlideNumber: item.SlideNumber,
			SheetName:   item.SheetName,
		})

		if end >= len(tokens) {
			break
		}
	}

	return chunks
}

// joinTokens rejoins approximate tokens into readable text: word tokens get
// a leading space, punctuation tokens are glued to the preceding token.
func joinTokens(tokens []string) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && !isPunctToken(tok) {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

// isPunctToken reports whether tok is a single punctuation rune (tokenBoundaryPattern
// only ever emits single-rune punctuation tokens, never multi-rune ones). Decoding the
// rune rather than checking len(tok) == 1 keeps multi-byte punctuation — em dashes,
// curly quotes, CJK punctuation — from being misclassified as word tokens.
func isPunctToken(tok string) bool {
	r, size := utf8.DecodeRuneInString(tok)
	if size != len(tok) {
		return false
	}
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}
