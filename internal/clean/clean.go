// Package clean applies deterministic, format-agnostic text normalisation
// to loader output before sanitisation and chunking.
package clean

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	zeroWidthRe   = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}]`)
	multiSpaceRe  = regexp.MustCompile(`[ \t\x0b\x0c]+`)
	trailingSpace = regexp.MustCompile(`(?m)[ \t]+$`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	noiseLineRe   = regexp.MustCompile(`^[^\p{L}]*$`)
)

var ligatures = map[string]string{
	"ﬀ": "ff",
	"ﬁ": "fi",
	"ﬂ": "fl",
	"ﬃ": "ffi",
	"ﬄ": "ffl",
	"ﬅ": "st",
	"ﬆ": "st",
}

// Clean applies NFC normalisation, strips zero-width and soft-hyphen
// characters, maps NBSP to a plain space, expands common ligatures,
// normalises line endings, de-hyphenates words broken across a line
// break, collapses horizontal whitespace (never newlines), and drops
// noise lines shorter than 10 alphabetic characters unless they look
// like a heading (per looksLikeHeading, applied here only to decide
// whether to keep or drop the line).
func Clean(text string) string {
	s := norm.NFC.String(text)
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "­", "") // soft hyphen
	s = strings.ReplaceAll(s, " ", " ")

	for lig, expanded := range ligatures {
		s = strings.ReplaceAll(s, lig, expanded)
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = dehyphenate(s)

	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = trailingSpace.ReplaceAllString(line, "")
		line = multiSpaceRe.ReplaceAllString(line, " ")
		line = strings.TrimRight(line, " ")
		if isNoise(line) {
			continue
		}
		kept = append(kept, line)
	}
	s = strings.Join(kept, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// dehyphenate joins "word-\nword" into "wordword" when the line break falls
// mid-word (hyphen preceded and followed by a letter), which is the only
// case that is safe to merge without guessing at compound-word intent.
func dehyphenate(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '-' && i > 0 && i+2 < len(runes) &&
			unicode.IsLetter(runes[i-1]) && runes[i+1] == '\n' && unicode.IsLower(runes[i+2]) {
			i++ // skip the hyphen and the newline, merge the halves
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

func isNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false // blank lines are structure, not noise
	}
	alpha := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if alpha >= 10 {
		return false
	}
	return looksLikeHeading(trimmed) == false
}

// looksLikeHeading is a plain-text heading heuristic: at most 80 bytes and
// 10 words, no trailing '.', ',' or ';', and at least one uppercase letter.
func looksLikeHeading(s string) bool {
	if len(s) == 0 || len(s) > 80 {
		return false
	}
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, ",") || strings.HasSuffix(s, ";") {
		return false
	}
	if len(strings.Fields(s)) > 10 {
		return false
	}
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

// Dedup removes a repeated header or footer line (common in PDFs): a first
// or last line whose trimmed text recurs as the first (or last) line of more
// than two thirds of a document's page/section Items is dropped from each
// Item it starts (or ends), given the full ordered slice of per-item texts
// for that document. Fewer than three Items are returned unchanged.
func Dedup(itemTexts []string) []string {
	if len(itemTexts) < 3 {
		return itemTexts
	}

	firstLine := make(map[string]int)
	lastLine := make(map[string]int)
	for _, t := range itemTexts {
		lines := strings.Split(t, "\n")
		if len(lines) == 0 {
			continue
		}
		firstLine[strings.TrimSpace(lines[0])]++
		lastLine[strings.TrimSpace(lines[len(lines)-1])]++
	}

	threshold := (len(itemTexts) * 2) / 3
	out := make([]string, len(itemTexts))
	for i, t := range itemTexts {
		lines := strings.Split(t, "\n")
		if len(lines) > 0 && firstLine[strings.TrimSpace(lines[0])] > threshold {
			lines = lines[1:]
		}
		if len(lines) > 0 && lastLine[strings.TrimSpace(lines[len(lines)-1])] > threshold {
			lines = lines[:len(lines)-1]
		}
		out[i] = strings.Join(lines, "\n")
	}
	return out
}
