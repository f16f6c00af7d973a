package chunker

import (
	"strings"
	"unicode/utf8"
)

// chunkChar splits item text into fixed-size rune windows with overlap
// carried forward. The window boundary is snapped to the closest configured
// separator inside the overlap zone when one exists, so chunks don't cut a
// paragraph or sentence that a separator would otherwise mark.
func (c *Chunker) chunkChar(item Item) []Chunk {
	runes := []rune(item.Text)
	if len(runes) == 0 {
		return nil
	}

	size := c.profile.Size
	overlap := c.profile.Overlap
	if overlap >= size {
		overlap = size / 2
	}
	step := size - overlap
	if step <= 0 {
		step = 1
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		end = c.breakOnSeparator(runes, start, end, step)

		chunks = append(chunks, Chunk{
			Text:        string(runes[start:end]),
			Source:      item.Source,
			BlockType:   "char",
			SectionPath: item.SectionPath,
			Page:        item.Page,
			SlideNumber: item.SlideNumber,
			SheetName:   item.SheetName,
		})

		if end >= len(runes) {
			break
		}
	}

	return chunks
}

// breakOnSeparator looks for the last occurrence of a configured separator
// between start+step (the next chunk's start, so the window never shrinks
// below what the next chunk will cover) and end, returning its position if
// found, else the unmodified end.
func (c *Chunker) breakOnSeparator(runes []rune, start, end, step int) int {
	if end >= len(runes) || len(c.profile.Separators) == 0 {
		return end
	}

	floor := start + step
	if floor >= end {
		return end
	}

	window := string(runes[floor:end])
	// Separators are tried in priority order (as documented on Profile.Separators),
	// not by which one happens to match furthest right: the first separator in the
	// list that appears anywhere in window wins, using its rightmost occurrence.
	for _, sep := range c.profile.Separators {
		if sep == "" {
			continue
		}
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		// LastIndex works in bytes; translate the byte offset within window back
		// to a rune count before adding it to floor (a rune index), or a
		// multi-byte separator/preceding text would push the boundary past the
		// end of runes.
		return floor + utf8.RuneCountInString(window[:idx+len(sep)])
	}
	return end
}
