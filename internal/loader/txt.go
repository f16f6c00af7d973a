package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/maripedg/ragserve/internal/chunker"
)

// paragraphThresholdBytes is the size above which a TXT file is split into
// blank-line-separated paragraph Items instead of a single whole-file Item.
const paragraphThresholdBytes = 50_000

// TXTLoader reads a plain text file whole, or as paragraph blocks when it
// exceeds paragraphThresholdBytes.
type TXTLoader struct{}

func (l *TXTLoader) Load(path, contentType string) ([]chunker.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening TXT %s: %w", path, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}

	if len(data) <= paragraphThresholdBytes {
		return []chunker.Item{{Text: text}}, nil
	}

	paragraphs := strings.Split(text, "\n\n")
	items := make([]chunker.Item, 0, len(paragraphs))
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		items = append(items, chunker.Item{Text: p})
	}
	return items, nil
}
