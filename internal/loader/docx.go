package loader

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nguyenthenguyen/docx"

	"github.com/maripedg/ragserve/internal/chunker"
)

// DOCXLoader extracts one Item per heading-bounded section. The docx library
// returns a single flattened text blob with paragraph styling stripped, so
// section boundaries are detected heuristically: any non-blank line that
// looksLikeHeading accepts starts a new section. Detected headings carry no
// level, so sections are not nested.
type DOCXLoader struct{}

func (l *DOCXLoader) Load(path, contentType string) ([]chunker.Item, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX %s: %w", path, err)
	}
	defer doc.Close()

	text := strings.TrimSpace(doc.Editable().GetContent())
	if text == "" {
		return nil, fmt.Errorf("no text extracted from DOCX %s", path)
	}

	return splitByHeuristicHeadings(text), nil
}

func splitByHeuristicHeadings(text string) []chunker.Item {
	paragraphs := strings.Split(text, "\n")

	var items []chunker.Item
	currentSection := "Document"
	var body strings.Builder

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content == "" {
			return
		}
		items = append(items, chunker.Item{
			Text:        content,
			SectionPath: currentSection,
		})
		body.Reset()
	}

	for _, line := range paragraphs {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if looksLikeHeading(trimmed) {
			flush()
			currentSection = trimmed
			continue
		}
		body.WriteString(trimmed)
		body.WriteString("\n")
	}
	flush()

	if len(items) == 0 {
		items = append(items, chunker.Item{Text: text, SectionPath: "Document"})
	}
	return items
}

// looksLikeHeading applies general markdown-block heuristics
// (short, no terminal punctuation) to a flattened DOCX paragraph, since
// heading paragraph styles are not preserved by the text extraction library.
func looksLikeHeading(line string) bool {
	if len(line) == 0 || len(line) > 80 {
		return false
	}
	if strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") || strings.HasSuffix(line, ";") {
		return false
	}
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 10 {
		return false
	}
	upperCount := 0
	for _, r := range line {
		if unicode.IsUpper(r) {
			upperCount++
		}
	}
	return upperCount > 0
}
