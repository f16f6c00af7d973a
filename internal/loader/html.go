package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maripedg/ragserve/internal/chunker"
)

// HTMLLoader extracts one Item per heading-bounded section at any heading
// level (h1-h6), with section paths joining the enclosing headings, derived
// via DOM traversal rather than regex.
type HTMLLoader struct{}

func (l *HTMLLoader) Load(path, contentType string) ([]chunker.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening HTML %s: %w", path, err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML %s: %w", path, err)
	}

	doc.Find("script, style, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var items []chunker.Item
	var ancestors []string
	var body strings.Builder
	sectionPath := ""

	flush := func() {
		text := strings.TrimSpace(body.String())
		if text == "" {
			return
		}
		items = append(items, chunker.Item{Text: text, SectionPath: sectionPath})
		body.Reset()
	}

	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, td, pre").Each(func(i int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		if len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
			level := int(tag[1] - '0')
			flush()
			for len(ancestors) >= level {
				ancestors = ancestors[:len(ancestors)-1]
			}
			ancestors = append(ancestors, strings.TrimSpace(s.Text()))
			sectionPath = strings.Join(ancestors, " > ")
			return
		}
		if t := strings.TrimSpace(s.Text()); t != "" {
			body.WriteString(t)
			body.WriteString("\n")
		}
	})
	flush()

	if len(items) == 0 {
		text := strings.TrimSpace(doc.Find("body").Text())
		if text == "" {
			return nil, fmt.Errorf("no text extracted from HTML %s", path)
		}
		items = append(items, chunker.Item{Text: text, SectionPath: "Document"})
	}

	return items, nil
}
