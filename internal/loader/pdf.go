package loader

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/maripedg/ragserve/internal/chunker"
)

// PDFLoader extracts one Item per page of text.
type PDFLoader struct{}

func (l *PDFLoader) Load(path, contentType string) ([]chunker.Item, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF %s: %w", path, err)
	}
	defer f.Close()

	total := reader.NumPage()
	items := make([]chunker.Item, 0, total)

	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		pageNum := i
		items = append(items, chunker.Item{
			Text: text,
			Page: &pageNum,
		})
	}

	return items, nil
}
