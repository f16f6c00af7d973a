package loader

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/maripedg/ragserve/internal/chunker"
)

// XLSXLoader extracts one Item per sheet, rendered as a pipe-delimited table
// summary rather than a raw cell dump.
type XLSXLoader struct{}

func (l *XLSXLoader) Load(path, contentType string) ([]chunker.Item, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	items := make([]chunker.Item, 0, len(sheets))

	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		summary := renderPipeTable(rows)
		if summary == "" {
			continue
		}

		items = append(items, chunker.Item{
			Text:      fmt.Sprintf("Sheet: %s\n\n%s", sheet, summary),
			SheetName: sheet,
		})
	}

	return items, nil
}

// renderPipeTable renders rows as a markdown-style pipe table: header row,
// a separator row, then one row per remaining record.
func renderPipeTable(rows [][]string) string {
	header := rows[0]
	if len(header) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(pipeRow(header))
	b.WriteString("\n")
	b.WriteString(pipeRow(make([]string, len(header))))

	for i := 1; i < len(rows); i++ {
		b.WriteString("\n")
		b.WriteString(pipeRow(padRow(rows[i], len(header))))
	}
	return b.String()
}

func pipeRow(cells []string) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		if c == "" {
			parts[i] = "---"
		} else {
			parts[i] = strings.TrimSpace(c)
		}
	}
	return "| " + strings.Join(parts, " | ") + " |"
}

func padRow(row []string, width int) []string {
	if len(row) >= width {
		return row[:width]
	}
	padded := make([]string, width)
	copy(padded, row)
	return padded
}
