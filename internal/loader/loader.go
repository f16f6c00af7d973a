// Package loader reads source documents of varying formats and produces
// ordered Items for the chunker, attaching per-item positional metadata
// (page, slide, sheet, section path).
package loader

import (
	"path/filepath"
	"strings"

	"github.com/maripedg/ragserve/internal/apperr"
	"github.com/maripedg/ragserve/internal/chunker"
)

// Loader extracts ordered Items from a single file.
type Loader interface {
	Load(path, contentType string) ([]chunker.Item, error)
}

// ContentTypes recognised by name, matching the allow_mime configuration
// surface (see config.IngestConfig.AllowMime).
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypeHTML = "text/html"
	ContentTypeTXT  = "text/plain"
)

// Registry dispatches by content type to the matching format loader.
type Registry struct {
	pdf  *PDFLoader
	docx *DOCXLoader
	pptx *PPTXLoader
	xlsx *XLSXLoader
	html *HTMLLoader
	txt  *TXTLoader
}

// NewRegistry constructs a Registry with every built-in format loader.
func NewRegistry() *Registry {
	return &Registry{
		pdf:  &PDFLoader{},
		docx: &DOCXLoader{},
		pptx: &PPTXLoader{},
		xlsx: &XLSXLoader{},
		html: &HTMLLoader{},
		txt:  &TXTLoader{},
	}
}

// Load dispatches path to the loader matching contentType. If contentType is
// empty, it is guessed from the file extension.
func (r *Registry) Load(path, contentType string) ([]chunker.Item, error) {
	ct := contentType
	if ct == "" {
		ct = guessContentType(path)
	}

	var items []chunker.Item
	var err error

	switch ct {
	case ContentTypePDF:
		items, err = r.pdf.Load(path, ct)
	case ContentTypeDOCX:
		items, err = r.docx.Load(path, ct)
	case ContentTypePPTX:
		items, err = r.pptx.Load(path, ct)
	case ContentTypeXLSX:
		items, err = r.xlsx.Load(path, ct)
	case ContentTypeHTML:
		items, err = r.html.Load(path, ct)
	case ContentTypeTXT:
		items, err = r.txt.Load(path, ct)
	default:
		return nil, apperr.Newf(apperr.UnsupportedMime, "no loader registered for content type %q", ct)
	}
	if err != nil {
		return nil, err
	}

	for i := range items {
		items[i].ContentType = ct
		items[i].Source = path
	}
	return items, nil
}

func guessContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return ContentTypePDF
	case ".docx":
		return ContentTypeDOCX
	case ".pptx":
		return ContentTypePPTX
	case ".xlsx":
		return ContentTypeXLSX
	case ".html", ".htm":
		return ContentTypeHTML
	default:
		return ContentTypeTXT
	}
}
