package chunker

// ImageRef describes an inline image discovered by a loader within an Item's
// text. It never carries image bytes, only enough to describe and locate one.
type ImageRef struct {
	Path     string // relative path under the asset store, e.g. "<doc_id>/img_003.png"
	Caption  string
	FigureID string
}

// Item is one unit of loader output: a loader turns a source document into an
// ordered list of Items (one per page, slide, sheet, or top-level section),
// each carrying its own positional metadata.
type Item struct {
	Text        string
	ContentType string
	Source      string

	Page        *int
	SlideNumber *int
	SheetName   string
	SectionPath string

	Images []ImageRef
}
