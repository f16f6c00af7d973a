package chunker

// ChunkType tags the variant of a Chunk: ordinary text, or a figure
// description backing an inline image marker.
type ChunkType string

const (
	ChunkText   ChunkType = "text"
	ChunkFigure ChunkType = "figure"
)

// Chunk is an ordered unit of indexed content produced from an Item.
// The chunker fills in text, identity, and positional fields, plus HashNorm
// when its profile sets DedupeByHash. Chunk carries no embedding; vectors are
// computed and stored by later pipeline stages.
type Chunk struct {
	ChunkID string
	DocID   string
	Text    string
	Source  string

	ChunkType ChunkType
	BlockType string

	// Figure-only fields; zero-valued for ChunkText.
	FigureID              string
	ImageRef              string
	ParentChunkID         string
	ParentChunkLocalIndex int

	SectionPath string
	Page        *int
	SlideNumber *int
	SheetName   string

	Tags     []string
	Lang     string
	Priority int

	HashNorm string
}
