package chunker

import (
	"strings"
	"testing"

	"github.com/maripedg/ragserve/internal/apperr"
)

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(Profile{Kind: "paragraph"})
	if err == nil {
		t.Fatal("expected error for unrecognised chunker kind")
	}
	if apperr.CodeOf(err) != apperr.UnknownProfile {
		t.Errorf("expected unknown_profile, got %v", apperr.CodeOf(err))
	}
}

func TestNew_RejectsUnknownTokenizer(t *testing.T) {
	_, err := New(Profile{Kind: KindToken, TokenizerName: "bpe_cl100k"})
	if err == nil {
		t.Fatal("expected error for unrecognised tokenizer")
	}
	if apperr.CodeOf(err) != apperr.UnknownProfile {
		t.Errorf("expected unknown_profile, got %v", apperr.CodeOf(err))
	}
}

func TestNew_AcceptsApproxWordBoundaryTokenizer(t *testing.T) {
	if _, err := New(Profile{Kind: KindToken, TokenizerName: "approx_word_boundary"}); err != nil {
		t.Fatalf("expected approx_word_boundary to be accepted, got %v", err)
	}
}

func TestChunk_EmptyItemsReturnsEmpty(t *testing.T) {
	c, _ := New(Profile{Kind: KindChar})
	chunks := c.Chunk("doc1", nil)
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for no items, got %d", len(chunks))
	}
}

func TestChunkID_Format(t *testing.T) {
	c, _ := New(Profile{Kind: KindChar, Size: 1000, Overlap: 0})
	chunks := c.Chunk("fiber_modem_reset", []Item{{Text: "short document body"}})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].ChunkID != "fiber_modem_reset_chunk_0000" {
		t.Errorf("unexpected chunk_id: %q", chunks[0].ChunkID)
	}
	if chunks[0].DocID != "fiber_modem_reset" {
		t.Errorf("unexpected doc_id: %q", chunks[0].DocID)
	}
}

// Property: concatenating chunk texts, each stripped of its leading overlap,
// reconstructs the original document. Content is whitespace-free so that
// finalize's per-chunk TrimSpace never perturbs a chunk boundary, letting the
// reconstruction hold exactly rather than merely "modulo cleaning".
func TestChunkChar_ReconstructsDocument(t *testing.T) {
	doc := strings.Repeat("abcdefghij", 50) // 500 chars, no whitespace
	c, _ := New(Profile{Kind: KindChar, Size: 50, Overlap: 10})

	chunks := c.Chunk("doc1", []Item{{Text: doc}})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0].Text)
	for i := 1; i < len(chunks); i++ {
		text := chunks[i].Text
		if len(text) > 10 {
			text = text[10:]
		}
		rebuilt.WriteString(text)
	}

	if rebuilt.String() != doc {
		t.Errorf("reconstruction diverged from source document: got %d chars, want %d", rebuilt.Len(), len(doc))
	}
}

func TestChunkChar_BreaksOnSeparator(t *testing.T) {
	doc := "Paragraph one is here.\n\nParagraph two follows after a blank line and runs on for a while to push past the window."
	c, _ := New(Profile{Kind: KindChar, Size: 34, Overlap: 14, Separators: []string{"\n\n"}})

	chunks := c.Chunk("doc1", []Item{{Text: doc}})
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if !strings.HasSuffix(chunks[0].Text, "here.") {
		t.Errorf("expected first chunk to snap to the paragraph break, got %q", chunks[0].Text)
	}
}

func TestChunkToken_RespectsMaxTokens(t *testing.T) {
	doc := strings.Repeat("word ", 100)
	c, _ := New(Profile{Kind: KindToken, MaxTokens: 20, OverlapRatio: 0.1})

	chunks := c.Chunk("doc1", []Item{{Text: doc}})
	for _, ch := range chunks {
		if n := approxTokenCount(ch.Text); n > 20 {
			t.Errorf("chunk exceeds MaxTokens: %d tokens", n)
		}
	}
	if len(chunks) < 4 {
		t.Errorf("expected several chunks from 100 words at MaxTokens=20, got %d", len(chunks))
	}
}

func TestApproxTokenCount_CountsPunctuationSeparately(t *testing.T) {
	n := approxTokenCount("Hello, world!")
	if n != 4 { // Hello , world !
		t.Errorf("expected 4 approximate tokens, got %d", n)
	}
}

func TestChunkStructured_PrefersDeepestLevel(t *testing.T) {
	item := Item{
		Text: `# Reset Procedure

## 3.1 Power Cycle

Unplug the device for ten seconds.

### 3.1.1 Fiber Modems

Hold the reset button while plugging it back in.

## 3.2 Verify

Check the status light turns solid green.
`,
		Source:      "fiber_manual.pdf",
		SectionPath: "Reset Procedure",
	}

	c, _ := New(Profile{Kind: KindStructured})
	chunks := c.Chunk("fiber_manual", []Item{item})

	var sawLevel3 bool
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "Section: 3.1.1 Fiber Modems") {
			sawLevel3 = true
			if !strings.Contains(ch.Text, "Procedure: Reset Procedure") {
				t.Errorf("expected procedure label in chunk, got %q", ch.Text)
			}
		}
	}
	if !sawLevel3 {
		t.Errorf("expected chunker to prefer level-3 headings when present, chunks: %+v", chunks)
	}
}

func TestChunkStructured_AdminFilterDropsMatchingSections(t *testing.T) {
	item := Item{
		Text: `## Internal Notes

Do not show this to customers.

## Public Steps

Reset the device as described.
`,
		SectionPath: "Manual",
	}

	c, _ := New(Profile{
		Kind:                     KindStructured,
		AdminSectionHeadingRegex: []string{"(?i)internal"},
	})
	chunks := c.Chunk("doc1", []Item{item})

	for _, ch := range chunks {
		if strings.Contains(ch.Text, "Internal Notes") {
			t.Errorf("admin-filtered section leaked into output: %q", ch.Text)
		}
	}
	var sawPublic bool
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "Public Steps") {
			sawPublic = true
		}
	}
	if !sawPublic {
		t.Error("expected non-admin section to survive filtering")
	}
}

func TestChunkStructured_StopExcludingResumesInclusion(t *testing.T) {
	item := Item{
		Text: `## Internal Draft

Hidden content.

## END INTERNAL

## Public Steps

Visible content.
`,
		SectionPath: "Manual",
	}

	c, _ := New(Profile{
		Kind:                           KindStructured,
		AdminSectionHeadingRegex:       []string{"(?i)internal"},
		StopExcludingAfterHeadingRegex: "(?i)end internal",
	})
	chunks := c.Chunk("doc1", []Item{item})

	var sawPublic bool
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "Public Steps") {
			sawPublic = true
		}
	}
	if !sawPublic {
		t.Error("expected sections after stop-excluding heading to be included")
	}
}

func TestChunkStructured_InlineFiguresProduceBacklinkedChunk(t *testing.T) {
	item := Item{
		Text:        "## Install\n\nMount the bracket as shown.\n",
		SectionPath: "Install Guide",
		Images: []ImageRef{
			{Path: "doc1/img_001.png", Caption: "bracket mounting diagram", FigureID: "fig001"},
		},
	}

	c, _ := New(Profile{Kind: KindStructured, InlineFigures: true})
	chunks := c.Chunk("doc1", []Item{item})

	var parent, figure *Chunk
	for i := range chunks {
		switch chunks[i].ChunkType {
		case ChunkFigure:
			figure = &chunks[i]
		default:
			if strings.Contains(chunks[i].Text, "[FIGURE:fig001]") {
				parent = &chunks[i]
			}
		}
	}
	if parent == nil {
		t.Fatal("expected parent chunk to carry inline figure marker")
	}
	if figure == nil {
		t.Fatal("expected a separate figure chunk")
	}
	if figure.ParentChunkID != parent.ChunkID {
		t.Errorf("figure chunk parent_chunk_id = %q, want %q", figure.ParentChunkID, parent.ChunkID)
	}
	if figure.ImageRef != "doc1/img_001.png" {
		t.Errorf("unexpected image_ref: %q", figure.ImageRef)
	}
	if !strings.Contains(figure.Text, "bracket mounting diagram") {
		t.Errorf("expected figure description to include caption, got %q", figure.Text)
	}
}

func TestHashNorm_CaseAndWhitespaceInsensitive(t *testing.T) {
	a := HashNorm("Hello   World")
	b := HashNorm("hello world")
	if a != b {
		t.Errorf("expected hash_norm to normalise case/whitespace: %q vs %q", a, b)
	}
}

func TestChunk_DedupeByHashPopulatesHashNorm(t *testing.T) {
	c, _ := New(Profile{Kind: KindChar, Size: 1000, DedupeByHash: true})
	chunks := c.Chunk("doc1", []Item{{Text: "some content here"}})
	if chunks[0].HashNorm == "" {
		t.Error("expected hash_norm to be populated when DedupeByHash is set")
	}
}
