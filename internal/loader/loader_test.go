package loader

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGuessContentType(t *testing.T) {
	cases := map[string]string{
		"report.pdf":  ContentTypePDF,
		"memo.docx":   ContentTypeDOCX,
		"deck.pptx":   ContentTypePPTX,
		"data.xlsx":   ContentTypeXLSX,
		"page.html":   ContentTypeHTML,
		"notes.txt":   ContentTypeTXT,
		"unknown.bin": ContentTypeTXT,
	}
	for name, want := range cases {
		if got := guessContentType(name); got != want {
			t.Errorf("guessContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestTXTLoader_WholeFileUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	if err := os.WriteFile(path, []byte("  hello world  "), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := (&TXTLoader{}).Load(path, ContentTypeTXT)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 1 || items[0].Text != "hello world" {
		t.Errorf("expected single trimmed item, got %+v", items)
	}
}

func TestTXTLoader_SplitsParagraphsOverThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")

	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(strings.Repeat("x", paragraphThresholdBytes/2))
		b.WriteString("\n\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := (&TXTLoader{}).Load(path, ContentTypeTXT)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("expected 3 paragraph items, got %d", len(items))
	}
}

func TestRenderPipeTable(t *testing.T) {
	rows := [][]string{
		{"Name", "Status"},
		{"router-1", "up"},
		{"router-2", "down"},
	}
	table := renderPipeTable(rows)
	if !strings.Contains(table, "| Name | Status |") {
		t.Errorf("expected header row, got %q", table)
	}
	if !strings.Contains(table, "| router-1 | up |") {
		t.Errorf("expected data row, got %q", table)
	}
	if !strings.Contains(table, "| --- | --- |") {
		t.Errorf("expected separator row, got %q", table)
	}
}

func TestPadRow(t *testing.T) {
	got := padRow([]string{"a"}, 3)
	if len(got) != 3 || got[0] != "a" || got[1] != "" {
		t.Errorf("unexpected padded row: %+v", got)
	}
}

func TestLooksLikeHeading(t *testing.T) {
	cases := map[string]bool{
		"Installation Guide":                     true,
		"Run the following command to install.": false,
		"a":                                      false,
		strings.Repeat("word ", 20):              false,
	}
	for in, want := range cases {
		if got := looksLikeHeading(in); got != want {
			t.Errorf("looksLikeHeading(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSplitByHeuristicHeadings(t *testing.T) {
	text := "Installation Guide\nRun the setup wizard and follow the prompts.\nVerification Steps\nCheck that the status light is solid green."
	items := splitByHeuristicHeadings(text)
	if len(items) != 2 {
		t.Fatalf("expected 2 sections, got %d: %+v", len(items), items)
	}
	if items[0].SectionPath != "Installation Guide" {
		t.Errorf("unexpected first section path: %q", items[0].SectionPath)
	}
	if items[1].SectionPath != "Verification Steps" {
		t.Errorf("unexpected second section path: %q", items[1].SectionPath)
	}
}

func TestSlideNumberFromName(t *testing.T) {
	n, ok := slideNumberFromName("ppt/slides/slide3.xml", "ppt/slides/slide")
	if !ok || n != 3 {
		t.Errorf("expected slide 3, got %d ok=%v", n, ok)
	}
	if _, ok := slideNumberFromName("ppt/slides/_rels/slide3.xml.rels", "ppt/slides/slide"); ok {
		t.Error("expected rels file to be rejected")
	}
}

func buildTestPPTX(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	slideXML := `<p:sld xmlns:p="ns" xmlns:a="ns2"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>Hold the reset button</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
	w, err := zw.Create("ppt/slides/slide1.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(slideXML)); err != nil {
		t.Fatal(err)
	}

	notesXML := `<p:notes xmlns:p="ns" xmlns:a="ns2"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>Remind the customer to wait 10 seconds</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:notes>`
	nw, err := zw.Create("ppt/notesSlides/notesSlide1.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nw.Write([]byte(notesXML)); err != nil {
		t.Fatal(err)
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPPTXLoader_SlideWithNotes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deck.pptx")
	buildTestPPTX(t, path)

	items, err := (&PPTXLoader{}).Load(path, ContentTypePPTX)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 slide item, got %d", len(items))
	}
	if !strings.Contains(items[0].Text, "Hold the reset button") {
		t.Errorf("expected slide body text, got %q", items[0].Text)
	}
	if !strings.Contains(items[0].Text, "Remind the customer to wait 10 seconds") {
		t.Errorf("expected notes appended, got %q", items[0].Text)
	}
	if items[0].SlideNumber == nil || *items[0].SlideNumber != 1 {
		t.Errorf("expected slide_number 1, got %+v", items[0].SlideNumber)
	}
}

func TestHTMLLoader_SectionsByHeading(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	html := `<html><body>
<h1>Reset Procedure</h1>
<p>Locate the reset button.</p>
<h2>Fiber Modems</h2>
<p>Hold the button for 10 seconds.</p>
</body></html>`
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := (&HTMLLoader{}).Load(path, ContentTypeHTML)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 sections, got %d: %+v", len(items), items)
	}
	if items[1].SectionPath != "Reset Procedure > Fiber Modems" {
		t.Errorf("unexpected nested section path: %q", items[1].SectionPath)
	}
}
