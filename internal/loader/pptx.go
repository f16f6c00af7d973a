package loader

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/maripedg/ragserve/internal/chunker"
)

// PPTXLoader extracts one Item per slide; speaker notes, when present, are
// appended after a blank line. A PPTX is a zip of OOXML parts, so this is
// implemented directly against stdlib archive/zip + encoding/xml rather than
// a third-party PPTX library (none exists in the ecosystem the rest of this
// loader draws from).
type PPTXLoader struct{}

type pptxSlideXML struct {
	CSld struct {
		SpTree struct {
			SPs []pptxSP `xml:"sp"`
		} `xml:"spTree"`
	} `xml:"cSld"`
}

type pptxSP struct {
	TxBody *pptxTxBody `xml:"txBody"`
}

type pptxTxBody struct {
	Paras []pptxPara `xml:"p"`
}

type pptxPara struct {
	Runs []pptxRun `xml:"r"`
}

type pptxRun struct {
	Text string `xml:"t"`
}

func (l *PPTXLoader) Load(path, contentType string) ([]chunker.Item, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening PPTX %s: %w", path, err)
	}
	defer r.Close()

	slideFiles := map[int]*zip.File{}
	notesFiles := map[int]*zip.File{}
	for _, f := range r.File {
		if n, ok := slideNumberFromName(f.Name, "ppt/slides/slide"); ok {
			slideFiles[n] = f
		}
		if n, ok := slideNumberFromName(f.Name, "ppt/notesSlides/notesSlide"); ok {
			notesFiles[n] = f
		}
	}

	nums := make([]int, 0, len(slideFiles))
	for n := range slideFiles {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	items := make([]chunker.Item, 0, len(nums))
	for _, n := range nums {
		text, err := extractSlideText(slideFiles[n])
		if err != nil || text == "" {
			continue
		}

		if nf, ok := notesFiles[n]; ok {
			if notes, err := extractSlideText(nf); err == nil && notes != "" {
				text = text + "\n\n" + notes
			}
		}

		slideNum := n
		items = append(items, chunker.Item{
			Text:        text,
			SlideNumber: &slideNum,
		})
	}

	return items, nil
}

func slideNumberFromName(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".xml") {
		return 0, false
	}
	var num int
	rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".xml")
	if _, err := fmt.Sscanf(rest, "%d", &num); err != nil || num <= 0 {
		return 0, false
	}
	return num, true
}

func extractSlideText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	var slide pptxSlideXML
	if err := xml.Unmarshal(data, &slide); err != nil {
		return "", err
	}

	var lines []string
	for _, sp := range slide.CSld.SpTree.SPs {
		if sp.TxBody == nil {
			continue
		}
		for _, para := range sp.TxBody.Paras {
			var line strings.Builder
			for _, run := range para.Runs {
				line.WriteString(run.Text)
			}
			if t := strings.TrimSpace(line.String()); t != "" {
				lines = append(lines, t)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}
