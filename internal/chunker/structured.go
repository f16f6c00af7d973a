package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	headingPattern       = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	numericPrefixPattern = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+(.*)$`)
)

type headingSection struct {
	level   int
	heading string
	path    string
	body    string
}

// chunkStructured partitions office-format items by heading, preferring the
// deepest available level (level 3, else level 2) within each item's
// top-level procedure. Admin sections are filtered per the configured
// regexes; inline figures are attached to the first section of their item.
func (c *Chunker) chunkStructured(items []Item) []Chunk {
	adminRes := compileAll(c.profile.AdminSectionHeadingRegex)
	stopRe := compileOptional(c.profile.StopExcludingAfterHeadingRegex)
	excluding := len(adminRes) > 0

	var out []Chunk

	for _, item := range items {
		procedure := item.SectionPath
		if procedure == "" {
			procedure = item.Source
		}

		if excluded, resumed := checkAdminFilter(procedure, adminRes, stopRe, excluding); excluded {
			continue
		} else if resumed {
			excluding = false
		}

		sections := splitHeadings(item.Text, procedure)
		level := preferredLevel(sections)
		grouped := groupByLevel(sections, level)

		firstSectionIdx := -1
		for _, sec := range grouped {
			if excluded, resumed := checkAdminFilter(sec.heading, adminRes, stopRe, excluding); excluded {
				continue
			} else if resumed {
				excluding = false
			}

			var body strings.Builder
			fmt.Fprintf(&body, "Procedure: %s\nSection: %s\nPath: %s\n\n%s", procedure, sec.heading, sec.path, sec.body)

			chunk := Chunk{
				Text:        body.String(),
				Source:      item.Source,
				BlockType:   "structured",
				SectionPath: sec.path,
				Page:        item.Page,
				SlideNumber: item.SlideNumber,
				SheetName:   item.SheetName,
			}

			out = append(out, chunk)
			parentRawIndex := len(out) - 1
			if firstSectionIdx == -1 {
				firstSectionIdx = parentRawIndex
			}

			if c.profile.InlineFigures && parentRawIndex == firstSectionIdx && len(item.Images) > 0 {
				out[parentRawIndex].Text += buildFigureMarkers(item.Images)
				for _, img := range item.Images {
					out = append(out, Chunk{
						Text:                  figureDescription(img),
						Source:                item.Source,
						ChunkType:             ChunkFigure,
						BlockType:             "figure",
						FigureID:              img.FigureID,
						ImageRef:              img.Path,
						SectionPath:           sec.path,
						ParentChunkLocalIndex: parentRawIndex,
					})
				}
			}
		}
	}

	return out
}

// checkAdminFilter reports whether heading should be dropped given the
// current excluding state, and whether the stop-excluding pattern fired
// (permanently re-enabling inclusion from this heading onward).
func checkAdminFilter(heading string, adminRes []*regexp.Regexp, stopRe *regexp.Regexp, excluding bool) (excluded, resumed bool) {
	if !excluding {
		return false, false
	}
	if stopRe != nil && stopRe.MatchString(heading) {
		return false, true
	}
	if matchesAny(adminRes, heading) {
		return true, false
	}
	return false, false
}

func compileAll(patterns []string) []*regexp.Regexp {
	var res []*regexp.Regexp
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			res = append(res, re)
		}
	}
	return res
}

func compileOptional(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// splitHeadings scans item text for markdown-style headings and returns the
// sections between them, each carrying the heading's level and its
// ancestor path. Numeric prefixes already present in a heading (e.g. "3.2.1
// Reboot") are preserved verbatim and never synthesised.
func splitHeadings(text, procedure string) []headingSection {
	matches := headingPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []headingSection{{level: 1, heading: procedure, path: procedure, body: text}}
	}

	var sections []headingSection
	type ancestor struct {
		level int
		name  string
	}
	var stack []ancestor

	for i, m := range matches {
		level := m[3] - m[2] // number of '#' characters
		heading := strings.TrimSpace(text[m[4]:m[5]])

		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])

		// pop every ancestor at this level or deeper: a heading only
		// extends the path of strictly shallower headings, so two
		// same-level headings in a row must not nest one under the other.
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, ancestor{level: level, name: heading})

		path := make([]string, len(stack))
		for i, a := range stack {
			path[i] = a.name
		}

		sections = append(sections, headingSection{
			level:   level,
			heading: heading,
			path:    strings.Join(path, " > "),
			body:    body,
		})
	}
	return sections
}

// preferredLevel picks level 3 if any section reaches it, else level 2, else
// whatever the shallowest available level is.
func preferredLevel(sections []headingSection) int {
	hasLevel := map[int]bool{}
	min := 0
	for _, s := range sections {
		hasLevel[s.level] = true
		if min == 0 || s.level < min {
			min = s.level
		}
	}
	if hasLevel[3] {
		return 3
	}
	if hasLevel[2] {
		return 2
	}
	return min
}

// groupByLevel merges consecutive deeper sections under the nearest section
// at the chosen level, so the chunker emits one chunk per boundary of that
// level rather than per raw heading.
func groupByLevel(sections []headingSection, level int) []headingSection {
	var grouped []headingSection
	for _, s := range sections {
		if s.level <= level || len(grouped) == 0 {
			grouped = append(grouped, s)
			continue
		}
		last := &grouped[len(grouped)-1]
		last.body = strings.TrimSpace(last.body + "\n\n" + s.heading + "\n" + s.body)
	}
	return grouped
}

func buildFigureMarkers(images []ImageRef) string {
	var b strings.Builder
	for _, img := range images {
		fmt.Fprintf(&b, "\n\n[FIGURE:%s]", img.FigureID)
	}
	return b.String()
}

func figureDescription(img ImageRef) string {
	if img.Caption != "" {
		return fmt.Sprintf("Figure %s: %s", img.FigureID, img.Caption)
	}
	return fmt.Sprintf("Figure %s (%s)", img.FigureID, img.Path)
}
