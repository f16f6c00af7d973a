package ingestion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maripedg/ragserve/internal/apperr"
)

// ManifestEntry is one JSON-Lines record of an on-disk ingestion manifest.
// Path is the only required field; it may be a glob, expanded relative to
// the manifest file's directory.
type ManifestEntry struct {
	Path     string            `json:"path"`
	DocID    string            `json:"doc_id,omitempty"`
	Profile  string            `json:"profile,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Lang     string            `json:"lang,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResolvedDoc is a single concrete file after glob expansion, with a
// guaranteed-unique doc_id.
type ResolvedDoc struct {
	ManifestEntry
	ResolvedPath string
	DocID        string
}

// WriteManifest serialises entries as JSON-Lines to path.
func WriteManifest(path string, entries []ManifestEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating manifest %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling manifest entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("writing manifest %s: %w", path, err)
		}
	}
	return w.Flush()
}

// LoadManifest reads and parses a JSON-Lines manifest file.
func LoadManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var entries []ManifestEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e ManifestEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parsing manifest entry in %s: %w", path, err)
		}
		if e.Path == "" {
			return nil, fmt.Errorf("manifest entry in %s missing required path", path)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ExpandManifest resolves each entry's path (possibly a glob) relative to
// baseDir, assigning a unique doc_id to every resolved file. Globbed matches
// get a "<base>_<N>" suffix; a single match keeps the entry's own doc_id (or
// the file's base name if none was given). Missing files are returned as a
// single aggregated error naming every offending entry. Patterns use
// filepath.Glob syntax: "**" is not a recursive wildcard, so matching never
// descends into subdirectories.
func ExpandManifest(entries []ManifestEntry, baseDir string) ([]ResolvedDoc, error) {
	var resolved []ResolvedDoc
	var missing []string

	for _, e := range entries {
		pattern := e.Path
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", e.Path, err)
		}
		if len(matches) == 0 {
			missing = append(missing, e.Path)
			continue
		}

		base := e.DocID
		if base == "" {
			base = strings.TrimSuffix(filepath.Base(pattern), filepath.Ext(pattern))
		}

		if len(matches) == 1 {
			docID := base
			if e.DocID == "" {
				docID = strings.TrimSuffix(filepath.Base(matches[0]), filepath.Ext(matches[0]))
			}
			resolved = append(resolved, ResolvedDoc{ManifestEntry: e, ResolvedPath: matches[0], DocID: docID})
			continue
		}

		for i, m := range matches {
			resolved = append(resolved, ResolvedDoc{
				ManifestEntry: e,
				ResolvedPath:  m,
				DocID:         fmt.Sprintf("%s_%d", base, i),
			})
		}
	}

	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.UploadMissing, "manifest entries matched no files: %s", strings.Join(missing, ", "))
	}
	return resolved, nil
}
