// Package sanitizer implements pattern-driven PII redaction/pseudonymisation.
// It is a stateless text transformer: given a pack of labelled patterns and
// a runtime mode, it finds, validates, and optionally replaces matches,
// returning per-label counters.
package sanitizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mode controls whether matches are detected only, or also replaced.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeShadow Mode = "shadow"
	ModeOn     Mode = "on"
)

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithAudit enables the append-only JSON-lines audit sink at path.
func WithAudit(path string) Option {
	return func(s *Sanitizer) {
		s.auditPath = path
		s.auditEnabled = true
	}
}

// WithHashSalt sets the salt mixed into pseudonym hashes.
func WithHashSalt(salt string) Option {
	return func(s *Sanitizer) { s.hashSalt = salt }
}

// WithPseudonym switches placeholder generation from redact to pseudonym.
func WithPseudonym(enabled bool) Option {
	return func(s *Sanitizer) { s.pseudonym = enabled }
}

// Sanitizer applies a SanitizerPack to text in a configured Mode.
type Sanitizer struct {
	configDir string
	mode      Mode
	cache     *cache

	pseudonym    bool
	hashSalt     string
	auditEnabled bool
	auditPath    string
	auditMu      sync.Mutex
}

// New creates a Sanitizer reading packs from configDir, running in mode.
func New(configDir string, mode Mode, opts ...Option) *Sanitizer {
	s := &Sanitizer{
		configDir: configDir,
		mode:      mode,
		cache:     newCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Counters maps a PII label to the number of matches found/replaced.
type Counters map[string]int

// Sanitize runs the redaction algorithm against text for document docId using the
// named profile pack.
func (s *Sanitizer) Sanitize(profile, docID, text string) (string, Counters, error) {
	if s.mode == ModeOff {
		return text, Counters{}, nil
	}

	pack, err := s.cache.get(s.configDir, profile)
	if err != nil {
		return text, Counters{}, fmt.Errorf("loading sanitizer pack: %w", err)
	}

	counters := Counters{}
	out := text

	if s.mode == ModeShadow {
		for _, r := range pack.rules {
			if n := len(s.matchSpans(pack, r, text)); n > 0 {
				counters[r.label] = n
			}
		}
		s.audit(profile, docID, ModeShadow, counters)
		return text, counters, nil
	}

	// mode == on: replace right-to-left per rule to keep offsets stable.
	for _, r := range pack.rules {
		spans := s.matchSpans(pack, r, out)
		if len(spans) == 0 {
			continue
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i][0] > spans[j][0] })
		replaced := 0
		for _, sp := range spans {
			start, end, matched := sp[0], sp[1], out[sp[0]:sp[1]]
			placeholder := s.placeholderFor(pack, r.label, matched)
			out = out[:start] + placeholder + out[end:]
			replaced++
		}
		if replaced > 0 {
			counters[r.label] = replaced
		}
	}

	s.audit(profile, docID, ModeOn, counters)
	return out, counters, nil
}

// matchSpans returns non-overlapping [start,end) byte spans for a rule's
// patterns that pass validation and are not in the pack's allowlist. A rule
// with more than one pattern can otherwise produce overlapping spans (e.g. a
// phone pattern and a generic digit-run pattern both matching the same
// substring); dedupeOverlaps collapses those before Sanitize replaces them.
func (s *Sanitizer) matchSpans(pack *Pack, r rule, text string) [][2]int {
	var spans [][2]int
	for _, re := range r.patterns {
		locs := re.FindAllStringSubmatchIndex(text, -1)
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			if r.group > 0 && 2*r.group+1 < len(loc) && loc[2*r.group] >= 0 {
				start, end = loc[2*r.group], loc[2*r.group+1]
			}
			matched := text[start:end]
			if _, skip := pack.allowlist[matched]; skip {
				continue
			}
			if r.validator == "luhn" && !luhnValid(matched) {
				continue
			}
			spans = append(spans, [2]int{start, end})
		}
	}
	return dedupeOverlaps(spans)
}

// dedupeOverlaps sorts spans by start and drops any span that begins before
// the end of the previously accepted span, so only non-overlapping spans
// remain, in ascending order.
func dedupeOverlaps(spans [][2]int) [][2]int {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	out := spans[:0]
	lastEnd := -1
	for _, sp := range spans {
		if sp[0] < lastEnd {
			continue
		}
		out = append(out, sp)
		lastEnd = sp[1]
	}
	return out
}

func (s *Sanitizer) placeholderFor(pack *Pack, label, matched string) string {
	upper := strings.ToUpper(label)
	if s.pseudonym {
		h := sha256.Sum256([]byte(s.hashSalt + matched))
		prefix := hex.EncodeToString(h[:])[:8]
		out := strings.ReplaceAll(pack.formatPseudo, "{TYPE}", upper)
		return strings.ReplaceAll(out, "{HASH}", prefix)
	}
	return strings.ReplaceAll(pack.format, "{TYPE}", upper)
}

// auditEntry is one line of the append-only audit sink.
type auditEntry struct {
	DocID      string   `json:"doc_id"`
	Profile    string   `json:"profile"`
	Mode       string   `json:"mode"`
	Redactions Counters `json:"redactions"`
	Timestamp  string   `json:"timestamp"`
}

func (s *Sanitizer) audit(profile, docID string, mode Mode, counters Counters) {
	if !s.auditEnabled || len(counters) == 0 {
		return
	}

	entry := auditEntry{
		DocID:      docID,
		Profile:    profile,
		Mode:       string(mode),
		Redactions: counters,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("sanitizer: failed to marshal audit entry", "error", err)
		return
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	f, err := os.OpenFile(s.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("sanitizer: failed to open audit sink", "path", s.auditPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("sanitizer: failed to write audit entry", "error", err)
	}
}
