package sanitizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Label rule compiled from a SanitizerPack entry.
type rule struct {
	label     string
	patterns  []*regexp.Regexp
	group     int
	validator string // "" | "luhn"
}

// Pack is a compiled, ready-to-use sanitiser pack: one rule per label (in no
// defined order), an allowlist, and placeholder formats.
type Pack struct {
	rules       []rule
	allowlist   map[string]struct{}
	format      string // e.g. "[{TYPE}]"
	formatPseudo string // e.g. "[{TYPE}:{HASH}]"
}

// rawPack mirrors the on-disk sanitizer pack JSON shape.
type rawPack struct {
	PII map[string]struct {
		Pattern   *string         `json:"pattern"`
		Patterns  []string        `json:"patterns"`
		GroupValue json.RawMessage `json:"group_value"`
		Validator string          `json:"validator"`
	} `json:"pii"`
	Allowlist struct {
		Tokens []string `json:"tokens"`
	} `json:"allowlist"`
	Placeholder struct {
		Format         string `json:"format"`
		FormatPseudonym string `json:"format_pseudonym"`
	} `json:"placeholder"`
}

// loadPack reads and compiles a pack file. Invalid regex is a fatal load
// error; this is a fatal load-time condition, not a runtime one.
func loadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sanitizer pack %s: %w", path, err)
	}

	var raw rawPack
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing sanitizer pack %s: %w", path, err)
	}

	p := &Pack{
		allowlist:    map[string]struct{}{},
		format:       raw.Placeholder.Format,
		formatPseudo: raw.Placeholder.FormatPseudonym,
	}
	if p.format == "" {
		p.format = "[{TYPE}]"
	}
	if p.formatPseudo == "" {
		p.formatPseudo = "[{TYPE}:{HASH}]"
	}
	for _, t := range raw.Allowlist.Tokens {
		p.allowlist[t] = struct{}{}
	}

	for label, def := range raw.PII {
		patterns := def.Patterns
		if def.Pattern != nil {
			patterns = append([]string{*def.Pattern}, patterns...)
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("sanitizer pack %s: label %q has no pattern", path, label)
		}
		r := rule{label: label, validator: def.Validator}
		for _, pat := range patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("sanitizer pack %s: label %q: invalid regex %q: %w", path, label, pat, err)
			}
			r.patterns = append(r.patterns, re)
		}
		if len(def.GroupValue) > 0 {
			var idx int
			if err := json.Unmarshal(def.GroupValue, &idx); err == nil {
				r.group = idx
			}
		}
		p.rules = append(p.rules, r)
	}

	return p, nil
}

// cache is a process-wide read-mostly cache of compiled packs keyed by
// (dir, profile), guarded by a single-flight group so concurrent first-loads
// of the same pack compile exactly once.
type cache struct {
	mu    sync.RWMutex
	packs map[string]*Pack
	group singleflight.Group
}

func newCache() *cache {
	return &cache{packs: map[string]*Pack{}}
}

func packKey(dir, profile string) string {
	return filepath.Join(dir, profile) + ".json"
}

func (c *cache) get(dir, profile string) (*Pack, error) {
	key := packKey(dir, profile)

	c.mu.RLock()
	if p, ok := c.packs[key]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if p, ok := c.packs[key]; ok {
			c.mu.RUnlock()
			return p, nil
		}
		c.mu.RUnlock()

		p, err := loadPack(key)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.packs[key] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pack), nil
}
