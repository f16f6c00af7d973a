// Package profile loads named ingestion Profiles and Domain alias mappings
// from a JSON registry file on disk, resolved once at startup.
package profile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/maripedg/ragserve/internal/apperr"
	"github.com/maripedg/ragserve/internal/chunker"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

// Profile is a named ingestion configuration: chunking strategy, distance
// metric, batching, dedupe, and the index/alias names a job targets.
type Profile struct {
	Name         string
	Chunker      chunker.Profile
	Distance     vectorstore.Distance
	MetadataKeep []string
	BatchSize    int
	Workers      int
	RateLimitPerMin int
	DedupeByHash bool
	IndexName    string
	AliasName    string
	EmbeddingDim int
	OCR          bool
}

// Domain maps a request-time domain key to the physical index and alias a
// job or a query should target instead of the default.
type Domain struct {
	Key           string
	PhysicalIndex string
	AliasName     string
}

// rawRegistry mirrors the on-disk JSON shape: a map of profile name to
// profile body, and a map of domain key to domain body.
type rawRegistry struct {
	Profiles map[string]rawProfile `json:"profiles"`
	Domains  map[string]rawDomain  `json:"domains"`
}

type rawProfile struct {
	Chunker struct {
		Kind                           string   `json:"kind"`
		Size                           int      `json:"size"`
		Overlap                        int      `json:"overlap"`
		Separators                     []string `json:"separators"`
		MaxTokens                      int      `json:"max_tokens"`
		OverlapRatio                   float64  `json:"overlap_ratio"`
		TokenizerName                  string   `json:"tokenizer_name"`
		AdminSectionHeadingRegex       []string `json:"admin_section_heading_regex"`
		StopExcludingAfterHeadingRegex string   `json:"stop_excluding_after_heading_regex"`
		PreferTOCSections              bool     `json:"prefer_toc_sections"`
		InlineFigures                  bool     `json:"inline_figures"`
	} `json:"chunker"`
	Distance        string   `json:"distance"`
	MetadataKeep    []string `json:"metadata_keep"`
	BatchSize       int      `json:"batch_size"`
	Workers         int      `json:"workers"`
	RateLimitPerMin int      `json:"rate_limit_per_min"`
	DedupeByHash    bool     `json:"dedupe_by_hash"`
	IndexName       string   `json:"index_name"`
	AliasName       string   `json:"alias_name"`
	EmbeddingDim    int      `json:"embedding_dim"`
	OCR             bool     `json:"ocr"`
}

type rawDomain struct {
	IndexName string `json:"index_name"`
	AliasName string `json:"alias_name"`
}

// Registry is a resolved, in-memory set of Profiles and Domains.
type Registry struct {
	profiles map[string]Profile
	domains  map[string]Domain
}

// Load reads and validates a profile registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile registry %s: %w", path, err)
	}

	var raw rawRegistry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing profile registry %s: %w", path, err)
	}

	reg := &Registry{
		profiles: make(map[string]Profile, len(raw.Profiles)),
		domains:  make(map[string]Domain, len(raw.Domains)),
	}

	for name, rp := range raw.Profiles {
		p := Profile{
			Name: name,
			Chunker: chunker.Profile{
				Kind:                           chunker.Kind(rp.Chunker.Kind),
				Size:                           rp.Chunker.Size,
				Overlap:                        rp.Chunker.Overlap,
				Separators:                     rp.Chunker.Separators,
				MaxTokens:                      rp.Chunker.MaxTokens,
				OverlapRatio:                   rp.Chunker.OverlapRatio,
				TokenizerName:                  rp.Chunker.TokenizerName,
				AdminSectionHeadingRegex:       rp.Chunker.AdminSectionHeadingRegex,
				StopExcludingAfterHeadingRegex: rp.Chunker.StopExcludingAfterHeadingRegex,
				PreferTOCSections:              rp.Chunker.PreferTOCSections,
				InlineFigures:                  rp.Chunker.InlineFigures,
				DedupeByHash:                   rp.DedupeByHash,
			},
			Distance:        vectorstore.Distance(rp.Distance),
			MetadataKeep:    rp.MetadataKeep,
			BatchSize:       rp.BatchSize,
			Workers:         rp.Workers,
			RateLimitPerMin: rp.RateLimitPerMin,
			DedupeByHash:    rp.DedupeByHash,
			IndexName:       rp.IndexName,
			AliasName:       rp.AliasName,
			EmbeddingDim:    rp.EmbeddingDim,
			OCR:             rp.OCR,
		}
		if p.IndexName == "" || p.AliasName == "" {
			return nil, fmt.Errorf("profile %q: index_name and alias_name are required", name)
		}
		if p.Chunker.Kind == chunker.KindToken && p.Chunker.TokenizerName != "" && p.Chunker.TokenizerName != "approx_word_boundary" {
			return nil, fmt.Errorf("profile %q: unknown tokenizer %q", name, p.Chunker.TokenizerName)
		}
		if _, err := chunker.New(p.Chunker); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		reg.profiles[name] = p
	}

	for key, rd := range raw.Domains {
		reg.domains[key] = Domain{Key: key, PhysicalIndex: rd.IndexName, AliasName: rd.AliasName}
	}

	return reg, nil
}

// Get resolves a profile by name.
func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, apperr.Newf(apperr.UnknownProfile, "unknown profile %q", name)
	}
	return p, nil
}

// GetDomain resolves a domain key to its alias override.
func (r *Registry) GetDomain(key string) (Domain, error) {
	d, ok := r.domains[key]
	if !ok {
		return Domain{}, apperr.Newf(apperr.UnknownDomain, "unknown domain %q", key)
	}
	return d, nil
}
