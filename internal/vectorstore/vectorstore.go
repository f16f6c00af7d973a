// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
)

// Distance is a supported pgvector distance operator.
type Distance string

const (
	DistanceCosine       Distance = "cosine"
	DistanceL2           Distance = "l2"
	DistanceInnerProduct Distance = "dot_product"
)

// Row is a single chunk written to a physical index table.
type Row struct {
	ChunkID   string
	DocID     string
	Text      string
	Metadata  map[string]any
	Embedding []float32
	HashNorm  string
}

// SearchResult is a row returned by a similarity search, with its raw
// score in the native units of the table's distance operator, except that
// for dot_product the score is the inner product itself (pgvector's <#>
// returns its negation). Callers normalise the score; the store never does.
type SearchResult struct {
	Row
	Score float64
}

// UpsertResult reports how many rows were written versus skipped as
// duplicates under dedupe-by-hash.
type UpsertResult struct {
	Inserted int
	Skipped  int
}

// VectorStore defines the interface for vector storage operations against
// versioned physical index tables, read through stable alias views.
type VectorStore interface {
	// EnsureIndexTable idempotently creates a physical table of the given
	// name and embedding dimension. If the table already exists, its
	// recorded dimension/distance must match or this returns a schema-drift
	// error.
	EnsureIndexTable(ctx context.Context, table string, dim int, distance Distance) error

	// Upsert inserts rows into table. When dedupeByHash is true, rows whose
	// hash_norm already exists in the table are silently skipped.
	Upsert(ctx context.Context, table string, rows []Row, dedupeByHash bool) (UpsertResult, error)

	// EnsureAlias atomically repoints the alias view to physicalTable.
	// The operation either fully succeeds or leaves the alias pointing at
	// its previous target.
	EnsureAlias(ctx context.Context, alias, physicalTable string) error

	// SimilaritySearch returns the top-k rows from viewName (an alias,
	// domain alias, or physical table) ordered by distance to queryVector
	// using the given distance operator. Callers must pass the distance the
	// target table/view was actually built with (a view is schemaless, so
	// the store cannot infer it).
	SimilaritySearch(ctx context.Context, viewName string, queryVector []float32, k int, distance Distance) ([]SearchResult, error)

	// Count returns the number of rows in table.
	Count(ctx context.Context, table string) (int, error)

	// Drop removes table entirely.
	Drop(ctx context.Context, table string) error
}
