package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/maripedg/ragserve/internal/apperr"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return apperr.Newf(apperr.InvariantViolated, "invalid identifier %q", name)
	}
	return nil
}

var distanceOperators = map[Distance]string{
	DistanceCosine:       "<=>",
	DistanceL2:           "<->",
	DistanceInnerProduct: "<#>",
}

var distanceOpsClasses = map[Distance]string{
	DistanceCosine:       "vector_cosine_ops",
	DistanceL2:           "vector_l2_ops",
	DistanceInnerProduct: "vector_ip_ops",
}

// PostgresStore implements VectorStore on PostgreSQL + pgvector. Physical
// tables are plain relations; alias rotation is a CREATE OR REPLACE VIEW,
// which Postgres applies atomically under its own DDL transaction.
type PostgresStore struct {
	pool *pgxpool.Pool

	aliasMu   sync.Mutex
	aliasLock map[string]*sync.Mutex
}

// NewPostgresStore wraps an existing connection pool. The caller owns the
// pool's lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:      pool,
		aliasLock: make(map[string]*sync.Mutex),
	}
}

// EnsureSchema creates the sidecar table that tracks each physical table's
// declared dimension and distance operator, so EnsureIndexTable can detect
// schema drift without introspecting pgvector's internal type modifiers.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS rag_index_tables (
			table_name TEXT PRIMARY KEY,
			dim        INT NOT NULL,
			distance   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("ensuring vectorstore schema: %w", err))
	}
	return nil
}

func (s *PostgresStore) EnsureIndexTable(ctx context.Context, table string, dim int, distance Distance) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}
	opClass, ok := distanceOpsClasses[distance]
	if !ok {
		return apperr.Newf(apperr.InvariantViolated, "unknown distance %q", distance)
	}

	var existingDim int
	var existingDistance string
	err := s.pool.QueryRow(ctx,
		`SELECT dim, distance FROM rag_index_tables WHERE table_name = $1`, table,
	).Scan(&existingDim, &existingDistance)

	switch {
	case err == nil:
		if existingDim != dim || existingDistance != string(distance) {
			return apperr.Newf(apperr.SchemaDrift,
				"table %s already exists with dim=%d distance=%s, requested dim=%d distance=%s",
				table, existingDim, existingDistance, dim, distance)
		}
		return nil
	case err == pgx.ErrNoRows:
		// fall through to creation
	default:
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("checking existing table %s: %w", table, err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.StoreFailed, err)
	}
	defer tx.Rollback(ctx)

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id  TEXT PRIMARY KEY,
			doc_id    TEXT NOT NULL,
			text      TEXT NOT NULL,
			metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			hash_norm TEXT NOT NULL
		)`, table, dim)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("creating table %s: %w", table, err))
	}

	indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_hash_norm_idx ON %s (hash_norm)`, table, table)
	if _, err := tx.Exec(ctx, indexSQL); err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("indexing hash_norm on %s: %w", table, err))
	}

	vecIndexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding %s)`, table, table, opClass)
	if _, err := tx.Exec(ctx, vecIndexSQL); err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("indexing embedding on %s: %w", table, err))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rag_index_tables (table_name, dim, distance) VALUES ($1, $2, $3)`,
		table, dim, string(distance),
	); err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("recording table %s: %w", table, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.StoreFailed, err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, table string, rows []Row, dedupeByHash bool) (UpsertResult, error) {
	if err := validateIdentifier(table); err != nil {
		return UpsertResult{}, err
	}
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}

	toInsert := rows
	skipped := 0

	if dedupeByHash {
		hashes := make([]string, len(rows))
		for i, r := range rows {
			hashes[i] = r.HashNorm
		}

		existing := make(map[string]bool)
		existQuery := fmt.Sprintf(`SELECT hash_norm FROM %s WHERE hash_norm = ANY($1)`, table)
		existRows, err := s.pool.Query(ctx, existQuery, hashes)
		if err != nil {
			return UpsertResult{}, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("checking existing hashes in %s: %w", table, err))
		}
		for existRows.Next() {
			var h string
			if err := existRows.Scan(&h); err != nil {
				existRows.Close()
				return UpsertResult{}, apperr.Wrap(apperr.StoreFailed, err)
			}
			existing[h] = true
		}
		existRows.Close()

		toInsert = toInsert[:0]
		seen := make(map[string]bool, len(rows))
		for _, r := range rows {
			if existing[r.HashNorm] || seen[r.HashNorm] {
				skipped++
				continue
			}
			seen[r.HashNorm] = true
			toInsert = append(toInsert, r)
		}
	}

	if len(toInsert) == 0 {
		return UpsertResult{Inserted: 0, Skipped: skipped}, nil
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, doc_id, text, metadata, embedding, hash_norm)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO NOTHING
	`, table)

	batch := &pgx.Batch{}
	for _, r := range toInsert {
		metaJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return UpsertResult{}, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("marshaling metadata for %s: %w", r.ChunkID, err))
		}
		batch.Queue(insertSQL, r.ChunkID, r.DocID, r.Text, metaJSON, pgvector.NewVector(r.Embedding), r.HashNorm)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range toInsert {
		tag, err := results.Exec()
		if err != nil {
			return UpsertResult{}, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("inserting into %s: %w", table, err))
		}
		inserted += int(tag.RowsAffected())
	}
	skipped += len(toInsert) - inserted

	return UpsertResult{Inserted: inserted, Skipped: skipped}, nil
}

func (s *PostgresStore) EnsureAlias(ctx context.Context, alias, physicalTable string) error {
	if err := validateIdentifier(alias); err != nil {
		return err
	}
	if err := validateIdentifier(physicalTable); err != nil {
		return err
	}

	lock := s.lockFor(alias)
	lock.Lock()
	defer lock.Unlock()

	sql := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM %s`, alias, physicalTable)
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return apperr.Wrap(apperr.AliasFailed, fmt.Errorf("repointing alias %s to %s: %w", alias, physicalTable, err))
	}
	return nil
}

func (s *PostgresStore) lockFor(alias string) *sync.Mutex {
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()

	lock, ok := s.aliasLock[alias]
	if !ok {
		lock = &sync.Mutex{}
		s.aliasLock[alias] = lock
	}
	return lock
}

func (s *PostgresStore) SimilaritySearch(ctx context.Context, viewName string, queryVector []float32, k int, distance Distance) ([]SearchResult, error) {
	if err := validateIdentifier(viewName); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 1
	}
	op, ok := distanceOperators[distance]
	if !ok {
		return nil, apperr.Newf(apperr.InvariantViolated, "unknown distance %s", distance)
	}

	// the caller passes the distance operator the target table/view was
	// actually built with; a view is schemaless w.r.t. distance, so the
	// store cannot infer it from viewName alone.
	query := fmt.Sprintf(`
		SELECT chunk_id, doc_id, text, metadata, hash_norm, embedding %s $1 AS distance
		FROM %s
		ORDER BY embedding %s $1
		LIMIT $2
	`, op, viewName, op)

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(queryVector), k)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("similarity search on %s: %w", viewName, err))
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r        SearchResult
			metaJSON []byte
		)
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.Text, &metaJSON, &r.HashNorm, &r.Score); err != nil {
			return nil, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("scanning search result from %s: %w", viewName, err))
		}
		if distance == DistanceInnerProduct {
			// <#> yields the negative inner product; report the inner product
			// itself so a higher score means a closer match.
			r.Score = -r.Score
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("unmarshaling metadata from %s: %w", viewName, err))
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *PostgresStore) Count(ctx context.Context, table string) (int, error) {
	if err := validateIdentifier(table); err != nil {
		return 0, err
	}
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreFailed, fmt.Errorf("counting %s: %w", table, err))
	}
	return count, nil
}

func (s *PostgresStore) Drop(ctx context.Context, table string) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.StoreFailed, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("dropping %s: %w", table, err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rag_index_tables WHERE table_name = $1`, table); err != nil {
		return apperr.Wrap(apperr.StoreFailed, fmt.Errorf("removing table record for %s: %w", table, err))
	}
	return tx.Commit(ctx)
}

var _ VectorStore = (*PostgresStore)(nil)
