package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maripedg/ragserve/internal/repository"
)

// JobRepo implements repository.JobRepository.
type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, j *repository.Job) error {
	uploadIDsJSON, err := json.Marshal(j.UploadIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal upload ids: %w", err)
	}
	optionsJSON, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `
		INSERT INTO jobs (job_id, profile, upload_ids, options, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		j.JobID, j.Profile, uploadIDsJSON, optionsJSON, j.Status, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	query := `
		SELECT job_id, profile, upload_ids, options, status, created_at, started_at, finished_at,
		       files_total, files_processed, chunks_total, chunks_indexed, dedupe_skipped,
		       physical_table, alias_updated, promotion_blocked, eval_hit_rate, eval_mrr, eval_phrase_hit,
		       logs_tail, error_code, error_msg
		FROM jobs
		WHERE job_id = $1
	`
	row := r.db.Pool.QueryRow(ctx, query, id)
	j, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (r *JobRepo) Update(ctx context.Context, j *repository.Job) error {
	query := `
		UPDATE jobs
		SET status = $2, started_at = $3, finished_at = $4,
		    files_total = $5, files_processed = $6, chunks_total = $7, chunks_indexed = $8, dedupe_skipped = $9,
		    physical_table = $10, alias_updated = $11, promotion_blocked = $12,
		    eval_hit_rate = $13, eval_mrr = $14, eval_phrase_hit = $15,
		    logs_tail = $16, error_code = $17, error_msg = $18
		WHERE job_id = $1
	`
	logsJSON, err := json.Marshal(j.LogsTail)
	if err != nil {
		return fmt.Errorf("failed to marshal logs tail: %w", err)
	}

	result, err := r.db.Pool.Exec(ctx, query,
		j.JobID, j.Status, j.StartedAt, j.FinishedAt,
		j.Metrics.FilesTotal, j.Metrics.FilesProcessed, j.Metrics.ChunksTotal, j.Metrics.ChunksIndexed, j.Metrics.DedupeSkipped,
		j.Summary.PhysicalTable, j.Summary.AliasUpdated, j.Summary.PromotionBlocked,
		j.Summary.EvalHitRate, j.Summary.EvalMRR, j.Summary.EvalPhraseHit,
		logsJSON, j.ErrorCode, j.ErrorMsg)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ActiveUploadIDs returns the set of upload ids referenced by any job that
// is not yet in a terminal state, for create_job's conflict check.
func (r *JobRepo) ActiveUploadIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT upload_ids FROM jobs WHERE status IN ('queued', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active jobs: %w", err)
	}
	defer rows.Close()

	active := make(map[uuid.UUID]bool)
	for rows.Next() {
		var idsJSON []byte
		if err := rows.Scan(&idsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan active job uploads: %w", err)
		}
		var ids []uuid.UUID
		if err := json.Unmarshal(idsJSON, &ids); err != nil {
			return nil, fmt.Errorf("failed to unmarshal upload ids: %w", err)
		}
		for _, id := range ids {
			active[id] = true
		}
	}
	return active, nil
}

func scanJobRow(row pgx.Row) (*repository.Job, error) {
	var (
		j                                 repository.Job
		uploadIDsJSON, optionsJSON, logsJSON []byte
	)
	if err := row.Scan(
		&j.JobID, &j.Profile, &uploadIDsJSON, &optionsJSON, &j.Status, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		&j.Metrics.FilesTotal, &j.Metrics.FilesProcessed, &j.Metrics.ChunksTotal, &j.Metrics.ChunksIndexed, &j.Metrics.DedupeSkipped,
		&j.Summary.PhysicalTable, &j.Summary.AliasUpdated, &j.Summary.PromotionBlocked,
		&j.Summary.EvalHitRate, &j.Summary.EvalMRR, &j.Summary.EvalPhraseHit,
		&logsJSON, &j.ErrorCode, &j.ErrorMsg,
	); err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal(uploadIDsJSON, &j.UploadIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload ids: %w", err)
	}
	if err := json.Unmarshal(optionsJSON, &j.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &j.LogsTail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logs tail: %w", err)
		}
	}
	return &j, nil
}

var _ repository.JobRepository = (*JobRepo)(nil)
