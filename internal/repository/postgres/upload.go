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

// UploadRepo implements repository.UploadRepository.
type UploadRepo struct {
	db *DB
}

func NewUploadRepo(db *DB) *UploadRepo {
	return &UploadRepo{db: db}
}

func (r *UploadRepo) Create(ctx context.Context, u *repository.UploadRecord) error {
	tagsJSON, err := json.Marshal(u.DeclaredTags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
		INSERT INTO uploads (upload_id, filename, bytes, mime, sha256, storage_path, source_tag, declared_tags, lang_hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		u.UploadID, u.Filename, u.Bytes, u.Mime, u.SHA256, u.StoragePath,
		u.SourceTag, tagsJSON, u.LangHint, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

func (r *UploadRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.UploadRecord, error) {
	query := `
		SELECT upload_id, filename, bytes, mime, sha256, storage_path, source_tag, declared_tags, lang_hint, created_at
		FROM uploads
		WHERE upload_id = $1
	`
	return r.scan(ctx, query, id)
}

func (r *UploadRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]*repository.UploadRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT upload_id, filename, bytes, mime, sha256, storage_path, source_tag, declared_tags, lang_hint, created_at
		FROM uploads
		WHERE upload_id = ANY($1)
	`
	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*repository.UploadRecord
	for rows.Next() {
		u, err := scanUploadRow(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

func (r *UploadRepo) scan(ctx context.Context, query string, args ...any) (*repository.UploadRecord, error) {
	var u repository.UploadRecord
	var tagsJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&u.UploadID, &u.Filename, &u.Bytes, &u.Mime, &u.SHA256, &u.StoragePath,
		&u.SourceTag, &tagsJSON, &u.LangHint, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &u.DeclaredTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadRow(row rowScanner) (*repository.UploadRecord, error) {
	var u repository.UploadRecord
	var tagsJSON []byte
	if err := row.Scan(
		&u.UploadID, &u.Filename, &u.Bytes, &u.Mime, &u.SHA256, &u.StoragePath,
		&u.SourceTag, &tagsJSON, &u.LangHint, &u.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan upload: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &u.DeclaredTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &u, nil
}

var _ repository.UploadRepository = (*UploadRepo)(nil)
