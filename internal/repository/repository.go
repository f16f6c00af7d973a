// Package repository defines domain models and data access interfaces for
// uploads and ingestion jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus is one of a job's lifecycle states.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// UploadRecord is a staged file awaiting consumption by a Job.
type UploadRecord struct {
	UploadID     uuid.UUID
	Filename     string
	Bytes        int64
	Mime         string
	SHA256       string
	StoragePath  string
	SourceTag    string
	DeclaredTags []string
	LangHint     string
	CreatedAt    time.Time
}

// JobOptions are the caller-supplied options for a Job.
type JobOptions struct {
	UpdateAlias bool
	Evaluate    bool
	Priority    int
	Tags        []string
	LangHint    string
	DomainKey   string
}

// JobMetrics tracks progress counters updated throughout job execution.
type JobMetrics struct {
	FilesTotal     int
	FilesProcessed int
	ChunksTotal    int
	ChunksIndexed  int
	DedupeSkipped  int
}

// JobSummary is populated once a job finishes.
type JobSummary struct {
	PhysicalTable    string
	AliasUpdated     bool
	PromotionBlocked bool
	EvalHitRate      float64
	EvalMRR          float64
	EvalPhraseHit    float64
}

// Job is a single ingestion run over a set of uploads.
type Job struct {
	JobID      uuid.UUID
	Profile    string
	UploadIDs  []uuid.UUID
	Options    JobOptions
	Status     JobStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Metrics    JobMetrics
	Summary    JobSummary
	LogsTail   []string
	ErrorCode  string
	ErrorMsg   string
}

// UploadRepository persists UploadRecords.
type UploadRepository interface {
	Create(ctx context.Context, u *UploadRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*UploadRecord, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*UploadRecord, error)
}

// JobRepository persists Jobs and supports the conflict check that create_job
// requires: no running job may reference an upload another running job holds.
type JobRepository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	Update(ctx context.Context, j *Job) error
	ActiveUploadIDs(ctx context.Context) (map[uuid.UUID]bool, error)
}
