package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maripedg/ragserve/internal/chunker"
	"github.com/maripedg/ragserve/internal/eval"
	"github.com/maripedg/ragserve/internal/loader"
	"github.com/maripedg/ragserve/internal/profile"
	"github.com/maripedg/ragserve/internal/repository"
	"github.com/maripedg/ragserve/internal/sanitizer"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

type memUploads struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*repository.UploadRecord
}

func newMemUploads() *memUploads { return &memUploads{recs: map[uuid.UUID]*repository.UploadRecord{}} }

func (m *memUploads) Create(ctx context.Context, u *repository.UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[u.UploadID] = u
	return nil
}
func (m *memUploads) GetByID(ctx context.Context, id uuid.UUID) (*repository.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[id]; ok {
		return r, nil
	}
	return nil, repository.ErrNotFound
}
func (m *memUploads) GetMany(ctx context.Context, ids []uuid.UUID) ([]*repository.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.UploadRecord
	for _, id := range ids {
		if r, ok := m.recs[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*repository.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[uuid.UUID]*repository.Job{}} }

func (m *memJobs) Create(ctx context.Context, j *repository.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.JobID] = &cp
	return nil
}
func (m *memJobs) GetByID(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}
func (m *memJobs) Update(ctx context.Context, j *repository.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.JobID] = &cp
	return nil
}
func (m *memJobs) ActiveUploadIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := map[uuid.UUID]bool{}
	for _, j := range m.jobs {
		if j.Status == repository.JobQueued || j.Status == repository.JobRunning {
			for _, id := range j.UploadIDs {
				active[id] = true
			}
		}
	}
	return active, nil
}

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}
func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

type fakeStore struct {
	mu        sync.Mutex
	rows      map[string][]vectorstore.Row
	aliases   map[string]string
	aliasErr  error
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string][]vectorstore.Row{}, aliases: map[string]string{}}
}

func (f *fakeStore) EnsureIndexTable(ctx context.Context, table string, dim int, distance vectorstore.Distance) error {
	return nil
}
func (f *fakeStore) Upsert(ctx context.Context, table string, rows []vectorstore.Row, dedupeByHash bool) (vectorstore.UpsertResult, error) {
	if f.upsertErr != nil {
		return vectorstore.UpsertResult{}, f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range f.rows[table] {
		seen[r.HashNorm] = true
	}
	result := vectorstore.UpsertResult{}
	for _, r := range rows {
		if dedupeByHash && seen[r.HashNorm] {
			result.Skipped++
			continue
		}
		f.rows[table] = append(f.rows[table], r)
		seen[r.HashNorm] = true
		result.Inserted++
	}
	return result, nil
}
func (f *fakeStore) EnsureAlias(ctx context.Context, alias, physicalTable string) error {
	if f.aliasErr != nil {
		return f.aliasErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = physicalTable
	return nil
}
func (f *fakeStore) SimilaritySearch(ctx context.Context, viewName string, queryVector []float32, k int, distance vectorstore.Distance) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[viewName]
	out := make([]vectorstore.SearchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, vectorstore.SearchResult{Row: r, Score: 1})
	}
	return out, nil
}
func (f *fakeStore) Count(ctx context.Context, table string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table]), nil
}
func (f *fakeStore) Drop(ctx context.Context, table string) error { return nil }

func testProfile() profile.Profile {
	return profile.Profile{
		Name:            "default",
		Chunker:         chunker.Profile{Kind: chunker.KindChar, Size: 2000, Overlap: 200},
		Distance:        vectorstore.DistanceInnerProduct,
		BatchSize:       10,
		DedupeByHash:    true,
		IndexName:       "docs",
		AliasName:       "docs_current",
		EmbeddingDim:    3,
	}
}

func newTestOrchestrator(t *testing.T, store *fakeStore) (*Orchestrator, *memUploads, *memJobs) {
	t.Helper()
	dir := t.TempDir()
	uploads := newMemUploads()
	jobs := newMemJobs()

	san := sanitizer.New(dir, sanitizer.ModeOff)

	o := NewOrchestrator(
		uploads, jobs, nil,
		san, loader.NewRegistry(), fakeEmbedder{dim: 3}, store,
		eval.Gates{}, nil, 5,
		dir, 25, nil,
		nil, nil,
	)
	return o, uploads, jobs
}

func TestOrchestratorCreateUploadEnforcesMimeAllowList(t *testing.T) {
	store := newFakeStore()
	o, _, _ := newTestOrchestrator(t, store)
	o.AllowMime = []string{"text/plain"}

	_, err := o.CreateUpload(context.Background(), strings.NewReader("hello"), "a.pdf", "application/pdf", "", nil, "")
	if err == nil {
		t.Fatal("expected unsupported_mime error")
	}
}

func TestOrchestratorCreateUploadRejectsEmpty(t *testing.T) {
	store := newFakeStore()
	o, _, _ := newTestOrchestrator(t, store)

	_, err := o.CreateUpload(context.Background(), strings.NewReader(""), "a.txt", "text/plain", "", nil, "")
	if err == nil {
		t.Fatal("expected empty_payload error")
	}
}

func TestOrchestratorIngestsAndRotatesAlias(t *testing.T) {
	store := newFakeStore()
	o, uploads, jobs := newTestOrchestrator(t, store)

	ctx := context.Background()
	rec, err := o.CreateUpload(ctx, strings.NewReader(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)), "doc.txt", "text/plain", "kb", nil, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prof := testProfile()
	job := &repository.Job{
		JobID:     uuid.New(),
		Profile:   prof.Name,
		UploadIDs: []uuid.UUID{rec.UploadID},
		Options:   repository.JobOptions{UpdateAlias: true},
		Status:    repository.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := []ManifestEntry{{Path: rec.StoragePath, DocID: "doc"}}
	o.runJob(ctx, job.JobID, prof, entries)

	final, err := jobs.GetByID(ctx, job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Status != repository.JobSucceeded {
		t.Fatalf("expected job to succeed, got %s (error=%s)", final.Status, final.ErrorMsg)
	}
	if final.Metrics.ChunksIndexed == 0 {
		t.Fatal("expected at least one chunk indexed")
	}
	if !final.Summary.AliasUpdated {
		t.Fatal("expected alias to be updated")
	}
	if store.aliases["docs_current"] != final.Summary.PhysicalTable {
		t.Fatalf("alias does not point at the written physical table")
	}

	_ = uploads
}

func TestOrchestratorSkipsAliasRotationWhenGatesFail(t *testing.T) {
	store := newFakeStore()
	o, _, jobs := newTestOrchestrator(t, store)
	o.Gates = eval.Gates{MinHitRate: 1.0}
	o.GoldenSet = eval.GoldenSet{{Query: "anything", ExpectedDocIDs: []string{"nonexistent"}}}

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("alpha beta gamma delta epsilon. ", 30)), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prof := testProfile()
	job := &repository.Job{
		JobID:     uuid.New(),
		Profile:   prof.Name,
		Status:    repository.JobQueued,
		CreatedAt: time.Now().UTC(),
		Options:   repository.JobOptions{UpdateAlias: true, Evaluate: true},
	}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := []ManifestEntry{{Path: path, DocID: "doc"}}
	o.runJob(ctx, job.JobID, prof, entries)

	final, err := jobs.GetByID(ctx, job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Status != repository.JobSucceeded {
		t.Fatalf("expected job to succeed even when gated, got %s", final.Status)
	}
	if !final.Summary.PromotionBlocked {
		t.Fatal("expected promotion_blocked to be set")
	}
	if final.Summary.AliasUpdated {
		t.Fatal("alias must not be updated when a gate fails")
	}
}

func TestOrchestratorCreateJobRejectsOverlappingUploads(t *testing.T) {
	store := newFakeStore()
	o, _, jobs := newTestOrchestrator(t, store)
	o.Profiles = mustRegistry(t)

	ctx := context.Background()
	rec, err := o.CreateUpload(ctx, strings.NewReader("some content here"), "doc.txt", "text/plain", "", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	running := &repository.Job{
		JobID:     uuid.New(),
		UploadIDs: []uuid.UUID{rec.UploadID},
		Status:    repository.JobRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := jobs.Create(ctx, running); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = o.CreateJob(ctx, []uuid.UUID{rec.UploadID}, "default", repository.JobOptions{})
	if err == nil {
		t.Fatal("expected conflict error")
	}
}

func mustRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")
	body := `{"profiles": {"default": {"chunker": {"kind": "char", "size": 2000, "overlap": 200},
		"distance": "dot_product", "index_name": "docs", "alias_name": "docs_current", "embedding_dim": 3}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg, err := profile.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return reg
}
