// Package ingestion implements the upload and job lifecycle that turns
// staged files into searchable chunks: manifest expansion, loading,
// cleaning, sanitisation, chunking, embedding, upsert, optional evaluation,
// and optional alias rotation.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maripedg/ragserve/internal/apperr"
	"github.com/maripedg/ragserve/internal/chunker"
	"github.com/maripedg/ragserve/internal/clean"
	"github.com/maripedg/ragserve/internal/embedder"
	"github.com/maripedg/ragserve/internal/eval"
	"github.com/maripedg/ragserve/internal/loader"
	"github.com/maripedg/ragserve/internal/profile"
	"github.com/maripedg/ragserve/internal/repository"
	"github.com/maripedg/ragserve/internal/sanitizer"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

const logsTailLimit = 50

// Orchestrator owns the upload/job lifecycle and wires every ingestion-path
// dependency together. Job bodies run one goroutine per job; different jobs
// run fully in parallel, serialised only by the conflict check in CreateJob
// and by embedder rate limiting. With EmbedderFactory set, each profile's
// embedder has its own limiter, so jobs on different profiles are not paced
// against each other.
type Orchestrator struct {
	Uploads  repository.UploadRepository
	Jobs     repository.JobRepository
	Profiles *profile.Registry

	Sanitizer *sanitizer.Sanitizer
	Loaders   *loader.Registry
	Embedder  embedder.Embedder
	Store     vectorstore.VectorStore
	Gates     eval.Gates
	GoldenSet eval.GoldenSet
	EvalTopK  int

	StagingDir   string
	MaxUploadMB  int
	AllowMime    []string

	Logger *slog.Logger

	// EmbedderFactory builds a profile-scoped embedder honoring that
	// profile's Workers/RateLimitPerMin, so per-profile throttling in the
	// registry actually takes effect instead of every profile sharing
	// Embedder's process-wide defaults. Nil falls back to Embedder for
	// every profile.
	EmbedderFactory func(profile.Profile) embedder.Embedder

	embedderCacheMu sync.Mutex
	embedderCache   map[string]embedder.Embedder
}

// NewOrchestrator constructs an Orchestrator with every dependency wired in.
func NewOrchestrator(
	uploads repository.UploadRepository,
	jobs repository.JobRepository,
	profiles *profile.Registry,
	san *sanitizer.Sanitizer,
	loaders *loader.Registry,
	emb embedder.Embedder,
	store vectorstore.VectorStore,
	gates eval.Gates,
	golden eval.GoldenSet,
	evalTopK int,
	stagingDir string,
	maxUploadMB int,
	allowMime []string,
	logger *slog.Logger,
	embedderFactory func(profile.Profile) embedder.Embedder,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Uploads: uploads, Jobs: jobs, Profiles: profiles,
		Sanitizer: san, Loaders: loaders, Embedder: emb, Store: store,
		Gates: gates, GoldenSet: golden, EvalTopK: evalTopK,
		StagingDir: stagingDir, MaxUploadMB: maxUploadMB, AllowMime: allowMime,
		Logger:          logger,
		EmbedderFactory: embedderFactory,
		embedderCache:   make(map[string]embedder.Embedder),
	}
}

// embedderForProfile returns the embedder a job for prof should use,
// building and caching one from EmbedderFactory on first use so a profile's
// rate limiter is only started once regardless of how many jobs run it.
func (o *Orchestrator) embedderForProfile(prof profile.Profile) embedder.Embedder {
	if o.EmbedderFactory == nil {
		return o.Embedder
	}
	o.embedderCacheMu.Lock()
	defer o.embedderCacheMu.Unlock()
	if emb, ok := o.embedderCache[prof.Name]; ok {
		return emb
	}
	emb := o.EmbedderFactory(prof)
	o.embedderCache[prof.Name] = emb
	return emb
}

// CreateUpload stages an incoming file, enforcing the size and mime allow
// list, and persists its metadata.
func (o *Orchestrator) CreateUpload(ctx context.Context, r io.Reader, filename, mime, sourceTag string, declaredTags []string, langHint string) (*repository.UploadRecord, error) {
	if !o.mimeAllowed(mime) {
		return nil, apperr.Newf(apperr.UnsupportedMime, "mime type %q is not in the allow list", mime)
	}

	id := uuid.New()
	if err := os.MkdirAll(o.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	storagePath := filepath.Join(o.StagingDir, id.String()+filepath.Ext(filename))

	f, err := os.Create(storagePath)
	if err != nil {
		return nil, fmt.Errorf("creating staged file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	maxBytes := int64(o.MaxUploadMB) * 1024 * 1024
	written, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(r, maxBytes+1))
	if err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("staging upload: %w", err)
	}
	if written == 0 {
		os.Remove(storagePath)
		return nil, apperr.New(apperr.EmptyPayload, "uploaded file is empty")
	}
	if written > maxBytes {
		os.Remove(storagePath)
		return nil, apperr.Newf(apperr.TooLarge, "Upload exceeds maximum size of %d bytes", maxBytes)
	}

	rec := &repository.UploadRecord{
		UploadID:     id,
		Filename:     filename,
		Bytes:        written,
		Mime:         mime,
		SHA256:       hex.EncodeToString(h.Sum(nil)),
		StoragePath:  storagePath,
		SourceTag:    sourceTag,
		DeclaredTags: declaredTags,
		LangHint:     langHint,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.Uploads.Create(ctx, rec); err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("persisting upload record: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) mimeAllowed(mime string) bool {
	if len(o.AllowMime) == 0 {
		return true
	}
	for _, m := range o.AllowMime {
		if m == mime {
			return true
		}
	}
	return false
}

// GetUpload returns an upload's metadata, or apperr.NotFound.
func (o *Orchestrator) GetUpload(ctx context.Context, id uuid.UUID) (*repository.UploadRecord, error) {
	rec, err := o.Uploads.GetByID(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperr.Newf(apperr.NotFound, "upload %s not found", id)
		}
		return nil, err
	}
	return rec, nil
}

// CreateJob validates upload_ids and profile, rejects overlapping references
// to an already-running job's uploads, persists a queued Job, writes its
// manifest, and launches job execution in the background.
func (o *Orchestrator) CreateJob(ctx context.Context, uploadIDs []uuid.UUID, profileName string, opts repository.JobOptions) (*repository.Job, error) {
	if len(uploadIDs) == 0 {
		return nil, apperr.New(apperr.BadRequest, "upload_ids must be non-empty")
	}
	seen := make(map[uuid.UUID]bool, len(uploadIDs))
	for _, id := range uploadIDs {
		if seen[id] {
			return nil, apperr.Newf(apperr.BadRequest, "duplicate upload_id %s", id)
		}
		seen[id] = true
	}

	prof, err := o.Profiles.Get(profileName)
	if err != nil {
		return nil, err
	}

	uploads, err := o.Uploads.GetMany(ctx, uploadIDs)
	if err != nil {
		return nil, fmt.Errorf("loading uploads: %w", err)
	}
	if len(uploads) != len(uploadIDs) {
		return nil, apperr.New(apperr.NotFound, "one or more upload_ids do not exist")
	}

	active, err := o.Jobs.ActiveUploadIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking active jobs: %w", err)
	}
	for _, id := range uploadIDs {
		if active[id] {
			return nil, apperr.Newf(apperr.Conflict, "upload %s is referenced by a running job", id)
		}
	}

	domainKey := opts.DomainKey
	if domainKey != "" {
		if _, err := o.Profiles.GetDomain(domainKey); err != nil {
			return nil, err
		}
	}

	job := &repository.Job{
		JobID:     uuid.New(),
		Profile:   profileName,
		UploadIDs: uploadIDs,
		Options:   opts,
		Status:    repository.JobQueued,
		CreatedAt: time.Now().UTC(),
		Metrics:   repository.JobMetrics{FilesTotal: len(uploads)},
	}
	if err := o.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	manifestPath := filepath.Join(o.StagingDir, job.JobID.String()+".manifest.jsonl")
	entries := make([]ManifestEntry, 0, len(uploads))
	for _, u := range uploads {
		entries = append(entries, ManifestEntry{
			Path:     u.StoragePath,
			DocID:    strings.TrimSuffix(filepath.Base(u.Filename), filepath.Ext(u.Filename)),
			Profile:  profileName,
			Tags:     append(append([]string{}, u.DeclaredTags...), opts.Tags...),
			Lang:     firstNonEmpty(opts.LangHint, u.LangHint),
			Priority: opts.Priority,
		})
	}
	if err := WriteManifest(manifestPath, entries); err != nil {
		o.Logger.Warn("ingestion: failed to write manifest", "job_id", job.JobID, "error", err)
	}

	go o.runJob(context.Background(), job.JobID, prof, entries)

	return job, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// GetJob returns a job's current snapshot, or apperr.NotFound.
func (o *Orchestrator) GetJob(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	job, err := o.Jobs.GetByID(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperr.Newf(apperr.NotFound, "job %s not found", id)
		}
		return nil, err
	}
	return job, nil
}

// runJob executes every step of a job's pipeline, persisting progress and
// the final status. It never repoints the alias on failure.
func (o *Orchestrator) runJob(ctx context.Context, jobID uuid.UUID, prof profile.Profile, entries []ManifestEntry) {
	job, err := o.Jobs.GetByID(ctx, jobID)
	if err != nil {
		o.Logger.Error("ingestion: failed to load job for execution", "job_id", jobID, "error", err)
		return
	}

	now := time.Now().UTC()
	job.Status = repository.JobRunning
	job.StartedAt = &now
	o.appendLog(job, "job started")
	o.save(ctx, job)

	if err := o.execute(ctx, job, prof, entries); err != nil {
		job.Status = repository.JobFailed
		job.ErrorCode = string(apperr.CodeOf(err))
		job.ErrorMsg = err.Error()
		o.appendLog(job, fmt.Sprintf("job failed: %s", err))
	} else {
		job.Status = repository.JobSucceeded
		o.appendLog(job, "job succeeded")
	}
	finished := time.Now().UTC()
	job.FinishedAt = &finished
	o.save(ctx, job)
}

func (o *Orchestrator) execute(ctx context.Context, job *repository.Job, prof profile.Profile, entries []ManifestEntry) error {
	resolved, err := ExpandManifest(entries, "")
	if err != nil {
		return err
	}

	ch, err := chunker.New(prof.Chunker)
	if err != nil {
		return err
	}

	var allChunks []chunker.Chunk
	for _, doc := range resolved {
		items, err := o.Loaders.Load(doc.ResolvedPath, "")
		if err != nil {
			return fmt.Errorf("loading %s: %w", doc.ResolvedPath, err)
		}

		texts := make([]string, len(items))
		for i, it := range items {
			texts[i] = clean.Clean(it.Text)
		}
		texts = clean.Dedup(texts)

		counters := sanitizer.Counters{}
		for i := range items {
			sanitized, c, err := o.Sanitizer.Sanitize(prof.Name, doc.DocID, texts[i])
			if err != nil {
				return fmt.Errorf("sanitizing %s: %w", doc.DocID, err)
			}
			items[i].Text = sanitized
			for label, n := range c {
				counters[label] += n
			}
		}

		docChunks := ch.Chunk(doc.DocID, items)
		for i := range docChunks {
			docChunks[i].Tags = doc.Tags
			docChunks[i].Lang = doc.Lang
			docChunks[i].Priority = doc.Priority
		}
		allChunks = append(allChunks, docChunks...)

		job.Metrics.FilesProcessed++
		job.Metrics.ChunksTotal += len(docChunks)
		o.appendLog(job, fmt.Sprintf("loaded %s: %d chunks, %d pii matches", doc.DocID, len(docChunks), sumCounters(counters)))
		o.save(ctx, job)
	}

	if len(allChunks) == 0 {
		o.appendLog(job, "no chunks produced")
		return nil
	}

	physicalTable := fmt.Sprintf("%s_v%d", prof.AliasName, time.Now().UnixNano())
	if err := o.Store.EnsureIndexTable(ctx, physicalTable, prof.EmbeddingDim, prof.Distance); err != nil {
		return apperr.Wrap(apperr.SchemaDrift, err)
	}
	job.Summary.PhysicalTable = physicalTable

	emb := o.embedderForProfile(prof)
	chunkOffset := 0
	for _, batch := range embedder.Batches(chunkTexts(allChunks), prof.BatchSize) {
		vectors, err := emb.EmbedBatch(ctx, batch)
		if err != nil {
			return apperr.Wrap(apperr.EmbedFailed, err).AsTransient()
		}

		rows := make([]vectorstore.Row, 0, len(batch))
		for i, vec := range vectors {
			if len(vec) == 0 {
				// empty/whitespace-only chunk text: EmbedBatch never sent it to
				// the model, so there is no vector to index.
				continue
			}
			c := allChunks[chunkOffset+i]
			rows = append(rows, vectorstore.Row{
				ChunkID:   c.ChunkID,
				DocID:     c.DocID,
				Text:      c.Text,
				Metadata:  chunkMetadata(c, prof.MetadataKeep),
				Embedding: vec,
				HashNorm:  c.HashNorm,
			})
		}
		chunkOffset += len(batch)

		result, err := o.Store.Upsert(ctx, physicalTable, rows, prof.DedupeByHash)
		if err != nil {
			return apperr.Wrap(apperr.UpsertFailed, err)
		}
		job.Metrics.ChunksIndexed += result.Inserted
		job.Metrics.DedupeSkipped += result.Skipped
		o.appendLog(job, fmt.Sprintf("upserted batch: %d inserted, %d skipped", result.Inserted, result.Skipped))
		o.save(ctx, job)
	}

	evalDomainKey := job.Options.DomainKey

	var report eval.Report
	evaluated := false
	if job.Options.Evaluate && len(o.GoldenSet) > 0 {
		report, err = eval.Run(ctx, o.Store, emb, physicalTable, o.GoldenSet, o.EvalTopK, prof.Distance)
		if err != nil {
			return apperr.Wrap(apperr.EvalFailed, err)
		}
		evaluated = true
		job.Summary.EvalHitRate = report.HitRate
		job.Summary.EvalMRR = report.MRR
		job.Summary.EvalPhraseHit = report.PhraseHitRate
		o.appendLog(job, fmt.Sprintf("eval: hit_rate=%.3f mrr=%.3f phrase_hit_rate=%.3f", report.HitRate, report.MRR, report.PhraseHitRate))
	}

	if job.Options.UpdateAlias && job.Metrics.ChunksIndexed > 0 {
		if evaluated && !o.Gates.Passes(report) {
			job.Summary.PromotionBlocked = true
			o.appendLog(job, "alias rotation skipped: evaluation gate failed")
			return nil
		}

		alias := prof.AliasName
		if evalDomainKey != "" {
			if d, err := o.Profiles.GetDomain(evalDomainKey); err == nil {
				alias = d.AliasName
			}
		}
		if err := o.Store.EnsureAlias(ctx, alias, physicalTable); err != nil {
			return apperr.Wrap(apperr.AliasFailed, err)
		}
		job.Summary.AliasUpdated = true
		o.appendLog(job, fmt.Sprintf("alias %s now points to %s", alias, physicalTable))
	}

	return nil
}

func chunkTexts(chunks []chunker.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts
}

// chunkMetadata builds the metadata stored alongside a row. chunk_type and
// source are structural, not configurable, since retrieval's exclude-from-llm
// filter depends on chunk_type always being present; everything else is
// subject to the profile's metadata_keep allow-list.
func chunkMetadata(c chunker.Chunk, keep []string) map[string]any {
	out := map[string]any{
		"chunk_type": string(c.ChunkType),
		"source":     c.Source,
	}
	extra := map[string]any{
		"section_path": c.SectionPath,
		"page":         c.Page,
		"slide_number": c.SlideNumber,
		"sheet_name":   c.SheetName,
	}
	if len(keep) == 0 {
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	for _, k := range keep {
		if v, ok := extra[k]; ok {
			out[k] = v
		}
	}
	return out
}

func sumCounters(c sanitizer.Counters) int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

func (o *Orchestrator) appendLog(job *repository.Job, line string) {
	job.LogsTail = append(job.LogsTail, line)
	if len(job.LogsTail) > logsTailLimit {
		job.LogsTail = job.LogsTail[len(job.LogsTail)-logsTailLimit:]
	}
}

func (o *Orchestrator) save(ctx context.Context, job *repository.Job) {
	if err := o.Jobs.Update(ctx, job); err != nil {
		o.Logger.Error("ingestion: failed to persist job progress", "job_id", job.JobID, "error", err)
	}
}
