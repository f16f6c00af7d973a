package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maripedg/ragserve/internal/config"
	"github.com/maripedg/ragserve/internal/embedder"
	"github.com/maripedg/ragserve/internal/eval"
	"github.com/maripedg/ragserve/internal/ingestion"
	"github.com/maripedg/ragserve/internal/llm"
	"github.com/maripedg/ragserve/internal/loader"
	"github.com/maripedg/ragserve/internal/profile"
	"github.com/maripedg/ragserve/internal/repository"
	"github.com/maripedg/ragserve/internal/repository/postgres"
	"github.com/maripedg/ragserve/internal/reranker"
	"github.com/maripedg/ragserve/internal/retrieval"
	"github.com/maripedg/ragserve/internal/sanitizer"
	"github.com/maripedg/ragserve/internal/server"
	"github.com/maripedg/ragserve/internal/vectorstore"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure repository schema: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	uploadRepo := postgres.NewUploadRepo(db)
	jobRepo := postgres.NewJobRepo(db)

	store := vectorstore.NewPostgresStore(db.Pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure vector store schema: %w", err)
	}
	slog.Info("initialized pgvector store")

	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:          cfg.EmbeddingURL,
		Model:            cfg.EmbeddingModel,
		Dimension:        cfg.Ingest.EmbeddingDim,
		BatchConcurrency: cfg.Ingest.Workers,
		RateLimitPerMin:  cfg.Ingest.RateLimitPerMin,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.EmbeddingModel)

	// embedderFactory builds a dedicated embedder per ingestion profile so a
	// profile's own workers/rate_limit_per_min in profiles.json actually
	// throttles that profile's jobs, instead of every profile sharing embed's
	// process-wide defaults.
	embedderFactory := func(prof profile.Profile) embedder.Embedder {
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:          cfg.EmbeddingURL,
			Model:            cfg.EmbeddingModel,
			Dimension:        prof.EmbeddingDim,
			BatchConcurrency: prof.Workers,
			RateLimitPerMin:  prof.RateLimitPerMin,
		})
	}

	llmPrimary := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.LLMPrimaryURL),
		llm.WithModel(cfg.LLMPrimaryModel),
	)
	llmFallback := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.LLMFallbackURL),
		llm.WithModel(cfg.LLMFallbackModel),
	)
	slog.Info("initialized LLM clients", "primary_model", cfg.LLMPrimaryModel, "fallback_model", cfg.LLMFallbackModel)

	profiles, err := profile.Load(cfg.ProfileRegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load profile registry: %w", err)
	}
	slog.Info("loaded profile registry", "path", cfg.ProfileRegistryPath)

	goldenSet, err := eval.LoadGoldenSet(cfg.Eval.GoldenSetPath)
	if err != nil {
		slog.Warn("no golden query set loaded, evaluation gates will never block", "path", cfg.Eval.GoldenSetPath, "error", err)
		goldenSet = nil
	}
	gates := eval.Gates{MinHitRate: cfg.Eval.MinHitRate, MinMRR: cfg.Eval.MinMRR}

	sanOpts := []sanitizer.Option{
		sanitizer.WithHashSalt(cfg.Sanitizer.HashSalt),
		sanitizer.WithPseudonym(cfg.Sanitizer.Placeholder == "pseudonym"),
	}
	if cfg.Sanitizer.AuditEnabled {
		sanOpts = append(sanOpts, sanitizer.WithAudit(cfg.Sanitizer.AuditPath))
	}
	san := sanitizer.New(cfg.Sanitizer.ConfigDir, sanitizer.Mode(cfg.Sanitizer.Mode), sanOpts...)

	loaders := loader.NewRegistry()

	orchestrator := ingestion.NewOrchestrator(
		uploadRepo, jobRepo, profiles, san, loaders, embed, store,
		gates, goldenSet, cfg.Eval.TopK,
		cfg.Ingest.StagingDir, cfg.Ingest.MaxUploadMB, cfg.Ingest.AllowMime,
		slog.Default(), embedderFactory,
	)

	rr := reranker.NewMMRReranker(0.5)

	defaultProfile, err := profiles.Get("default")
	if err != nil {
		return fmt.Errorf("profile registry has no \"default\" profile to resolve the retrieval alias from: %w", err)
	}

	retrievalSvc := retrieval.NewService(embed, store, rr, llmPrimary, llmFallback, profiles, cfg.Retrieval, defaultProfile.AliasName)

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // configure in production
		Retrieval:      retrievalSvc,
		Orchestrator:   orchestrator,
		Embedder:       embed,
		LLMPrimary:     llmPrimary,
		LLMFallback:    llmFallback,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time.
var (
	_ repository.UploadRepository = (*postgres.UploadRepo)(nil)
	_ repository.JobRepository    = (*postgres.JobRepo)(nil)
	_ vectorstore.VectorStore     = (*vectorstore.PostgresStore)(nil)
	_ embedder.Embedder           = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                     = (*llm.OllamaClient)(nil)
)
