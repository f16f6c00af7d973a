package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/maripedg/ragserve/internal/apperr"
	"github.com/maripedg/ragserve/internal/embedder"
	"github.com/maripedg/ragserve/internal/ingestion"
	"github.com/maripedg/ragserve/internal/llm"
	"github.com/maripedg/ragserve/internal/repository"
	"github.com/maripedg/ragserve/internal/retrieval"
)

// HTTPServer is the JSON/HTTP surface: chat, health, uploads, and ingestion jobs.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger

	retrieval    *retrieval.Service
	orchestrator *ingestion.Orchestrator

	embedder    embedder.Embedder
	llmPrimary  llm.LLM
	llmFallback llm.LLM
}

// HTTPServerConfig holds configuration for the HTTP server.
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string

	Retrieval    *retrieval.Service
	Orchestrator *ingestion.Orchestrator

	Embedder    embedder.Embedder
	LLMPrimary  llm.LLM
	LLMFallback llm.LLM
}

// NewHTTPServer creates the chi-routed HTTP server.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{
		logger:       logger,
		retrieval:    cfg.Retrieval,
		orchestrator: cfg.Orchestrator,
		embedder:     cfg.Embedder,
		llmPrimary:   cfg.LLMPrimary,
		llmFallback:  cfg.LLMFallback,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", s.handleHealthz)
	router.Post("/chat", s.handleChat)
	router.Post("/uploads", s.handleCreateUpload)
	router.Get("/uploads/{id}", s.handleGetUpload)
	router.Post("/ingest/jobs", s.handleCreateJob)
	router.Get("/ingest/jobs/{id}", s.handleGetJob)

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming-capable LLM responses
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// GetRouter returns the underlying chi router for additional route registration.
func (s *HTTPServer) GetRouter() *chi.Mux {
	return s.router
}

// --- /chat ---

type chatRequest struct {
	Question string `json:"question"`
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.BadRequest, "malformed JSON body"))
		return
	}

	domainKey := r.Header.Get("X-RAG-Domain")

	resp, err := s.retrieval.Answer(r.Context(), req.Question, domainKey)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Answer-Mode", string(resp.Mode))
	writeJSON(w, http.StatusOK, resp)
}

// --- /healthz ---

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"embeddings":   s.probeEmbedder(r.Context()),
		"llm_primary":  s.probeLLM(r.Context(), s.llmPrimary),
		"llm_fallback": s.probeLLM(r.Context(), s.llmFallback),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"services": services,
	})
}

func (s *HTTPServer) probeEmbedder(ctx context.Context) string {
	if s.embedder == nil {
		return "down (not configured)"
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.embedder.Embed(ctx, "ping"); err != nil {
		return fmt.Sprintf("down (%s)", err)
	}
	return "up"
}

func (s *HTTPServer) probeLLM(ctx context.Context, client llm.LLM) string {
	if client == nil {
		return "down (not configured)"
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := client.Generate(ctx, "ping", llm.GenerateOptions{MaxTokens: 1}); err != nil {
		return fmt.Sprintf("down (%s)", err)
	}
	return "up"
}

// --- /uploads ---

const maxUploadMemory = 32 << 20 // multipart form parts held in memory before spilling to temp files

func (s *HTTPServer) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, apperr.Wrap(apperr.BadRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.New(apperr.BadRequest, "missing multipart field \"file\""))
		return
	}
	defer file.Close()

	mime := header.Header.Get("Content-Type")
	sourceTag := r.FormValue("source")
	langHint := r.FormValue("lang_hint")
	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	upload, err := s.orchestrator.CreateUpload(r.Context(), file, header.Filename, mime, sourceTag, tags, langHint)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, upload)
}

func (s *HTTPServer) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.BadRequest, "malformed upload id"))
		return
	}

	upload, err := s.orchestrator.GetUpload(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

// --- /ingest/jobs ---

type createJobRequest struct {
	UploadIDs   []uuid.UUID `json:"upload_ids"`
	Profile     string      `json:"profile"`
	Tags        []string    `json:"tags"`
	LangHint    string      `json:"lang_hint"`
	Priority    int         `json:"priority"`
	UpdateAlias bool        `json:"update_alias"`
	Evaluate    bool        `json:"evaluate"`
	DomainKey   string      `json:"domain_key"`
}

func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.BadRequest, "malformed JSON body"))
		return
	}
	if req.Profile == "" {
		writeError(w, apperr.New(apperr.BadRequest, "profile is required"))
		return
	}
	if len(req.UploadIDs) == 0 {
		writeError(w, apperr.New(apperr.BadRequest, "upload_ids must not be empty"))
		return
	}

	job, err := s.orchestrator.CreateJob(r.Context(), req.UploadIDs, req.Profile, repository.JobOptions{
		UpdateAlias: req.UpdateAlias,
		Evaluate:    req.Evaluate,
		Priority:    req.Priority,
		Tags:        req.Tags,
		LangHint:    req.LangHint,
		DomainKey:   req.DomainKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.BadRequest, "malformed job id"))
		return
	}

	job, err := s.orchestrator.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- error mapping and response helpers ---

var codeStatus = map[apperr.Code]int{
	apperr.BadRequest:        http.StatusBadRequest,
	apperr.UnsupportedMime:   http.StatusUnsupportedMediaType,
	apperr.TooLarge:          http.StatusRequestEntityTooLarge,
	apperr.EmptyPayload:      http.StatusBadRequest,
	apperr.UnknownProfile:    http.StatusUnprocessableEntity,
	apperr.UnknownDomain:     http.StatusBadRequest,
	apperr.NotFound:          http.StatusNotFound,
	apperr.Conflict:          http.StatusConflict,
	apperr.SchemaDrift:       http.StatusInternalServerError,
	apperr.EmbedFailed:       http.StatusBadGateway,
	apperr.LLMFailed:         http.StatusBadGateway,
	apperr.StoreFailed:       http.StatusBadGateway,
	apperr.DeadlineExceeded:  http.StatusGatewayTimeout,
	apperr.InvariantViolated: http.StatusInternalServerError,
	apperr.UploadMissing:     http.StatusBadRequest,
	apperr.EvalFailed:        http.StatusInternalServerError,
	apperr.UpsertFailed:      http.StatusInternalServerError,
	apperr.AliasFailed:       http.StatusInternalServerError,
}

func statusFor(err error) (int, apperr.Code) {
	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound, apperr.NotFound
	}
	code := apperr.CodeOf(err)
	if status, ok := codeStatus[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// credentialed is only set for an explicit origin match, never for a
			// "*" wildcard: reflecting an arbitrary Origin back alongside
			// Allow-Credentials would let any site make credentialed requests.
			allowed := false
			credentialed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" {
						allowed = true
						continue
					}
					if o == origin {
						allowed = true
						credentialed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-RAG-Domain")
				if credentialed {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
