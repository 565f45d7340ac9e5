// Package main provides the knowledge engine API server entrypoint.
package main

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/archonlabs/knowledge-engine/cmd/knowledge-server/handlers"
	"github.com/archonlabs/knowledge-engine/internal/cache"
	"github.com/archonlabs/knowledge-engine/internal/codeextract"
	"github.com/archonlabs/knowledge-engine/internal/config"
	"github.com/archonlabs/knowledge-engine/internal/crawl"
	"github.com/archonlabs/knowledge-engine/internal/embedding"
	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/orchestrator"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/retrieval"
	"github.com/archonlabs/knowledge-engine/internal/settings"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// NewRouter wires all services and mounts the API routes.
func NewRouter(logger *observability.Logger, cfg *config.Config, db *sql.DB, cacheClient cache.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

	// Core services
	settingsSvc := settings.NewService(settings.NewDatabaseStore(db))
	factory := llm.NewFactory(logger, settingsSvc, cfg.Providers)
	limiter := llm.NewRateLimiter(llm.DefaultRateLimiterConfig())
	embedder := embedding.NewService(logger, settingsSvc, factory, limiter)
	contextual := embedding.NewContextualEmbedder(logger, settingsSvc, factory)

	// Storage
	sourceRepo := storage.NewSourceRepository(db, logger)
	chunkRepo := storage.NewChunkRepository(db, logger)
	codeRepo := storage.NewCodeRepository(db, logger)
	docWriter := storage.NewDocumentWriter(logger, settingsSvc, chunkRepo, embedder, contextual)
	codeWriter := storage.NewCodeWriter(logger, settingsSvc, codeRepo, embedder)

	// Pipeline
	fetcher := crawl.NewHTTPFetcher(logger, settingsSvc)
	crawler := crawl.NewCrawler(logger, settingsSvc, fetcher)
	extractor := codeextract.NewExtractor(logger, settingsSvc)
	summarizer := codeextract.NewSummarizer(logger, settingsSvc, factory)

	tracker := progress.NewRegistry(logger, 0)
	orch := orchestrator.New(logger, settingsSvc, tracker,
		crawler, docWriter, codeWriter, extractor, summarizer,
		sourceRepo, factory, cfg.Crawl.ConcurrentCrawls)

	// Retrieval
	var reranker retrieval.Reranker
	if cfg.Reranker.Enabled {
		if rr := retrieval.NewHTTPReranker(logger, cfg.Reranker.BaseURL); rr != nil {
			reranker = rr
		}
	}
	retrievalSvc := retrieval.NewService(logger, settingsSvc, embedder, chunkRepo, codeRepo, reranker, cacheClient)

	// Handlers
	knowledgeHandler := handlers.NewKnowledgeHandler(logger, orch, sourceRepo, embedder)
	progressHandler := handlers.NewProgressHandler(logger, tracker)
	ragHandler := handlers.NewRAGHandler(logger, retrievalSvc)
	sourcesHandler := handlers.NewSourcesHandler(logger, sourceRepo)
	healthHandler := handlers.NewHealthHandler(logger, db)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		r.Route("/knowledge-items", func(r chi.Router) {
			r.Post("/crawl", knowledgeHandler.Crawl)
			r.Post("/{sourceId}/refresh", knowledgeHandler.Refresh)
			r.Post("/stop/{progressId}", knowledgeHandler.Stop)
			r.Post("/search", ragHandler.Search)
		})

		r.Post("/documents/upload", knowledgeHandler.Upload)

		r.Route("/progress", func(r chi.Router) {
			r.Get("/", progressHandler.List)
			r.Get("/{progressId}", progressHandler.Get)
		})

		r.Route("/rag", func(r chi.Router) {
			r.Post("/query", ragHandler.Query)
			r.Post("/code-examples", ragHandler.CodeExamples)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", sourcesHandler.List)
			r.Get("/{sourceId}", sourcesHandler.Get)
			r.Delete("/{sourceId}", sourcesHandler.Delete)
		})
	})

	return r
}
