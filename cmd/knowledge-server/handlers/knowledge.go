package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/archonlabs/knowledge-engine/internal/embedding"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/orchestrator"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// KnowledgeHandler handles crawl, upload, refresh and stop requests.
type KnowledgeHandler struct {
	logger       *observability.Logger
	orchestrator *orchestrator.Service
	sources      *storage.SourceRepository
	embedder     *embedding.Service
}

// NewKnowledgeHandler creates a knowledge handler.
func NewKnowledgeHandler(logger *observability.Logger, orch *orchestrator.Service, sources *storage.SourceRepository, embedder *embedding.Service) *KnowledgeHandler {
	return &KnowledgeHandler{
		logger:       logger,
		orchestrator: orch,
		sources:      sources,
		embedder:     embedder,
	}
}

// CrawlRequestDTO is the crawl request body.
type CrawlRequestDTO struct {
	URL                 string   `json:"url"`
	KnowledgeType       string   `json:"knowledge_type"`
	Tags                []string `json:"tags"`
	UpdateFrequency     int      `json:"update_frequency"`
	MaxDepth            int      `json:"max_depth"`
	ExtractCodeExamples *bool    `json:"extract_code_examples"`
}

// CrawlResponseDTO is the crawl/upload response body.
type CrawlResponseDTO struct {
	Success           bool   `json:"success"`
	ProgressID        string `json:"progressId"`
	EstimatedDuration string `json:"estimatedDuration"`
	Message           string `json:"message"`
	Filename          string `json:"filename,omitempty"`
}

// Crawl handles POST /api/knowledge-items/crawl.
func (h *KnowledgeHandler) Crawl(w http.ResponseWriter, r *http.Request) {
	var dto CrawlRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := url.Parse(dto.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "url must be a valid http(s) URL")
		return
	}

	if !h.probeCredentials(r.Context(), w) {
		return
	}

	extractCode := true
	if dto.ExtractCodeExamples != nil {
		extractCode = *dto.ExtractCodeExamples
	}

	progressID := h.orchestrator.OrchestrateCrawl(&orchestrator.CrawlRequest{
		URL:                 dto.URL,
		KnowledgeType:       dto.KnowledgeType,
		Tags:                dto.Tags,
		UpdateFrequency:     dto.UpdateFrequency,
		MaxDepth:            dto.MaxDepth,
		ExtractCodeExamples: extractCode,
	})

	h.logger.Info().Str("url", dto.URL).Str("progress_id", progressID).Msg("Crawl started")
	writeJSON(w, http.StatusOK, CrawlResponseDTO{
		Success:           true,
		ProgressID:        progressID,
		EstimatedDuration: "3-5 minutes",
		Message:           "Crawl started",
	})
}

// Upload handles POST /api/documents/upload (multipart).
func (h *KnowledgeHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			writeError(w, http.StatusBadRequest, "tags must be a JSON array of strings")
			return
		}
	}

	extractCode := !strings.EqualFold(r.FormValue("extract_code_examples"), "false")

	if !h.probeCredentials(r.Context(), w) {
		return
	}

	progressID := h.orchestrator.OrchestrateUpload(&orchestrator.UploadRequest{
		Filename:            header.Filename,
		Content:             string(content),
		KnowledgeType:       r.FormValue("knowledge_type"),
		Tags:                tags,
		ExtractCodeExamples: extractCode,
	})

	writeJSON(w, http.StatusOK, CrawlResponseDTO{
		Success:           true,
		ProgressID:        progressID,
		EstimatedDuration: "1-2 minutes",
		Message:           "Upload processing started",
		Filename:          header.Filename,
	})
}

// Refresh handles POST /api/knowledge-items/{sourceId}/refresh: re-ingest a
// known source using its stored metadata.
func (h *KnowledgeHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")

	src, err := h.sources.Get(r.Context(), sourceID)
	if err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load source")
		return
	}

	if !h.probeCredentials(r.Context(), w) {
		return
	}

	req := &orchestrator.CrawlRequest{
		URL:                 src.SourceURL,
		ExtractCodeExamples: true,
	}
	if kt, ok := src.Metadata["knowledge_type"].(string); ok {
		req.KnowledgeType = kt
	}
	if rawTags, ok := src.Metadata["tags"].([]interface{}); ok {
		for _, t := range rawTags {
			if s, ok := t.(string); ok {
				req.Tags = append(req.Tags, s)
			}
		}
	}

	progressID := h.orchestrator.OrchestrateCrawl(req)
	writeJSON(w, http.StatusOK, CrawlResponseDTO{
		Success:           true,
		ProgressID:        progressID,
		EstimatedDuration: "3-5 minutes",
		Message:           "Refresh started",
	})
}

// Stop handles POST /api/knowledge-items/stop/{progressId}: cooperative
// cancellation with a short grace period before reporting.
func (h *KnowledgeHandler) Stop(w http.ResponseWriter, r *http.Request) {
	progressID := chi.URLParam(r, "progressId")

	if !h.orchestrator.Cancel(progressID) {
		writeError(w, http.StatusNotFound, "no running operation with that progress id")
		return
	}

	// Give the orchestration a moment to observe the cancel before the
	// client polls again.
	time.Sleep(2 * time.Second)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"progressId": progressID,
		"message":    "Operation cancelled",
	})
}

// probeCredentials makes one tiny embedding call to validate the configured
// provider key before any crawl work starts. Any failure maps to 401.
func (h *KnowledgeHandler) probeCredentials(ctx context.Context, w http.ResponseWriter) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := h.embedder.EmbedSingle(probeCtx, "credential probe"); err != nil {
		h.logger.Warn().Err(err).Msg("Provider credential probe failed")
		writeTypedError(w, http.StatusUnauthorized,
			"embedding provider credentials are missing or invalid",
			"authentication_failed", "embedding")
		return false
	}
	return true
}
