package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// SourcesHandler serves source management endpoints.
type SourcesHandler struct {
	logger  *observability.Logger
	sources *storage.SourceRepository
}

// NewSourcesHandler creates a sources handler.
func NewSourcesHandler(logger *observability.Logger, sources *storage.SourceRepository) *SourcesHandler {
	return &SourcesHandler{logger: logger, sources: sources}
}

// List handles GET /api/sources.
func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.sources.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sources")
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources, "count": len(sources)})
}

// Get handles GET /api/sources/{sourceId}.
func (h *SourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sourceId")

	src, err := h.sources.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load source")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

// Delete handles DELETE /api/sources/{sourceId}: removes the source and all
// of its chunks and code examples.
func (h *SourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sourceId")

	err := h.sources.Delete(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("source_id", id).Msg("Failed to delete source")
		writeError(w, http.StatusInternalServerError, "failed to delete source")
		return
	}

	h.logger.Info().Str("source_id", id).Msg("Source deleted")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sourceId": id})
}
