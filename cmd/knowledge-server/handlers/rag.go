package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/retrieval"
)

// RAGHandler serves retrieval queries.
type RAGHandler struct {
	logger    *observability.Logger
	retrieval *retrieval.Service
}

// NewRAGHandler creates a RAG handler.
func NewRAGHandler(logger *observability.Logger, svc *retrieval.Service) *RAGHandler {
	return &RAGHandler{logger: logger, retrieval: svc}
}

// RAGQueryDTO is the query request body.
type RAGQueryDTO struct {
	Query      string `json:"query"`
	Source     string `json:"source"`
	MatchCount int    `json:"match_count"`
	ReturnMode string `json:"return_mode"`
}

// Query handles POST /api/rag/query.
func (h *RAGHandler) Query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}

	resp, err := h.retrieval.PerformRAGQuery(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("query", req.Query).Msg("RAG query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CodeExamples handles POST /api/rag/code-examples.
func (h *RAGHandler) CodeExamples(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}

	resp, err := h.retrieval.SearchCodeExamples(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("query", req.Query).Msg("Code example search failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Search handles POST /api/knowledge-items/search: a chunk-mode query kept
// as a distinct route for UI search boxes.
func (h *RAGHandler) Search(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		return
	}
	req.ReturnMode = retrieval.ModeChunks

	resp, err := h.retrieval.PerformRAGQuery(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("query", req.Query).Msg("Search failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RAGHandler) parse(w http.ResponseWriter, r *http.Request) (*retrieval.QueryRequest, bool) {
	var dto RAGQueryDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if dto.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return nil, false
	}
	return &retrieval.QueryRequest{
		Query:      dto.Query,
		SourceID:   dto.Source,
		MatchCount: dto.MatchCount,
		ReturnMode: dto.ReturnMode,
	}, true
}
