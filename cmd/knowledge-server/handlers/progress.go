package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
)

// ProgressHandler serves progress polling endpoints.
type ProgressHandler struct {
	logger  *observability.Logger
	tracker *progress.Registry
}

// NewProgressHandler creates a progress handler.
func NewProgressHandler(logger *observability.Logger, tracker *progress.Registry) *ProgressHandler {
	return &ProgressHandler{logger: logger, tracker: tracker}
}

// ProgressDTO is the wire shape of one operation state.
type ProgressDTO struct {
	ProgressID string                 `json:"progressId"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Progress   int                    `json:"progress"`
	Message    string                 `json:"message"`
	Logs       []progress.LogEntry    `json:"logs"`
	Error      string                 `json:"error,omitempty"`
	Duration   float64                `json:"duration,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func toDTO(s progress.State) ProgressDTO {
	return ProgressDTO{
		ProgressID: s.ProgressID,
		Type:       s.Type,
		Status:     s.Status,
		Progress:   s.Progress,
		Message:    s.Log,
		Logs:       s.Logs,
		Error:      s.Error,
		Duration:   s.Duration,
		Details:    s.Fields,
	}
}

// Get handles GET /api/progress/{progressId} with ETag-based polling: the
// ETag hashes the stable fields, so an unchanged state answers 304 and a
// terminal state tells the client to stop polling via X-Poll-Interval: 0.
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "progressId")

	state, ok := h.tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}

	etag := computeETag(state)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	if progress.IsTerminal(state.Status) {
		w.Header().Set("X-Poll-Interval", "0")
	} else {
		w.Header().Set("X-Poll-Interval", "1000")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, toDTO(state))
}

// List handles GET /api/progress/: all active (non-terminal) operations with
// a filtered field set.
func (h *ProgressHandler) List(w http.ResponseWriter, r *http.Request) {
	active := h.tracker.ListActive()

	type item struct {
		ProgressID string `json:"progressId"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		Progress   int    `json:"progress"`
		Message    string `json:"message"`
	}
	items := make([]item, 0, len(active))
	for _, s := range active {
		items = append(items, item{
			ProgressID: s.ProgressID,
			Type:       s.Type,
			Status:     s.Status,
			Progress:   s.Progress,
			Message:    s.Log,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": items, "count": len(items)})
}

// computeETag hashes the fields that change when the operation meaningfully
// advances. Log timestamps are excluded so heartbeat-free idle states stay
// cacheable.
func computeETag(s progress.State) string {
	stable := map[string]interface{}{
		"progress_id": s.ProgressID,
		"status":      s.Status,
		"progress":    s.Progress,
		"log":         s.Log,
		"log_count":   len(s.Logs),
		"error":       s.Error,
		"fields":      s.Fields,
	}
	raw, err := json.Marshal(stable)
	if err != nil {
		raw = []byte(s.ProgressID + s.Status)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:16]))
}
