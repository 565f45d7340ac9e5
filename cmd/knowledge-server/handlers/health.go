package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// failureProbeTTL is how long a failed migration probe is cached before the
// schema is re-checked. A successful probe is cached for the process life.
const failureProbeTTL = 30 * time.Second

// HealthHandler serves the health endpoint with a cached schema probe.
type HealthHandler struct {
	logger *observability.Logger
	db     storage.DB

	mu          sync.Mutex
	schemaOK    bool
	lastFailure time.Time
	lastErr     error
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(logger *observability.Logger, db storage.DB) *HealthHandler {
	return &HealthHandler{logger: logger, db: db}
}

// Health handles GET /api/health. Answers healthy, or migration_required
// with 503 while the schema probe keeps failing.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.probe(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "migration_required",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "knowledge-engine",
	})
}

func (h *HealthHandler) probe(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.schemaOK {
		return nil
	}
	if h.lastErr != nil && time.Since(h.lastFailure) < failureProbeTTL {
		return h.lastErr
	}

	if err := storage.ProbeSchema(ctx, h.db); err != nil {
		h.lastErr = err
		h.lastFailure = time.Now()
		h.logger.Warn().Err(err).Msg("Schema probe failed")
		return err
	}

	h.schemaOK = true
	h.lastErr = nil
	return nil
}
