package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
)

func newProgressRouter(t *testing.T) (*chi.Mux, *progress.Registry) {
	t.Helper()
	registry := progress.NewRegistry(observability.NopLogger(), time.Minute)
	h := NewProgressHandler(observability.NopLogger(), registry)

	r := chi.NewRouter()
	r.Get("/api/progress/{progressId}", h.Get)
	r.Get("/api/progress/", h.List)
	return r, registry
}

func getProgress(t *testing.T, router http.Handler, id, ifNoneMatch string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/progress/"+id, nil)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestProgressGet(t *testing.T) {
	router, registry := newProgressRouter(t)
	tracker := registry.Start("crawl", map[string]interface{}{"url": "https://example.com"})
	tracker.Update("crawling", 50, "Crawling pages", nil)

	rec := getProgress(t, router, tracker.ProgressID(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.True(t, etag[0] == '"' && etag[len(etag)-1] == '"', "ETag must be quoted: %s", etag)
	assert.Equal(t, "1000", rec.Header().Get("X-Poll-Interval"))
	assert.Equal(t, "no-cache, must-revalidate", rec.Header().Get("Cache-Control"))

	var dto ProgressDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, tracker.ProgressID(), dto.ProgressID)
	assert.Equal(t, "crawl", dto.Type)
	assert.Equal(t, "crawling", dto.Status)
	assert.Equal(t, "Crawling pages", dto.Message)
	assert.NotEmpty(t, dto.Logs)
}

func TestProgressGetNotModified(t *testing.T) {
	router, registry := newProgressRouter(t)
	tracker := registry.Start("crawl", nil)
	tracker.Update("crawling", 25, "working", nil)

	first := getProgress(t, router, tracker.ProgressID(), "")
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")

	// Unchanged state answers 304 with no body.
	second := getProgress(t, router, tracker.ProgressID(), etag)
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.String())
	// Poll headers still accompany the 304 so clients keep their cadence.
	assert.Equal(t, "1000", second.Header().Get("X-Poll-Interval"))
}

func TestProgressGetETagChangesOnUpdate(t *testing.T) {
	router, registry := newProgressRouter(t)
	tracker := registry.Start("crawl", nil)
	tracker.Update("crawling", 10, "starting out", nil)

	first := getProgress(t, router, tracker.ProgressID(), "")
	etag := first.Header().Get("ETag")

	tracker.Update("crawling", 60, "further along", nil)

	third := getProgress(t, router, tracker.ProgressID(), etag)
	assert.Equal(t, http.StatusOK, third.Code)
	assert.NotEqual(t, etag, third.Header().Get("ETag"))
}

func TestProgressGetTerminalStopsPolling(t *testing.T) {
	router, registry := newProgressRouter(t)
	tracker := registry.Start("crawl", nil)
	tracker.Complete(map[string]interface{}{"chunks_stored": 12})

	rec := getProgress(t, router, tracker.ProgressID(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Poll-Interval"))

	var dto ProgressDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, progress.StatusCompleted, dto.Status)
	assert.Equal(t, 100, dto.Progress)
}

func TestProgressGetUnknownID(t *testing.T) {
	router, _ := newProgressRouter(t)

	rec := getProgress(t, router, "nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressList(t *testing.T) {
	router, registry := newProgressRouter(t)
	active := registry.Start("crawl", nil)
	active.Update("crawling", 30, "working", nil)
	done := registry.Start("upload", nil)
	done.Complete(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/progress/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Operations []struct {
			ProgressID string `json:"progressId"`
			Status     string `json:"status"`
		} `json:"operations"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, active.ProgressID(), body.Operations[0].ProgressID)
}
