package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/knowledge-engine/internal/observability"
)

func newTestRegistry(grace time.Duration) *Registry {
	return NewRegistry(observability.NopLogger(), grace)
}

func TestTrackerLifecycle(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, map[string]interface{}{"url": "https://example.com"})

	state, ok := r.Get(tr.ProgressID())
	require.True(t, ok)
	assert.Equal(t, "starting", state.Status)
	assert.Equal(t, TypeCrawl, state.Type)
	assert.Equal(t, "https://example.com", state.Fields["url"])

	tr.Update("crawling", 50, "Crawling pages", map[string]interface{}{"processed_pages": 5})
	state, _ = r.Get(tr.ProgressID())
	assert.Equal(t, "crawling", state.Status)
	assert.Equal(t, 9, state.Progress)
	assert.Equal(t, "Crawling pages", state.Log)
	assert.Equal(t, 5, state.Fields["processed_pages"])

	tr.Complete(map[string]interface{}{"chunks_stored": 12})
	state, _ = r.Get(tr.ProgressID())
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.NotNil(t, state.EndTime)
	assert.Equal(t, 12, state.Fields["chunks_stored"])
}

func TestTrackerProgressMonotone(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, nil)

	last := 0
	updates := []struct {
		stage string
		pct   int
	}{
		{"crawling", 80},
		{"crawling", 40},
		{"processing", 0},
		{"document_storage", 30},
		{"document_storage", 30},
		{"document_storage", 60},
	}
	for _, u := range updates {
		tr.Update(u.stage, u.pct, "", nil)
		state, _ := r.Get(tr.ProgressID())
		assert.GreaterOrEqual(t, state.Progress, last)
		last = state.Progress
	}
}

func TestTrackerIgnoresUpdatesAfterTerminal(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, nil)

	tr.Update("crawling", 50, "working", nil)
	tr.Cancel("")

	state, _ := r.Get(tr.ProgressID())
	require.Equal(t, StatusCancelled, state.Status)
	progressAtCancel := state.Progress

	tr.Update("document_storage", 100, "late write", nil)
	state, _ = r.Get(tr.ProgressID())
	assert.Equal(t, StatusCancelled, state.Status)
	assert.Equal(t, progressAtCancel, state.Progress)
	assert.NotEqual(t, "late write", state.Log)
}

func TestTrackerErrorPreservesProgress(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, nil)

	tr.Update("document_storage", 50, "storing", nil)
	before, _ := r.Get(tr.ProgressID())
	tr.Error("boom", nil)

	state, _ := r.Get(tr.ProgressID())
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, "boom", state.Error)
	assert.Equal(t, before.Progress, state.Progress)
}

func TestTrackerProtectedKeys(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, nil)
	id := tr.ProgressID()

	tr.Update("crawling", 10, "", map[string]interface{}{
		"progress_id": "spoofed",
		"status":      "completed",
		"progress":    999,
		"current_url": "https://example.com/a",
	})

	state, _ := r.Get(id)
	assert.Equal(t, id, state.ProgressID)
	assert.Equal(t, "crawling", state.Status)
	assert.Equal(t, "https://example.com/a", state.Fields["current_url"])
	assert.NotContains(t, state.Fields, "progress_id")
	assert.NotContains(t, state.Fields, "status")
	assert.NotContains(t, state.Fields, "progress")
}

func TestTrackerLogRingCap(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, nil)

	for i := 0; i < 250; i++ {
		tr.Update("crawling", i%100, fmt.Sprintf("update %d", i), nil)
	}

	state, _ := r.Get(tr.ProgressID())
	require.Len(t, state.Logs, 200)
	// Oldest entries were evicted, the newest remains.
	assert.Equal(t, "update 249", state.Logs[len(state.Logs)-1].Message)
}

func TestRegistryListActiveExcludesTerminal(t *testing.T) {
	r := newTestRegistry(time.Minute)
	running := r.Start(TypeCrawl, nil)
	done := r.Start(TypeUpload, nil)
	done.Complete(nil)

	active := r.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, running.ProgressID(), active[0].ProgressID)
}

func TestRegistryEvictsAfterGrace(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)
	tr := r.Start(TypeCrawl, nil)
	tr.Complete(nil)

	// Terminal state stays readable within the grace period.
	_, ok := r.Get(tr.ProgressID())
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := r.Get(tr.ProgressID())
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSnapshotIsolation(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := r.Start(TypeCrawl, map[string]interface{}{"total_pages": 10})

	state, _ := r.Get(tr.ProgressID())
	state.Fields["total_pages"] = 99

	fresh, _ := r.Get(tr.ProgressID())
	assert.Equal(t, 10, fresh.Fields["total_pages"])
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusError, StatusCancelled} {
		assert.True(t, IsTerminal(s))
	}
	for _, s := range []string{"starting", "crawling", "document_storage", ""} {
		assert.False(t, IsTerminal(s))
	}
}
