// Package progress provides the operation registry, the monotonic progress
// tracker, and the stage-to-overall percent mapper.
package progress

import "errors"

// ErrCancelled is raised cooperatively when an operation has been cancelled.
var ErrCancelled = errors.New("operation cancelled")

// CancelCheck reports whether the operation has been cancelled. It returns
// ErrCancelled once cancellation is requested and is threaded through every
// crawl strategy, embedding loop, storage loop, and summary batch.
type CancelCheck func() error

// Callback reports stage-local progress. Extras carry stage-specific fields
// that are merged into the operation state.
type Callback func(status string, pct int, message string, extras map[string]interface{})

// NeverCancelled is a CancelCheck that always admits. Useful in tests.
func NeverCancelled() error { return nil }

// stageRange is an inclusive [start, end] band of overall percent.
type stageRange struct {
	start int
	end   int
}

// stageRanges maps each pipeline stage to its band of the overall progress.
// Crawl operations use the first group; uploads use the reading/storing group.
var stageRanges = map[string]stageRange{
	"starting":         {0, 1},
	"initializing":     {0, 1},
	"analyzing":        {1, 3},
	"crawling":         {3, 15},
	"processing":       {15, 20},
	"source_creation":  {20, 25},
	"document_storage": {25, 40},
	"code_extraction":  {40, 90},
	"code_storage":     {40, 90},
	"finalization":     {90, 100},
	"completed":        {100, 100},

	"reading":         {0, 5},
	"text_extraction": {5, 10},
	"chunking":        {10, 15},
	"summarizing":     {25, 35},
	"storing":         {35, 100},
}

// Mapper converts stage-local percentages into the overall operation percent.
// It is the sole authority for monotonicity across stages: mapped output never
// decreases within one operation.
type Mapper struct {
	lastOverall int
}

// NewMapper creates a mapper starting at zero overall progress.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Map converts a stage-local percentage in [0,100] to overall percent.
// Unknown stages and terminal error/cancelled states preserve the last known
// overall progress.
func (m *Mapper) Map(stage string, stagePct int) int {
	if stagePct < 0 {
		stagePct = 0
	}
	if stagePct > 100 {
		stagePct = 100
	}

	r, ok := stageRanges[stage]
	if !ok {
		// error/cancelled and anything unrecognized: hold position.
		return m.lastOverall
	}

	overall := r.start + (stagePct*(r.end-r.start))/100
	if overall < m.lastOverall {
		overall = m.lastOverall
	}
	m.lastOverall = overall
	return overall
}

// Last returns the last mapped overall percent.
func (m *Mapper) Last() int {
	return m.lastOverall
}

// StageEnd returns the end of a stage's band, or the last overall progress for
// unknown stages.
func (m *Mapper) StageEnd(stage string) int {
	if r, ok := stageRanges[stage]; ok {
		return r.end
	}
	return m.lastOverall
}
