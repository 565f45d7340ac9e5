package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapperStageBands(t *testing.T) {
	m := NewMapper()

	assert.Equal(t, 0, m.Map("starting", 0))
	assert.Equal(t, 1, m.Map("starting", 100))
	assert.Equal(t, 3, m.Map("crawling", 0))
	assert.Equal(t, 9, m.Map("crawling", 50))
	assert.Equal(t, 15, m.Map("crawling", 100))
	assert.Equal(t, 40, m.Map("document_storage", 100))
}

func TestMapperFullStageEqualsStageEnd(t *testing.T) {
	for _, stage := range []string{
		"starting", "analyzing", "crawling", "processing", "source_creation",
		"document_storage", "code_extraction", "code_storage", "finalization",
	} {
		m := NewMapper()
		assert.Equal(t, m.StageEnd(stage), m.Map(stage, 100), "stage %s", stage)
	}
}

func TestMapperMonotone(t *testing.T) {
	m := NewMapper()

	sequence := []struct {
		stage string
		pct   int
	}{
		{"starting", 100},
		{"analyzing", 100},
		{"crawling", 20},
		{"crawling", 80},
		{"crawling", 60}, // stage-local regression
		{"processing", 0},
		{"document_storage", 20},
		{"document_storage", 20}, // retry of the same batch
		{"document_storage", 40},
		{"crawling", 0}, // stale late report from an earlier stage
		{"finalization", 100},
	}

	last := 0
	for _, step := range sequence {
		got := m.Map(step.stage, step.pct)
		assert.GreaterOrEqual(t, got, last, "stage %s pct %d", step.stage, step.pct)
		last = got
	}
	assert.Equal(t, 100, last)
}

func TestMapperUnknownStageHoldsPosition(t *testing.T) {
	m := NewMapper()
	m.Map("document_storage", 50)
	held := m.Last()

	assert.Equal(t, held, m.Map("error", 0))
	assert.Equal(t, held, m.Map("cancelled", 100))
	assert.Equal(t, held, m.Map("nonsense_stage", 77))
}

func TestMapperClampsStagePercent(t *testing.T) {
	m := NewMapper()
	assert.Equal(t, 15, m.Map("crawling", 250))

	m2 := NewMapper()
	assert.Equal(t, 3, m2.Map("crawling", -10))
}

func TestMapperUploadStages(t *testing.T) {
	m := NewMapper()
	assert.Equal(t, 5, m.Map("reading", 100))
	assert.Equal(t, 10, m.Map("text_extraction", 100))
	assert.Equal(t, 15, m.Map("chunking", 100))
	assert.Equal(t, 100, m.Map("storing", 100))
}
