package codeextract

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/knowledge-engine/internal/config"
	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

type fakeChat struct {
	mu    sync.Mutex
	fn    func(req llm.CompletionRequest) (string, error)
	calls int
}

func (f *fakeChat) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fn(req)
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSummarizer(values map[string]string, chat llm.ChatClient) *Summarizer {
	if values == nil {
		values = map[string]string{}
	}
	if _, ok := values["LLM_PROVIDER"]; !ok {
		values["LLM_PROVIDER"] = "openai"
	}
	if _, ok := values["OPENAI_API_KEY"]; !ok {
		values["OPENAI_API_KEY"] = "test-key"
	}
	svc := settings.NewService(settings.NewMapStore(values))
	factory := llm.NewFactory(observability.NopLogger(), svc, config.ProvidersConfig{})

	s := NewSummarizer(observability.NopLogger(), svc, factory)
	s.newChatClient = func(cfg llm.ClientConfig) llm.ChatClient { return chat }
	return s
}

var testBlock = Block{
	Code:     "def greet(name):\n    return f\"Hello, {name}!\"",
	Language: "python",
}

func TestSummarizeOneParsesJSON(t *testing.T) {
	chat := &fakeChat{fn: func(req llm.CompletionRequest) (string, error) {
		return `{"example_name": "Greeting Function", "summary": "Formats a greeting."}`, nil
	}}
	s := newTestSummarizer(nil, chat)

	out := s.SummarizeBatch(context.Background(), []Block{testBlock}, progress.NeverCancelled, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Greeting Function", out[0].ExampleName)
	assert.Equal(t, "Formats a greeting.", out[0].Summary)
}

func TestSummarizeOneToleratesFencedJSON(t *testing.T) {
	chat := &fakeChat{fn: func(req llm.CompletionRequest) (string, error) {
		return "```json\n{\"example_name\": \"N\", \"summary\": \"S\"}\n```", nil
	}}
	s := newTestSummarizer(nil, chat)

	out := s.SummarizeBatch(context.Background(), []Block{testBlock}, progress.NeverCancelled, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "N", out[0].ExampleName)
	assert.Equal(t, "S", out[0].Summary)
}

func TestSummarizeStrictRetryAfterEmptyResponse(t *testing.T) {
	chat := &fakeChat{}
	chat.fn = func(req llm.CompletionRequest) (string, error) {
		if chat.calls == 1 {
			return "", nil
		}
		return `{"example_name": "Second Try", "summary": "Worked."}`, nil
	}
	s := newTestSummarizer(nil, chat)

	out := s.SummarizeBatch(context.Background(), []Block{testBlock}, progress.NeverCancelled, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Second Try", out[0].ExampleName)
	assert.Equal(t, 2, chat.callCount())
}

func TestSummarizeReasoningTextFallsBackToHeuristic(t *testing.T) {
	chat := &fakeChat{fn: func(req llm.CompletionRequest) (string, error) {
		return "Okay, let me think about what this code does step by step...", nil
	}}
	s := newTestSummarizer(nil, chat)

	out := s.SummarizeBatch(context.Background(), []Block{testBlock}, progress.NeverCancelled, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Code Example (python)", out[0].ExampleName)
	assert.Contains(t, out[0].Summary, "python")
}

func TestSummarizeGrokFallsBackToGPT4oMini(t *testing.T) {
	chat := &fakeChat{}
	chat.fn = func(req llm.CompletionRequest) (string, error) {
		if req.Model == "gpt-4o-mini" {
			return `{"example_name": "Fallback", "summary": "Via fallback model."}`, nil
		}
		return "<think>reasoning leak</think>", nil
	}
	s := newTestSummarizer(map[string]string{"MODEL_CHOICE": "grok-2-latest"}, chat)

	out := s.SummarizeBatch(context.Background(), []Block{testBlock}, progress.NeverCancelled, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Fallback", out[0].ExampleName)
}

func TestSummarizeErrorsNeverPropagate(t *testing.T) {
	chat := &fakeChat{fn: func(req llm.CompletionRequest) (string, error) {
		return "", errors.New("provider down")
	}}
	s := newTestSummarizer(nil, chat)

	blocks := []Block{testBlock, {Code: "x = 1", Language: ""}}
	out := s.SummarizeBatch(context.Background(), blocks, progress.NeverCancelled, nil)

	require.Len(t, out, 2)
	for _, sum := range out {
		assert.NotEmpty(t, sum.ExampleName)
		assert.NotEmpty(t, sum.Summary)
	}
	assert.Equal(t, "Code Example (unknown)", out[1].ExampleName)
}

func TestSummarizeBatchCancelFillsHeuristics(t *testing.T) {
	chat := &fakeChat{fn: func(req llm.CompletionRequest) (string, error) {
		return `{"example_name": "Never", "summary": "Used."}`, nil
	}}
	s := newTestSummarizer(nil, chat)

	cancelled := func() error { return progress.ErrCancelled }
	out := s.SummarizeBatch(context.Background(), []Block{testBlock, testBlock}, cancelled, nil)

	require.Len(t, out, 2)
	for _, sum := range out {
		assert.Equal(t, "Code Example (python)", sum.ExampleName)
	}
	assert.Zero(t, chat.callCount())
}

func TestSummarizeBatchReportsProgress(t *testing.T) {
	chat := &fakeChat{fn: func(req llm.CompletionRequest) (string, error) {
		return `{"example_name": "N", "summary": "S"}`, nil
	}}
	s := newTestSummarizer(nil, chat)

	var mu sync.Mutex
	var stages []string
	maxCompleted := 0
	onProgress := func(status string, pct int, msg string, extras map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, status)
		if done, ok := extras["completed_summaries"].(int); ok && done > maxCompleted {
			maxCompleted = done
		}
	}

	out := s.SummarizeBatch(context.Background(), []Block{testBlock, testBlock}, progress.NeverCancelled, onProgress)
	require.Len(t, out, 2)
	require.NotEmpty(t, stages)
	assert.Equal(t, "code_extraction", stages[0])
	assert.Equal(t, 2, maxCompleted)
}

func TestParseSummary(t *testing.T) {
	sum, err := parseSummary(`Here is the JSON: {"example_name": "X", "summary": "Y"} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, "X", sum.ExampleName)

	_, err = parseSummary("no json here")
	assert.Error(t, err)
}

func TestHeuristicSummary(t *testing.T) {
	sum := heuristicSummary(Block{Code: "\n\nimport os\nprint(os.getcwd())", Language: "python"})
	assert.Equal(t, "Code Example (python)", sum.ExampleName)
	assert.Contains(t, sum.Summary, "import os")
}
