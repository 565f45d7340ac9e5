package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/knowledge-engine/internal/config"
	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

type fakeChatClient struct {
	fn func(req llm.CompletionRequest) (string, error)
}

func (f *fakeChatClient) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return f.fn(req)
}

func newTestContextual(values map[string]string, chat llm.ChatClient) *ContextualEmbedder {
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

	c := NewContextualEmbedder(observability.NopLogger(), svc, factory)
	c.newChatClient = func(cfg llm.ClientConfig) llm.ChatClient { return chat }
	return c
}

func TestContextualizeAppliesContexts(t *testing.T) {
	chat := &fakeChatClient{fn: func(req llm.CompletionRequest) (string, error) {
		return "CHUNK 1: Introduces the install steps.\nCHUNK 2: Covers configuration.", nil
	}}
	c := newTestContextual(nil, chat)

	res, err := c.Contextualize(context.Background(), "full document text", []string{"install with pip", "set the env vars"})
	require.NoError(t, err)

	require.Len(t, res.Texts, 2)
	assert.Equal(t, "Introduces the install steps.\n\ninstall with pip", res.Texts[0])
	assert.Equal(t, "Covers configuration.\n\nset the env vars", res.Texts[1])
	assert.Equal(t, []bool{true, true}, res.Applied)
}

func TestContextualizeFallsBackOnError(t *testing.T) {
	chat := &fakeChatClient{fn: func(req llm.CompletionRequest) (string, error) {
		return "", errors.New("chat provider down")
	}}
	c := newTestContextual(nil, chat)

	chunks := []string{"chunk one", "chunk two"}
	res, err := c.Contextualize(context.Background(), "doc", chunks)
	require.NoError(t, err, "context generation failures never fail the pipeline")

	assert.Equal(t, chunks, res.Texts)
	assert.Equal(t, []bool{false, false}, res.Applied)
}

func TestContextualizePartialParse(t *testing.T) {
	chat := &fakeChatClient{fn: func(req llm.CompletionRequest) (string, error) {
		// Only the second chunk comes back; chunk 9 is out of range.
		return "CHUNK 2: Second context.\nCHUNK 9: bogus", nil
	}}
	c := newTestContextual(nil, chat)

	res, err := c.Contextualize(context.Background(), "doc", []string{"one", "two"})
	require.NoError(t, err)

	assert.Equal(t, "one", res.Texts[0])
	assert.False(t, res.Applied[0])
	assert.Equal(t, "Second context.\n\ntwo", res.Texts[1])
	assert.True(t, res.Applied[1])
}

func TestContextualizeEmptyInput(t *testing.T) {
	c := newTestContextual(nil, &fakeChatClient{fn: func(req llm.CompletionRequest) (string, error) {
		t.Fatal("chat must not be called")
		return "", nil
	}})

	res, err := c.Contextualize(context.Background(), "doc", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Texts)
}

func TestContextualizeTruncatesExcerpts(t *testing.T) {
	var prompt string
	chat := &fakeChatClient{fn: func(req llm.CompletionRequest) (string, error) {
		prompt = req.Messages[1].Content
		return "CHUNK 1: ctx", nil
	}}
	c := newTestContextual(nil, chat)

	doc := strings.Repeat("d", 5000)
	chunk := strings.Repeat("c", 2000)
	_, err := c.Contextualize(context.Background(), doc, []string{chunk})
	require.NoError(t, err)

	assert.NotContains(t, prompt, strings.Repeat("d", docExcerptLimit+1))
	assert.Contains(t, prompt, strings.Repeat("d", docExcerptLimit))
	assert.NotContains(t, prompt, strings.Repeat("c", chunkExcerptLimit+1))
}

func TestEnabledFlag(t *testing.T) {
	c := newTestContextual(map[string]string{"USE_CONTEXTUAL_EMBEDDINGS": "true"}, nil)
	assert.True(t, c.Enabled(context.Background()))

	c2 := newTestContextual(nil, nil)
	assert.False(t, c2.Enabled(context.Background()))
}

func TestParseChunkContexts(t *testing.T) {
	contexts := parseChunkContexts("noise\nCHUNK 1: alpha\n  CHUNK 3 : gamma  \nCHUNK x: bad", 3)
	assert.Equal(t, []string{"alpha", "", "gamma"}, contexts)
}

func TestTruncateTextRuneBoundary(t *testing.T) {
	s := "héllo wörld"
	cut := truncateText(s, 2) // would split the é
	assert.True(t, len(cut) <= 2)
	for _, r := range cut {
		assert.NotEqual(t, '�', r)
	}
	assert.Equal(t, "short", truncateText("short", 100))
}
