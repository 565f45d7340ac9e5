package embedding

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// ContextualResult pairs each chunk with its optionally contextualized text.
type ContextualResult struct {
	// Texts are positionally aligned with the input chunks. A contextualized
	// entry is "<context>\n\n<chunk>"; a fallback entry is the original chunk.
	Texts []string
	// Applied marks which entries received generated context.
	Applied []bool
}

// ContextualEmbedder prepends an LLM-generated situating context to each chunk
// before embedding, improving retrieval for chunks that lose meaning out of
// context. It degrades to the raw chunks whenever generation fails.
type ContextualEmbedder struct {
	logger   *observability.Logger
	settings *settings.Service
	factory  *llm.Factory

	// newChatClient is swappable for tests.
	newChatClient func(cfg llm.ClientConfig) llm.ChatClient
}

// NewContextualEmbedder creates a contextual embedder.
func NewContextualEmbedder(logger *observability.Logger, svc *settings.Service, factory *llm.Factory) *ContextualEmbedder {
	return &ContextualEmbedder{
		logger:   logger.WithComponent("contextual_embedding"),
		settings: svc,
		factory:  factory,
		newChatClient: func(cfg llm.ClientConfig) llm.ChatClient {
			return llm.NewChatClient(cfg)
		},
	}
}

// Enabled reports whether contextual embedding is turned on.
func (c *ContextualEmbedder) Enabled(ctx context.Context) bool {
	return c.settings.Bool(ctx, "USE_CONTEXTUAL_EMBEDDINGS", false)
}

// ChatModel returns the resolved chat model name, or empty when no chat
// provider is configured. Storage writers record it on contextualized rows.
func (c *ContextualEmbedder) ChatModel(ctx context.Context) string {
	cfg, err := c.factory.ChatConfig(ctx)
	if err != nil {
		return ""
	}
	return cfg.ChatModel
}

const (
	docExcerptLimit   = 2000
	chunkExcerptLimit = 500
)

// Contextualize generates a short situating context for each chunk against the
// full document and returns the combined texts. It never fails the pipeline:
// any sub-batch whose generation errors falls back to the raw chunks.
func (c *ContextualEmbedder) Contextualize(ctx context.Context, document string, chunks []string) (*ContextualResult, error) {
	result := &ContextualResult{
		Texts:   make([]string, len(chunks)),
		Applied: make([]bool, len(chunks)),
	}
	copy(result.Texts, chunks)

	if len(chunks) == 0 {
		return result, nil
	}

	cfg, err := c.factory.ChatConfig(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Chat provider unavailable, skipping contextual embedding")
		return result, nil
	}
	client := c.newChatClient(cfg)

	batchSize := c.settings.Int(ctx, "CONTEXTUAL_EMBEDDING_BATCH_SIZE", 50)
	if batchSize < 1 {
		batchSize = 1
	}

	docExcerpt := truncateText(document, docExcerptLimit)

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		sub := chunks[start:end]

		contexts, err := c.generateContexts(ctx, client, cfg.ChatModel, docExcerpt, sub)
		if err != nil {
			c.logger.Warn().Err(err).
				Int("batch_start", start).
				Int("batch_size", len(sub)).
				Msg("Context generation failed, falling back to raw chunks")
			continue
		}

		for i, chunkCtx := range contexts {
			if chunkCtx == "" {
				continue
			}
			idx := start + i
			result.Texts[idx] = chunkCtx + "\n\n" + chunks[idx]
			result.Applied[idx] = true
		}
	}

	return result, nil
}

// generateContexts asks for one "CHUNK i: <context>" line per chunk and parses
// the answer positionally. Missing chunk numbers simply stay uncontextualized.
func (c *ContextualEmbedder) generateContexts(ctx context.Context, client llm.ChatClient, model, docExcerpt string, chunks []string) ([]string, error) {
	var sb strings.Builder
	sb.WriteString("Document excerpt:\n")
	sb.WriteString(docExcerpt)
	sb.WriteString("\n\nFor each numbered chunk below, write one short sentence situating the chunk within the overall document, to improve search retrieval of the chunk.\n")
	sb.WriteString("Respond with exactly one line per chunk, formatted as:\nCHUNK <number>: <context sentence>\n\n")

	for i, chunk := range chunks {
		fmt.Fprintf(&sb, "CHUNK %d:\n%s\n\n", i+1, truncateText(chunk, chunkExcerptLimit))
	}

	content, err := client.Complete(ctx, llm.CompletionRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: "You situate document chunks for retrieval. Answer only with the requested CHUNK lines."},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens:   80 * len(chunks),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	return parseChunkContexts(content, len(chunks)), nil
}

var chunkLineRe = regexp.MustCompile(`(?m)^\s*CHUNK\s+(\d+)\s*:\s*(.+)$`)

// parseChunkContexts extracts "CHUNK i: <context>" lines into a positional
// slice. Out-of-range numbers are ignored.
func parseChunkContexts(content string, n int) []string {
	contexts := make([]string, n)
	for _, m := range chunkLineRe.FindAllStringSubmatch(content, -1) {
		num, err := strconv.Atoi(m[1])
		if err != nil || num < 1 || num > n {
			continue
		}
		contexts[num-1] = strings.TrimSpace(m[2])
	}
	return contexts
}

// truncateText cuts text to limit bytes on a rune boundary.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	// Back off to a valid UTF-8 boundary.
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
