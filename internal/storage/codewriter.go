package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/codeextract"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// CodeRequest carries summarized code blocks into the writer. Blocks and
// Summaries are positionally aligned; URL/SourceID apply to all of them.
type CodeRequest struct {
	URL       string
	SourceID  string
	Blocks    []codeextract.Block
	Summaries []codeextract.Summary
	// ChatModel is the summarizer model, recorded on every row.
	ChatModel string
	Metadata  JSONMap
}

// CodeResult reports what the writer persisted.
type CodeResult struct {
	ExamplesStored int
}

// CodeWriter persists code examples. The embedded text is the code combined
// with its summary so retrieval matches on intent, not just syntax.
type CodeWriter struct {
	logger   *observability.Logger
	settings *settings.Service
	codes    *CodeRepository
	embedder Embedder
}

// NewCodeWriter creates a code storage writer.
func NewCodeWriter(logger *observability.Logger, svc *settings.Service, codes *CodeRepository, embedder Embedder) *CodeWriter {
	return &CodeWriter{
		logger:   logger.WithComponent("code_storage"),
		settings: svc,
		codes:    codes,
		embedder: embedder,
	}
}

// Store deletes prior code rows for the URL, embeds code+summary pairs, and
// inserts the results with the same retry and per-row fallback policy as
// document storage.
func (w *CodeWriter) Store(ctx context.Context, req *CodeRequest, cancel progress.CancelCheck, onProgress progress.Callback) (*CodeResult, error) {
	result := &CodeResult{}
	if len(req.Blocks) == 0 {
		return result, nil
	}
	if len(req.Summaries) != len(req.Blocks) {
		return nil, fmt.Errorf("blocks and summaries misaligned: %d vs %d", len(req.Blocks), len(req.Summaries))
	}

	deleteBatch := w.settings.Int(ctx, "DELETE_BATCH_SIZE", 50)
	if err := w.codes.DeleteByURLs(ctx, []string{req.URL}, deleteBatch); err != nil {
		return nil, err
	}

	texts := make([]string, len(req.Blocks))
	for i, b := range req.Blocks {
		texts[i] = b.Code + "\n\nSummary: " + req.Summaries[i].Summary
	}

	batch, err := w.embedder.CreateEmbeddings(ctx, texts, cancel, onProgress)
	if err != nil {
		return nil, err
	}

	// Map vectors back to block indexes via a per-text queue.
	queues := make(map[string][]int)
	for i, t := range texts {
		queues[t] = append(queues[t], i)
	}

	var rows []*CodeExample
	for i, text := range batch.TextsProcessed {
		q := queues[text]
		if len(q) == 0 {
			continue
		}
		idx := q[0]
		queues[text] = q[1:]

		vector := batch.Embeddings[i]
		if _, ok := EmbeddingColumnFor(len(vector)); !ok {
			w.logger.Warn().Int("dimension", len(vector)).Msg("Unsupported embedding dimension, skipping code example")
			continue
		}

		block := req.Blocks[idx]
		summary := req.Summaries[idx]

		meta := JSONMap{}
		for k, v := range req.Metadata {
			meta[k] = v
		}
		meta["example_name"] = summary.ExampleName
		meta["language"] = block.Language
		if block.ConsolidatedVariants > 0 {
			meta["consolidated_variants"] = block.ConsolidatedVariants
		}
		if len(block.VariantLanguages) > 0 {
			meta["variant_languages"] = block.VariantLanguages
		}

		rows = append(rows, &CodeExample{
			URL:                req.URL,
			ChunkNumber:        idx,
			Content:            block.Code,
			Summary:            summary.Summary,
			Metadata:           meta,
			SourceID:           req.SourceID,
			Embedding:          Vector(vector),
			EmbeddingDimension: len(vector),
			EmbeddingModel:     batch.Model,
			LLMChatModel:       req.ChatModel,
		})
	}

	stored, err := w.insertWithRetry(ctx, rows)
	result.ExamplesStored = stored
	if err != nil {
		return result, err
	}

	if onProgress != nil {
		onProgress("code_storage", 100,
			fmt.Sprintf("Stored %d code examples", stored),
			map[string]interface{}{"code_examples_stored": stored})
	}
	return result, nil
}

func (w *CodeWriter) insertWithRetry(ctx context.Context, rows []*CodeExample) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		failed := false
		for _, row := range rows {
			if err := w.codes.InsertOne(ctx, row); err != nil {
				lastErr = err
				failed = true
				break
			}
		}
		if !failed {
			return len(rows), nil
		}
		w.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("Code insert failed, retrying")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	// Final per-row pass: keep what can be kept.
	stored := 0
	for _, row := range rows {
		if err := w.codes.InsertOne(ctx, row); err != nil {
			w.logger.Warn().Err(err).Int("chunk", row.ChunkNumber).Msg("Code row insert failed, skipping")
			continue
		}
		stored++
	}
	return stored, nil
}
