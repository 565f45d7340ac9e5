package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/embedding"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// DocumentRequest carries positionally-aligned chunk data into the writer.
type DocumentRequest struct {
	URLs         []string
	ChunkNumbers []int
	Contents     []string
	Metadatas    []JSONMap
	// URLToFullDocument supplies the full document for contextual embedding.
	URLToFullDocument map[string]string
}

// DocumentResult reports what the writer persisted.
type DocumentResult struct {
	ChunksStored    int
	ChunksProcessed int
}

// Embedder produces batch embeddings for chunk content.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, texts []string, cancel progress.CancelCheck, onProgress progress.Callback) (*embedding.BatchResult, error)
}

// Contextualizer rewrites chunks with document context before embedding.
type Contextualizer interface {
	Enabled(ctx context.Context) bool
	Contextualize(ctx context.Context, document string, chunks []string) (*embedding.ContextualResult, error)
	ChatModel(ctx context.Context) string
}

// DocumentWriter persists document chunks: delete-then-insert keyed by URL,
// optional contextual embedding, dimension-routed vector columns, batch
// insert with per-row fallback.
type DocumentWriter struct {
	logger     *observability.Logger
	settings   *settings.Service
	chunks     *ChunkRepository
	embedder   Embedder
	contextual Contextualizer
}

// NewDocumentWriter creates a document storage writer. contextual may be nil.
func NewDocumentWriter(logger *observability.Logger, svc *settings.Service, chunks *ChunkRepository, embedder Embedder, contextual Contextualizer) *DocumentWriter {
	return &DocumentWriter{
		logger:     logger.WithComponent("document_storage"),
		settings:   svc,
		chunks:     chunks,
		embedder:   embedder,
		contextual: contextual,
	}
}

// Store deletes prior rows for the request's URLs, then writes all chunks in
// slices of DOCUMENT_STORAGE_BATCH_SIZE (default 50). Chunks whose metadata
// lacks a source_id are dropped, and chunks whose embedding failed are
// skipped rather than written without a vector.
func (w *DocumentWriter) Store(ctx context.Context, req *DocumentRequest, cancel progress.CancelCheck, onProgress progress.Callback) (*DocumentResult, error) {
	result := &DocumentResult{ChunksProcessed: len(req.Contents)}
	if len(req.Contents) == 0 {
		return result, nil
	}

	deleteBatch := w.settings.Int(ctx, "DELETE_BATCH_SIZE", 50)
	if err := w.chunks.DeleteByURLs(ctx, uniqueStrings(req.URLs), deleteBatch); err != nil {
		return nil, err
	}

	batchSize := w.settings.Int(ctx, "DOCUMENT_STORAGE_BATCH_SIZE", 50)
	if batchSize < 1 {
		batchSize = 1
	}
	useContextual := w.contextual != nil && w.contextual.Enabled(ctx)

	total := len(req.Contents)
	totalBatches := (total + batchSize - 1) / batchSize

	for start := 0; start < total; start += batchSize {
		if err := cancel(); err != nil {
			return result, err
		}

		end := start + batchSize
		if end > total {
			end = total
		}
		batchNum := start/batchSize + 1

		texts := make([]string, end-start)
		contextApplied := make([]bool, end-start)
		copy(texts, req.Contents[start:end])

		var chatModel string
		if useContextual {
			chatModel = w.contextualize(ctx, req, start, end, texts, contextApplied)
		}

		batchResult, err := w.embedder.CreateEmbeddings(ctx, texts, cancel, onProgress)
		if err != nil {
			return result, err
		}
		if batchResult.FailureCount > 0 {
			w.logger.Warn().
				Int("failed", batchResult.FailureCount).
				Int("batch", batchNum).
				Msg("Some chunks failed to embed and will be skipped")
		}

		rows := w.buildRows(req, start, texts, contextApplied, chatModel, batchResult)
		if len(rows) > 0 {
			stored, err := w.insertWithRetry(ctx, rows)
			result.ChunksStored += stored
			if err != nil {
				return result, err
			}
		}

		if onProgress != nil {
			onProgress("document_storage", batchNum*100/totalBatches,
				fmt.Sprintf("Stored batch %d/%d", batchNum, totalBatches),
				map[string]interface{}{
					"completed_batches": batchNum,
					"total_batches":     totalBatches,
					"current_batch":     batchNum,
					"chunks_processed":  end,
					"active_workers":    1,
				})
		}
	}

	return result, nil
}

// contextualize rewrites texts in place with generated context and returns
// the chat model used, for row enrichment.
func (w *DocumentWriter) contextualize(ctx context.Context, req *DocumentRequest, start, end int, texts []string, applied []bool) string {
	// Group the slice by URL so each document is contextualized against its
	// own full text.
	byURL := make(map[string][]int)
	for i := start; i < end; i++ {
		byURL[req.URLs[i]] = append(byURL[req.URLs[i]], i)
	}

	for url, indexes := range byURL {
		doc := req.URLToFullDocument[url]
		if doc == "" {
			continue
		}
		chunks := make([]string, len(indexes))
		for j, idx := range indexes {
			chunks[j] = req.Contents[idx]
		}

		res, err := w.contextual.Contextualize(ctx, doc, chunks)
		if err != nil {
			w.logger.Warn().Err(err).Str("url", url).Msg("Contextual embedding failed, using raw chunks")
			continue
		}
		for j, idx := range indexes {
			texts[idx-start] = res.Texts[j]
			applied[idx-start] = res.Applied[j]
		}
	}

	return w.contextual.ChatModel(ctx)
}

// buildRows maps returned vectors back to their originating chunk indexes.
// The embedder's TextsProcessed aligns positionally with Embeddings; a
// per-text index queue restores original positions even with duplicate texts
// or partial failures, so vectors are never mis-paired.
func (w *DocumentWriter) buildRows(req *DocumentRequest, start int, texts []string, contextApplied []bool, chatModel string, batch *embedding.BatchResult) []*Chunk {
	queues := make(map[string][]int)
	for i, t := range texts {
		queues[t] = append(queues[t], start+i)
	}

	var rows []*Chunk
	for i, text := range batch.TextsProcessed {
		q := queues[text]
		if len(q) == 0 {
			w.logger.Warn().Msg("Embedded text has no matching chunk index, dropping vector")
			continue
		}
		idx := q[0]
		queues[text] = q[1:]

		vector := batch.Embeddings[i]
		if _, ok := EmbeddingColumnFor(len(vector)); !ok {
			w.logger.Warn().Int("dimension", len(vector)).Msg("Unsupported embedding dimension, skipping chunk")
			continue
		}

		meta := req.Metadatas[idx]
		if meta == nil {
			meta = JSONMap{}
		}
		sourceID, _ := meta["source_id"].(string)
		if sourceID == "" {
			// Orphan prevention: a chunk without a source_id would violate
			// the FK or create unowned rows.
			w.logger.Warn().Str("url", req.URLs[idx]).Msg("Chunk missing source_id, dropping")
			continue
		}
		if contextApplied[idx-start] {
			meta["contextual_embedding"] = true
		}

		rows = append(rows, &Chunk{
			URL:                req.URLs[idx],
			ChunkNumber:        req.ChunkNumbers[idx],
			Content:            req.Contents[idx],
			Metadata:           meta,
			SourceID:           sourceID,
			Embedding:          Vector(vector),
			EmbeddingDimension: len(vector),
			EmbeddingModel:     batch.Model,
			LLMChatModel:       chatModel,
		})
	}
	return rows
}

// insertWithRetry tries the batch insert up to three times with exponential
// backoff, then falls back to per-row inserts so one corrupt row cannot lose
// the whole batch. Returns the number of rows stored.
func (w *DocumentWriter) insertWithRetry(ctx context.Context, rows []*Chunk) (int, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := w.chunks.InsertBatch(ctx, rows); err == nil {
			return len(rows), nil
		} else {
			lastErr = err
			w.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Batch insert failed, retrying")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	w.logger.Warn().Err(lastErr).Msg("Batch insert exhausted retries, falling back to per-row inserts")
	stored := 0
	for _, row := range rows {
		if err := w.chunks.InsertOne(ctx, row); err != nil {
			w.logger.Warn().Err(err).Str("url", row.URL).Int("chunk", row.ChunkNumber).Msg("Row insert failed, skipping")
			continue
		}
		stored++
	}
	return stored, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
