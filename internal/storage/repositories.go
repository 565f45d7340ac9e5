package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/archonlabs/knowledge-engine/internal/observability"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the subset of *sql.DB the repositories use.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SourceRepository persists archon_sources rows.
type SourceRepository struct {
	db     DB
	logger *observability.Logger
}

// NewSourceRepository creates a source repository.
func NewSourceRepository(db DB, logger *observability.Logger) *SourceRepository {
	return &SourceRepository{db: db, logger: logger.WithComponent("storage")}
}

// Upsert creates or updates a source row keyed by source_id.
func (r *SourceRepository) Upsert(ctx context.Context, src *Source) error {
	query := `
		INSERT INTO archon_sources (source_id, source_url, source_display_name, title, summary, total_word_count, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (source_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			source_display_name = EXCLUDED.source_display_name,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			total_word_count = EXCLUDED.total_word_count,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		src.SourceID, src.SourceURL, src.DisplayName, src.Title,
		src.Summary, src.TotalWordCount, src.Metadata)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.SourceID, err)
	}
	return nil
}

// UpsertMinimal writes only the identity fields. Used as the fallback when a
// full upsert fails, so chunk inserts still satisfy the FK.
func (r *SourceRepository) UpsertMinimal(ctx context.Context, sourceID, sourceURL, displayName string) error {
	query := `
		INSERT INTO archon_sources (source_id, source_url, source_display_name, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', NOW(), NOW())
		ON CONFLICT (source_id) DO UPDATE SET updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, sourceID, sourceURL, displayName)
	if err != nil {
		return fmt.Errorf("minimal upsert source %s: %w", sourceID, err)
	}
	return nil
}

// Get returns one source by id.
func (r *SourceRepository) Get(ctx context.Context, sourceID string) (*Source, error) {
	query := `
		SELECT source_id, source_url, source_display_name, COALESCE(title, ''), COALESCE(summary, ''),
		       COALESCE(total_word_count, 0), metadata, created_at, updated_at
		FROM archon_sources WHERE source_id = $1`

	var src Source
	err := r.db.QueryRowContext(ctx, query, sourceID).Scan(
		&src.SourceID, &src.SourceURL, &src.DisplayName, &src.Title,
		&src.Summary, &src.TotalWordCount, &src.Metadata, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", sourceID, err)
	}
	return &src, nil
}

// List returns all sources ordered by most recently updated.
func (r *SourceRepository) List(ctx context.Context) ([]*Source, error) {
	query := `
		SELECT source_id, source_url, source_display_name, COALESCE(title, ''), COALESCE(summary, ''),
		       COALESCE(total_word_count, 0), metadata, created_at, updated_at
		FROM archon_sources ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.SourceID, &src.SourceURL, &src.DisplayName, &src.Title,
			&src.Summary, &src.TotalWordCount, &src.Metadata, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// Delete removes a source and cascades to its chunks and code examples.
func (r *SourceRepository) Delete(ctx context.Context, sourceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM archon_crawled_pages WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete chunks for source %s: %w", sourceID, err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM archon_code_examples WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete code examples for source %s: %w", sourceID, err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM archon_sources WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChunkRepository persists archon_crawled_pages rows.
type ChunkRepository struct {
	db     DB
	logger *observability.Logger
}

// NewChunkRepository creates a chunk repository.
func NewChunkRepository(db DB, logger *observability.Logger) *ChunkRepository {
	return &ChunkRepository{db: db, logger: logger.WithComponent("storage")}
}

// DeleteByURLs removes all chunks for the given URLs in batches, with a
// smaller-batch fallback on error. Failures are collected, not fatal: the
// subsequent insert is keyed by (url, chunk_number) so stale rows at worst
// linger until the next successful re-ingest.
func (r *ChunkRepository) DeleteByURLs(ctx context.Context, urls []string, batchSize int) error {
	return deleteByURLs(ctx, r.db, r.logger, "archon_crawled_pages", urls, batchSize)
}

func deleteByURLs(ctx context.Context, db DB, logger *observability.Logger, table string, urls []string, batchSize int) error {
	if batchSize < 1 {
		batchSize = 1
	}

	var failed []string
	for start := 0; start < len(urls); start += batchSize {
		end := start + batchSize
		if end > len(urls) {
			end = len(urls)
		}
		batch := urls[start:end]

		query := fmt.Sprintf(`DELETE FROM %s WHERE url = ANY($1)`, table)
		if _, err := db.ExecContext(ctx, query, pq.Array(batch)); err != nil {
			logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("Delete batch failed, retrying in smaller batches")
			fallback := batchSize / 5
			if fallback < 1 {
				fallback = 1
			}
			for fs := 0; fs < len(batch); fs += fallback {
				fe := fs + fallback
				if fe > len(batch) {
					fe = len(batch)
				}
				if _, err := db.ExecContext(ctx, query, pq.Array(batch[fs:fe])); err != nil {
					failed = append(failed, batch[fs:fe]...)
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	if len(failed) > 0 {
		logger.Warn().Int("failed_urls", len(failed)).Str("table", table).Msg("Some delete batches failed permanently")
	}
	return nil
}

// InsertBatch inserts chunks in one multi-row statement per embedding
// dimension group. Chunks with unsupported dimensions cause an error; the
// writer filters those out before calling.
func (r *ChunkRepository) InsertBatch(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	byDim := make(map[int][]*Chunk)
	for _, c := range chunks {
		byDim[c.EmbeddingDimension] = append(byDim[c.EmbeddingDimension], c)
	}

	for dim, group := range byDim {
		col, ok := EmbeddingColumnFor(dim)
		if !ok {
			return fmt.Errorf("unsupported embedding dimension %d", dim)
		}

		var (
			sb   strings.Builder
			args []interface{}
		)
		fmt.Fprintf(&sb, `INSERT INTO archon_crawled_pages (url, chunk_number, content, metadata, source_id, %s, embedding_dimension, embedding_model, llm_chat_model) VALUES `, col)
		for i, c := range group {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 9
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d::vector, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
			args = append(args, c.URL, c.ChunkNumber, c.Content, c.Metadata, c.SourceID,
				c.Embedding, c.EmbeddingDimension, c.EmbeddingModel, c.LLMChatModel)
		}
		fmt.Fprintf(&sb, ` ON CONFLICT (url, chunk_number) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			source_id = EXCLUDED.source_id,
			%s = EXCLUDED.%s,
			embedding_dimension = EXCLUDED.embedding_dimension,
			embedding_model = EXCLUDED.embedding_model,
			llm_chat_model = EXCLUDED.llm_chat_model`, col, col)

		if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert chunk batch (%d rows): %w", len(group), err)
		}
	}
	return nil
}

// InsertOne inserts a single chunk row.
func (r *ChunkRepository) InsertOne(ctx context.Context, c *Chunk) error {
	col, ok := EmbeddingColumnFor(c.EmbeddingDimension)
	if !ok {
		return fmt.Errorf("unsupported embedding dimension %d", c.EmbeddingDimension)
	}

	query := fmt.Sprintf(`
		INSERT INTO archon_crawled_pages (url, chunk_number, content, metadata, source_id, %s, embedding_dimension, embedding_model, llm_chat_model)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9)
		ON CONFLICT (url, chunk_number) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			source_id = EXCLUDED.source_id,
			%s = EXCLUDED.%s,
			embedding_dimension = EXCLUDED.embedding_dimension,
			embedding_model = EXCLUDED.embedding_model,
			llm_chat_model = EXCLUDED.llm_chat_model`, col, col, col)

	_, err := r.db.ExecContext(ctx, query,
		c.URL, c.ChunkNumber, c.Content, c.Metadata, c.SourceID,
		c.Embedding, c.EmbeddingDimension, c.EmbeddingModel, c.LLMChatModel)
	if err != nil {
		return fmt.Errorf("insert chunk %s#%d: %w", c.URL, c.ChunkNumber, err)
	}
	return nil
}

// VectorSearch runs cosine similarity search over the embedding column
// matching the query vector's dimension.
func (r *ChunkRepository) VectorSearch(ctx context.Context, embedding Vector, matchCount int, sourceID string) ([]*SearchResult, error) {
	return vectorSearch(ctx, r.db, "archon_crawled_pages", "", embedding, matchCount, sourceID)
}

// HybridSearch calls the server-side hybrid RPC combining vector cosine with
// full-text match.
func (r *ChunkRepository) HybridSearch(ctx context.Context, embedding Vector, queryText string, matchCount int, sourceID string) ([]*SearchResult, error) {
	return hybridSearch(ctx, r.db, "hybrid_search_archon_crawled_pages", embedding, queryText, matchCount, sourceID)
}

// CodeRepository persists archon_code_examples rows.
type CodeRepository struct {
	db     DB
	logger *observability.Logger
}

// NewCodeRepository creates a code example repository.
func NewCodeRepository(db DB, logger *observability.Logger) *CodeRepository {
	return &CodeRepository{db: db, logger: logger.WithComponent("storage")}
}

// DeleteByURLs removes all code examples for the given URLs.
func (r *CodeRepository) DeleteByURLs(ctx context.Context, urls []string, batchSize int) error {
	return deleteByURLs(ctx, r.db, r.logger, "archon_code_examples", urls, batchSize)
}

// InsertOne inserts a single code example row.
func (r *CodeRepository) InsertOne(ctx context.Context, e *CodeExample) error {
	col, ok := EmbeddingColumnFor(e.EmbeddingDimension)
	if !ok {
		return fmt.Errorf("unsupported embedding dimension %d", e.EmbeddingDimension)
	}

	query := fmt.Sprintf(`
		INSERT INTO archon_code_examples (url, chunk_number, content, summary, metadata, source_id, %s, embedding_dimension, embedding_model, llm_chat_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, $9, $10)
		ON CONFLICT (url, chunk_number) DO UPDATE SET
			content = EXCLUDED.content,
			summary = EXCLUDED.summary,
			metadata = EXCLUDED.metadata,
			source_id = EXCLUDED.source_id,
			%s = EXCLUDED.%s,
			embedding_dimension = EXCLUDED.embedding_dimension,
			embedding_model = EXCLUDED.embedding_model,
			llm_chat_model = EXCLUDED.llm_chat_model`, col, col, col)

	_, err := r.db.ExecContext(ctx, query,
		e.URL, e.ChunkNumber, e.Content, e.Summary, e.Metadata, e.SourceID,
		e.Embedding, e.EmbeddingDimension, e.EmbeddingModel, e.LLMChatModel)
	if err != nil {
		return fmt.Errorf("insert code example %s#%d: %w", e.URL, e.ChunkNumber, err)
	}
	return nil
}

// VectorSearch runs cosine similarity search over code examples.
func (r *CodeRepository) VectorSearch(ctx context.Context, embedding Vector, matchCount int, sourceID string) ([]*SearchResult, error) {
	return vectorSearch(ctx, r.db, "archon_code_examples", "summary", embedding, matchCount, sourceID)
}

// HybridSearch calls the hybrid RPC for code examples.
func (r *CodeRepository) HybridSearch(ctx context.Context, embedding Vector, queryText string, matchCount int, sourceID string) ([]*SearchResult, error) {
	return hybridSearch(ctx, r.db, "hybrid_search_archon_code_examples", embedding, queryText, matchCount, sourceID)
}

func vectorSearch(ctx context.Context, db DB, table, summaryCol string, embedding Vector, matchCount int, sourceID string) ([]*SearchResult, error) {
	col, ok := EmbeddingColumnFor(len(embedding))
	if !ok {
		return nil, fmt.Errorf("unsupported query embedding dimension %d", len(embedding))
	}

	summarySel := "''"
	if summaryCol != "" {
		summarySel = "COALESCE(" + summaryCol + ", '')"
	}

	query := fmt.Sprintf(`
		SELECT id, url, chunk_number, content, %s, metadata, source_id,
		       1 - (%s <=> $1::vector) AS similarity
		FROM %s
		WHERE %s IS NOT NULL AND ($3 = '' OR source_id = $3)
		ORDER BY %s <=> $1::vector
		LIMIT $2`, summarySel, col, table, col, col)

	rows, err := db.QueryContext(ctx, query, embedding, matchCount, sourceID)
	if err != nil {
		return nil, fmt.Errorf("vector search %s: %w", table, err)
	}
	defer rows.Close()

	return scanSearchResults(rows, false)
}

func hybridSearch(ctx context.Context, db DB, rpc string, embedding Vector, queryText string, matchCount int, sourceID string) ([]*SearchResult, error) {
	query := fmt.Sprintf(`
		SELECT id, url, chunk_number, content, COALESCE(summary, ''), metadata, source_id, similarity, match_type
		FROM %s($1::vector, $2, $3, $4)`, rpc)

	rows, err := db.QueryContext(ctx, query, embedding, queryText, matchCount, sourceID)
	if err != nil {
		return nil, fmt.Errorf("hybrid search %s: %w", rpc, err)
	}
	defer rows.Close()

	return scanSearchResults(rows, true)
}

func scanSearchResults(rows *sql.Rows, withMatchType bool) ([]*SearchResult, error) {
	var results []*SearchResult
	for rows.Next() {
		var r SearchResult
		var err error
		if withMatchType {
			err = rows.Scan(&r.ID, &r.URL, &r.ChunkNumber, &r.Content, &r.Summary,
				&r.Metadata, &r.SourceID, &r.Similarity, &r.MatchType)
		} else {
			err = rows.Scan(&r.ID, &r.URL, &r.ChunkNumber, &r.Content, &r.Summary,
				&r.Metadata, &r.SourceID, &r.Similarity)
		}
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// ProbeSchema verifies the required tables and vector columns exist. Used by
// the health endpoint to distinguish "migration required" from "healthy".
func ProbeSchema(ctx context.Context, db DB) error {
	for _, table := range []string{"archon_sources", "archon_crawled_pages", "archon_code_examples", "archon_settings"} {
		query := fmt.Sprintf(`SELECT 1 FROM %s LIMIT 1`, table)
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			if strings.Contains(err.Error(), "does not exist") {
				return fmt.Errorf("table %s missing: %w", table, err)
			}
			return fmt.Errorf("probe %s: %w", table, err)
		}
		rows.Close()
	}
	return nil
}
