// Package storage persists sources, document chunks and code examples to
// Postgres with pgvector embeddings, and exposes the vector and hybrid
// search queries the retrieval layer runs.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JSONMap stores arbitrary JSON metadata in a jsonb column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(raw, m)
}

// Vector serializes a float32 slice in pgvector's text format, e.g. [1,2,3].
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

// Scan implements sql.Scanner for pgvector text output.
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	var s string
	switch raw := src.(type) {
	case []byte:
		s = string(raw)
	case string:
		s = raw
	default:
		return fmt.Errorf("unsupported vector source type %T", src)
	}
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		*v = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("parse vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// supportedDimensions are the vector column widths the schema carries.
var supportedDimensions = map[int]string{
	768:  "embedding_768",
	1024: "embedding_1024",
	1536: "embedding_1536",
	3072: "embedding_3072",
}

// EmbeddingColumnFor returns the column name for a vector length, or false
// for unsupported dimensions. Rows with unsupported dimensions are skipped,
// never written with a mismatched column.
func EmbeddingColumnFor(dimension int) (string, bool) {
	col, ok := supportedDimensions[dimension]
	return col, ok
}

// Source is one row of archon_sources.
type Source struct {
	SourceID       string    `json:"source_id"`
	SourceURL      string    `json:"source_url"`
	DisplayName    string    `json:"source_display_name"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	TotalWordCount int       `json:"total_word_count"`
	Metadata       JSONMap   `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Chunk is one row of archon_crawled_pages.
type Chunk struct {
	ID                 int64   `json:"id"`
	URL                string  `json:"url"`
	ChunkNumber        int     `json:"chunk_number"`
	Content            string  `json:"content"`
	Metadata           JSONMap `json:"metadata"`
	SourceID           string  `json:"source_id"`
	Embedding          Vector  `json:"-"`
	EmbeddingDimension int     `json:"embedding_dimension"`
	EmbeddingModel     string  `json:"embedding_model"`
	LLMChatModel       string  `json:"llm_chat_model"`
}

// CodeExample is one row of archon_code_examples.
type CodeExample struct {
	ID                 int64   `json:"id"`
	URL                string  `json:"url"`
	ChunkNumber        int     `json:"chunk_number"`
	Content            string  `json:"content"`
	Summary            string  `json:"summary"`
	Metadata           JSONMap `json:"metadata"`
	SourceID           string  `json:"source_id"`
	Embedding          Vector  `json:"-"`
	EmbeddingDimension int     `json:"embedding_dimension"`
	EmbeddingModel     string  `json:"embedding_model"`
	LLMChatModel       string  `json:"llm_chat_model"`
}

// SearchResult is one retrieval hit from vector or hybrid search.
type SearchResult struct {
	ID         int64   `json:"id"`
	URL        string  `json:"url"`
	ChunkNumber int    `json:"chunk_number"`
	Content    string  `json:"content"`
	Summary    string  `json:"summary,omitempty"`
	Metadata   JSONMap `json:"metadata"`
	SourceID   string  `json:"source_id"`
	Similarity float64 `json:"similarity"`
	MatchType  string  `json:"match_type,omitempty"`
}
