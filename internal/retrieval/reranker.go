// Package retrieval implements RAG queries over the stored chunks and code
// examples: vector and hybrid search, cross-encoder reranking, and
// page-level result grouping.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// rerankOverFetch widens the candidate pool handed to the reranker.
const rerankOverFetch = 5

// Reranker reorders candidate results by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []*storage.SearchResult, topK int) ([]*storage.SearchResult, error)
}

// HTTPReranker calls an external cross-encoder scoring service.
type HTTPReranker struct {
	logger     *observability.Logger
	httpClient *http.Client
	baseURL    string
}

// NewHTTPReranker creates a reranker client, or nil when no URL is
// configured so callers can treat reranking as unavailable.
func NewHTTPReranker(logger *observability.Logger, baseURL string) *HTTPReranker {
	if baseURL == "" {
		return nil
	}
	return &HTTPReranker{
		logger:     logger.WithComponent("reranker"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores every candidate's content against the query and returns the
// topK best. On any failure the original similarity ordering is kept.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, results []*storage.SearchResult, topK int) ([]*storage.SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Content
	}

	payload, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal rerank response: %w", err)
	}
	if len(parsed.Scores) != len(results) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(parsed.Scores), len(results))
	}

	reranked := make([]*storage.SearchResult, len(results))
	copy(reranked, results)
	scores := make(map[*storage.SearchResult]float64, len(results))
	for i, res := range reranked {
		scores[res] = parsed.Scores[i]
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return scores[reranked[i]] > scores[reranked[j]]
	})

	if topK > 0 && len(reranked) > topK {
		reranked = reranked[:topK]
	}
	return reranked, nil
}
