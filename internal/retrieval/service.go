package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/cache"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/settings"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// Return modes for RAG queries.
const (
	ModeChunks = "chunks"
	ModePages  = "pages"
)

const responseCacheTTL = 5 * time.Minute

// QueryRequest describes one RAG query.
type QueryRequest struct {
	Query      string
	SourceID   string
	MatchCount int
	ReturnMode string
}

// PageResult is one grouped page in pages mode.
type PageResult struct {
	PageID              string  `json:"page_id"`
	URL                 string  `json:"url"`
	SectionTitle        string  `json:"section_title"`
	WordCount           int     `json:"word_count"`
	ChunkMatches        int     `json:"chunk_matches"`
	AggregateSimilarity float64 `json:"aggregate_similarity"`
	AverageSimilarity   float64 `json:"average_similarity"`
	SourceID            string  `json:"source_id"`
}

// QueryResponse is the result of a RAG query. Exactly one of Chunks or Pages
// is populated, reported by Mode.
type QueryResponse struct {
	Mode     string                  `json:"mode"`
	Chunks   []*storage.SearchResult `json:"chunks,omitempty"`
	Pages    []*PageResult           `json:"pages,omitempty"`
	Reranked bool                    `json:"reranked"`
	Hybrid   bool                    `json:"hybrid"`
}

// QueryEmbedder turns a query string into a single embedding vector.
type QueryEmbedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Service coordinates RAG retrieval: query embedding, vector or hybrid
// search, optional reranking, page grouping and a short-lived response cache.
type Service struct {
	logger   *observability.Logger
	settings *settings.Service
	embedder QueryEmbedder
	chunks   *storage.ChunkRepository
	codes    *storage.CodeRepository
	reranker Reranker
	cache    cache.Client
}

// NewService creates the retrieval service. Reranker and cache may be nil.
func NewService(logger *observability.Logger, svc *settings.Service, embedder QueryEmbedder,
	chunks *storage.ChunkRepository, codes *storage.CodeRepository, reranker Reranker, c cache.Client) *Service {
	return &Service{
		logger:   logger.WithComponent("retrieval"),
		settings: svc,
		embedder: embedder,
		chunks:   chunks,
		codes:    codes,
		reranker: reranker,
		cache:    c,
	}
}

// PerformRAGQuery runs the full retrieval pipeline for document chunks.
func (s *Service) PerformRAGQuery(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if req.MatchCount <= 0 {
		req.MatchCount = 5
	}
	if req.ReturnMode == "" {
		req.ReturnMode = ModeChunks
	}

	if cached := s.getCached(ctx, "rag", req); cached != nil {
		return cached, nil
	}

	results, hybrid, reranked, err := s.search(ctx, req, s.chunks.VectorSearch, s.chunks.HybridSearch)
	if err != nil {
		return nil, err
	}

	resp := &QueryResponse{Mode: ModeChunks, Chunks: results, Hybrid: hybrid, Reranked: reranked}

	if req.ReturnMode == ModePages {
		pages := groupByPage(results, req.MatchCount)
		// Older rows may predate page metadata; without any page_id the
		// query silently downgrades to chunk results.
		if pages != nil {
			resp = &QueryResponse{Mode: ModePages, Pages: pages, Hybrid: hybrid, Reranked: reranked}
		}
	}

	s.putCached(ctx, "rag", req, resp)
	return resp, nil
}

// SearchCodeExamples runs retrieval over code examples. Gated by
// USE_AGENTIC_RAG.
func (s *Service) SearchCodeExamples(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if !s.settings.Bool(ctx, "USE_AGENTIC_RAG", false) {
		return &QueryResponse{Mode: ModeChunks}, nil
	}
	if req.MatchCount <= 0 {
		req.MatchCount = 5
	}

	if cached := s.getCached(ctx, "code", req); cached != nil {
		return cached, nil
	}

	results, hybrid, reranked, err := s.search(ctx, req, s.codes.VectorSearch, s.codes.HybridSearch)
	if err != nil {
		return nil, err
	}

	resp := &QueryResponse{Mode: ModeChunks, Chunks: results, Hybrid: hybrid, Reranked: reranked}
	s.putCached(ctx, "code", req, resp)
	return resp, nil
}

type searchFunc func(ctx context.Context, embedding storage.Vector, matchCount int, sourceID string) ([]*storage.SearchResult, error)
type hybridFunc func(ctx context.Context, embedding storage.Vector, queryText string, matchCount int, sourceID string) ([]*storage.SearchResult, error)

func (s *Service) search(ctx context.Context, req *QueryRequest, vector searchFunc, hybrid hybridFunc) ([]*storage.SearchResult, bool, bool, error) {
	queryVec, err := s.embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, false, false, fmt.Errorf("embed query: %w", err)
	}

	useHybrid := s.settings.Bool(ctx, "USE_HYBRID_SEARCH", false)
	useRerank := s.settings.Bool(ctx, "USE_RERANKING", false) && s.reranker != nil

	fetchCount := req.MatchCount
	if useRerank {
		fetchCount = req.MatchCount * rerankOverFetch
	}

	var results []*storage.SearchResult
	if useHybrid {
		results, err = hybrid(ctx, storage.Vector(queryVec), req.Query, fetchCount, req.SourceID)
	} else {
		results, err = vector(ctx, storage.Vector(queryVec), fetchCount, req.SourceID)
	}
	if err != nil {
		return nil, useHybrid, false, err
	}

	reranked := false
	if useRerank {
		out, err := s.reranker.Rerank(ctx, req.Query, results, req.MatchCount)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Reranking failed, keeping similarity order")
		} else {
			results = out
			reranked = true
		}
	}
	if len(results) > req.MatchCount {
		results = results[:req.MatchCount]
	}
	return results, useHybrid, reranked, nil
}

// groupByPage aggregates chunk results by page. Returns nil when no chunk
// carries a page_id so the caller can fall back to chunk mode.
func groupByPage(results []*storage.SearchResult, matchCount int) []*PageResult {
	hasPageID := false
	for _, r := range results {
		if _, ok := r.Metadata["page_id"]; ok {
			hasPageID = true
			break
		}
	}
	if !hasPageID {
		return nil
	}

	type group struct {
		page  *PageResult
		total float64
	}
	groups := make(map[string]*group)
	var order []string

	for _, r := range results {
		key, _ := r.Metadata["page_id"].(string)
		if key == "" {
			key = r.URL
		}
		g, ok := groups[key]
		if !ok {
			title, _ := r.Metadata["title"].(string)
			g = &group{page: &PageResult{
				PageID:       key,
				URL:          r.URL,
				SectionTitle: title,
				SourceID:     r.SourceID,
			}}
			groups[key] = g
			order = append(order, key)
		}
		g.page.ChunkMatches++
		g.total += r.Similarity
		if wc, ok := r.Metadata["word_count"].(float64); ok {
			g.page.WordCount += int(wc)
		}
	}

	pages := make([]*PageResult, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		mean := g.total / float64(g.page.ChunkMatches)
		boost := float64(g.page.ChunkMatches) * 0.02
		if boost > 0.2 {
			boost = 0.2
		}
		g.page.AverageSimilarity = mean
		g.page.AggregateSimilarity = mean * (1 + boost)
		pages = append(pages, g.page)
	}

	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].AggregateSimilarity > pages[j].AggregateSimilarity
	})
	if len(pages) > matchCount {
		pages = pages[:matchCount]
	}
	return pages
}

func (s *Service) cacheKey(kind string, req *QueryRequest) string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%s", kind, req.Query, req.SourceID, req.MatchCount, req.ReturnMode)
	sum := sha256.Sum256([]byte(raw))
	return cache.Key("rag", hex.EncodeToString(sum[:]))
}

func (s *Service) getCached(ctx context.Context, kind string, req *QueryRequest) *QueryResponse {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, s.cacheKey(kind, req))
	if err != nil {
		return nil
	}
	var resp QueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return &resp
}

func (s *Service) putCached(ctx context.Context, kind string, req *QueryRequest, resp *QueryResponse) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(kind, req), raw, responseCacheTTL); err != nil {
		s.logger.Debug().Err(err).Msg("Response cache write failed")
	}
}
