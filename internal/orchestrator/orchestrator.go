// Package orchestrator runs the full ingestion pipeline for one URL or
// uploaded document: crawl, chunk, embed, store, extract and summarize code.
// Each run is a tracked, cancellable operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/archonlabs/knowledge-engine/internal/codeextract"
	"github.com/archonlabs/knowledge-engine/internal/crawl"
	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
	"github.com/archonlabs/knowledge-engine/internal/storage"
)

// CrawlRequest describes one ingestion.
type CrawlRequest struct {
	URL                 string
	KnowledgeType       string
	Tags                []string
	UpdateFrequency     int
	MaxDepth            int
	ExtractCodeExamples bool
}

// UploadRequest describes one document upload ingestion.
type UploadRequest struct {
	Filename            string
	Content             string
	KnowledgeType       string
	Tags                []string
	ExtractCodeExamples bool
}

// Service runs orchestrations and tracks them for cancellation. It is the
// only writer of the orchestration map; the HTTP layer reads through
// Cancel and the progress registry.
type Service struct {
	logger     *observability.Logger
	settings   *settings.Service
	tracker    *progress.Registry
	crawler    *crawl.Crawler
	docWriter  *storage.DocumentWriter
	codeWriter *storage.CodeWriter
	extractor  *codeextract.Extractor
	summarizer *codeextract.Summarizer
	sources    *storage.SourceRepository
	factory    *llm.Factory

	// global bound on concurrent orchestrations, distinct from per-crawl
	// page concurrency
	sem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancelled bool
	mu        sync.Mutex
}

func (r *run) cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *run) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return progress.ErrCancelled
	}
	return nil
}

// New creates the orchestration service. Limit bounds concurrent whole
// orchestrations (default 3).
func New(logger *observability.Logger, svc *settings.Service, tracker *progress.Registry,
	crawler *crawl.Crawler, docWriter *storage.DocumentWriter, codeWriter *storage.CodeWriter,
	extractor *codeextract.Extractor, summarizer *codeextract.Summarizer,
	sources *storage.SourceRepository, factory *llm.Factory, limit int) *Service {
	if limit < 1 {
		limit = 3
	}
	return &Service{
		logger:     logger.WithComponent("orchestrator"),
		settings:   svc,
		tracker:    tracker,
		crawler:    crawler,
		docWriter:  docWriter,
		codeWriter: codeWriter,
		extractor:  extractor,
		summarizer: summarizer,
		sources:    sources,
		factory:    factory,
		sem:        semaphore.NewWeighted(int64(limit)),
		active:     make(map[string]*run),
	}
}

// OrchestrateCrawl starts a crawl ingestion and returns its progress ID
// immediately; the work runs detached.
func (s *Service) OrchestrateCrawl(req *CrawlRequest) string {
	t := s.tracker.Start(progress.TypeCrawl, map[string]interface{}{
		"url":            req.URL,
		"knowledge_type": req.KnowledgeType,
	})
	r := &run{}

	s.mu.Lock()
	s.active[t.ProgressID()] = r
	s.mu.Unlock()

	go s.runCrawl(t, r, req)
	return t.ProgressID()
}

// OrchestrateUpload starts an uploaded-document ingestion.
func (s *Service) OrchestrateUpload(req *UploadRequest) string {
	t := s.tracker.Start(progress.TypeUpload, map[string]interface{}{
		"filename":       req.Filename,
		"knowledge_type": req.KnowledgeType,
	})
	r := &run{}

	s.mu.Lock()
	s.active[t.ProgressID()] = r
	s.mu.Unlock()

	go s.runUpload(t, r, req)
	return t.ProgressID()
}

// Cancel requests cooperative cancellation of a running orchestration.
// Returns false when no orchestration with that progress ID is active.
func (s *Service) Cancel(progressID string) bool {
	s.mu.Lock()
	r, ok := s.active[progressID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

func (s *Service) unregister(progressID string) {
	s.mu.Lock()
	delete(s.active, progressID)
	s.mu.Unlock()
}

func (s *Service) runCrawl(t *progress.Tracker, r *run, req *CrawlRequest) {
	defer s.unregister(t.ProgressID())
	ctx := context.Background()

	t.Update("starting", 50, "Waiting for a crawl slot", nil)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		t.Error("Failed to acquire crawl slot", nil)
		return
	}
	defer s.sem.Release(1)

	stopHeartbeat := s.startHeartbeat(t)
	defer stopHeartbeat()

	onProgress := t.Callback()
	cancelCheck := r.check

	sourceID := crawl.SourceID(req.URL)
	displayName := crawl.DisplayName(req.URL)

	t.Update("analyzing", 50, "Analyzing URL type", map[string]interface{}{
		"source_id": sourceID,
	})

	pages, crawlType, err := s.crawlByURLType(ctx, req, cancelCheck, onProgress)
	if err != nil {
		s.finish(t, err)
		return
	}

	var withContent []*crawl.Page
	for _, p := range pages {
		if strings.TrimSpace(p.Markdown) != "" {
			withContent = append(withContent, p)
		}
	}
	if len(withContent) == 0 {
		t.Error("No content was crawled", nil)
		return
	}

	t.Update("processing", 50, fmt.Sprintf("Chunking %d pages", len(withContent)),
		map[string]interface{}{"crawl_type": crawlType, "total_pages": len(withContent)})

	docReq, totalWords, preview := s.buildDocumentRequest(req, withContent, sourceID)
	if err := cancelCheck(); err != nil {
		s.finish(t, err)
		return
	}

	t.Update("source_creation", 30, "Creating source record", nil)
	if err := s.upsertSource(ctx, req, sourceID, displayName, crawlType, docReq, totalWords, preview); err != nil {
		s.finish(t, err)
		return
	}

	t.Update("document_storage", 0, "Storing document chunks", nil)
	docResult, err := s.docWriter.Store(ctx, docReq, cancelCheck, onProgress)
	if err != nil {
		s.finish(t, err)
		return
	}
	if docResult.ChunksProcessed > 0 && docResult.ChunksStored == 0 {
		t.Error(fmt.Sprintf("Processed %d chunks but stored none", docResult.ChunksProcessed), nil)
		return
	}

	codeCount := 0
	if req.ExtractCodeExamples && docResult.ChunksStored > 0 {
		codeCount = s.extractAndStoreCode(ctx, withContent, sourceID, req.KnowledgeType, cancelCheck, onProgress, t)
	}

	t.Update("finalization", 50, "Finalizing", nil)
	t.Complete(map[string]interface{}{
		"chunks_stored":       docResult.ChunksStored,
		"code_examples_count": codeCount,
		"source_id":           sourceID,
		"crawl_type":          crawlType,
	})
}

func (s *Service) runUpload(t *progress.Tracker, r *run, req *UploadRequest) {
	defer s.unregister(t.ProgressID())
	ctx := context.Background()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		t.Error("Failed to acquire slot", nil)
		return
	}
	defer s.sem.Release(1)

	stopHeartbeat := s.startHeartbeat(t)
	defer stopHeartbeat()

	onProgress := t.Callback()
	cancelCheck := r.check

	// Uploads use a synthetic file:// URL so the same delete-then-insert
	// and source identity machinery applies.
	fileURL := "file://" + req.Filename
	sourceID := crawl.SourceID(fileURL)

	t.Update("reading", 100, "Reading uploaded document", map[string]interface{}{"source_id": sourceID})
	t.Update("text_extraction", 100, "Extracting text", nil)

	if strings.TrimSpace(req.Content) == "" {
		t.Error("No content was crawled", nil)
		return
	}

	t.Update("chunking", 50, "Chunking document", nil)
	crawlReq := &CrawlRequest{
		URL:                 fileURL,
		KnowledgeType:       req.KnowledgeType,
		Tags:                req.Tags,
		ExtractCodeExamples: req.ExtractCodeExamples,
	}
	page := &crawl.Page{URL: fileURL, Markdown: req.Content, Title: req.Filename}
	docReq, totalWords, preview := s.buildDocumentRequest(crawlReq, []*crawl.Page{page}, sourceID)

	if err := s.upsertSource(ctx, crawlReq, sourceID, req.Filename, "upload", docReq, totalWords, preview); err != nil {
		s.finish(t, err)
		return
	}

	t.Update("storing", 0, "Storing document chunks", nil)
	docResult, err := s.docWriter.Store(ctx, docReq, cancelCheck, onProgress)
	if err != nil {
		s.finish(t, err)
		return
	}
	if docResult.ChunksProcessed > 0 && docResult.ChunksStored == 0 {
		t.Error(fmt.Sprintf("Processed %d chunks but stored none", docResult.ChunksProcessed), nil)
		return
	}

	codeCount := 0
	if req.ExtractCodeExamples && docResult.ChunksStored > 0 {
		codeCount = s.extractAndStoreCode(ctx, []*crawl.Page{page}, sourceID, req.KnowledgeType, cancelCheck, onProgress, t)
	}

	t.Complete(map[string]interface{}{
		"chunks_stored":       docResult.ChunksStored,
		"code_examples_count": codeCount,
		"source_id":           sourceID,
		"filename":            req.Filename,
	})
}

// crawlByURLType routes the URL to the right strategy and reports the crawl
// type used.
func (s *Service) crawlByURLType(ctx context.Context, req *CrawlRequest, cancel progress.CancelCheck, onProgress progress.Callback) ([]*crawl.Page, string, error) {
	url := req.URL

	switch {
	case crawl.IsTxt(url) || crawl.IsMarkdown(url):
		page, err := s.crawler.SinglePage(ctx, url, cancel)
		if err != nil {
			return nil, "", err
		}

		if crawl.IsLinkCollectionFile(url, page.Markdown) {
			links := crawl.ExtractMarkdownLinks(page.Markdown, url)
			var toCrawl []string
			for _, l := range links {
				if crawl.IsSelfLink(l, url) || crawl.IsBinaryFile(l) {
					continue
				}
				toCrawl = append(toCrawl, l)
			}

			onProgress("crawling", 0, fmt.Sprintf("Link collection detected, crawling %d linked pages", len(toCrawl)), nil)
			linked, err := s.crawler.Batch(ctx, toCrawl, cancel, onProgress, nil)
			pages := append([]*crawl.Page{page}, linked...)
			if err != nil {
				return pages, "link_collection_with_crawled_links", err
			}
			return pages, "link_collection_with_crawled_links", nil
		}

		crawlType := "text_file"
		if strings.Contains(strings.ToLower(url), "llms") {
			crawlType = "llms-txt"
		}
		return []*crawl.Page{page}, crawlType, nil

	case crawl.IsSitemap(url):
		onProgress("analyzing", 100, "Parsing sitemap", nil)
		urls := s.crawler.ParseSitemap(ctx, url)
		if len(urls) == 0 {
			return nil, "sitemap", nil
		}
		pages, err := s.crawler.Batch(ctx, urls, cancel, onProgress, nil)
		return pages, "sitemap", err

	default:
		depth := req.MaxDepth
		if depth == 0 {
			depth = 2
		}
		if depth < 1 {
			depth = 1
		}
		if depth > 5 {
			depth = 5
		}
		pages, err := s.crawler.Recursive(ctx, url, depth, cancel, onProgress)
		return pages, "recursive", err
	}
}

// buildDocumentRequest chunks every page and assembles the aligned arrays
// the storage writer consumes. It also returns the total word count and a
// content preview for the source row.
func (s *Service) buildDocumentRequest(req *CrawlRequest, pages []*crawl.Page, sourceID string) (*storage.DocumentRequest, int, string) {
	docReq := &storage.DocumentRequest{URLToFullDocument: make(map[string]string)}
	totalWords := 0
	var preview string

	for _, page := range pages {
		docReq.URLToFullDocument[page.URL] = page.Markdown
		chunks := storage.SmartChunk(page.Markdown, 0)
		for i, chunk := range chunks {
			docReq.URLs = append(docReq.URLs, page.URL)
			docReq.ChunkNumbers = append(docReq.ChunkNumbers, i)
			docReq.Contents = append(docReq.Contents, chunk)
			docReq.Metadatas = append(docReq.Metadatas, storage.JSONMap{
				"source_id":      sourceID,
				"chunk_index":    i,
				"word_count":     storage.WordCount(chunk),
				"char_count":     len(chunk),
				"knowledge_type": req.KnowledgeType,
				"source_type":    sourceType(req.URL),
				"tags":           req.Tags,
				"title":          page.Title,
			})
			totalWords += storage.WordCount(chunk)
		}
		if preview == "" && len(chunks) > 0 {
			preview = head(chunks[0], 500)
		}
	}
	return docReq, totalWords, preview
}

func sourceType(url string) string {
	if strings.HasPrefix(url, "file://") {
		return "file"
	}
	return "url"
}

// upsertSource writes the source row before any chunk insert. A failed full
// upsert falls back to a minimal one; both failing aborts the operation
// since chunk inserts would violate the FK.
func (s *Service) upsertSource(ctx context.Context, req *CrawlRequest, sourceID, displayName, crawlType string, docReq *storage.DocumentRequest, totalWords int, preview string) error {
	summary := s.generateSourceSummary(ctx, docReq)
	src := &storage.Source{
		SourceID:       sourceID,
		SourceURL:      req.URL,
		DisplayName:    displayName,
		Title:          displayName,
		Summary:        summary,
		TotalWordCount: totalWords,
		Metadata: storage.JSONMap{
			"knowledge_type":  req.KnowledgeType,
			"tags":            req.Tags,
			"original_url":    req.URL,
			"source_type":     sourceType(req.URL),
			"crawl_type":      crawlType,
			"content_preview": preview,
		},
	}

	if err := s.sources.Upsert(ctx, src); err == nil {
		return nil
	} else {
		s.logger.Warn().Err(err).Str("source_id", sourceID).Msg("Source upsert failed, trying minimal upsert")
	}

	if err := s.sources.UpsertMinimal(ctx, sourceID, req.URL, displayName); err != nil {
		return fmt.Errorf("source upsert failed for %s: %w", sourceID, err)
	}
	return nil
}

// generateSourceSummary asks the chat model to summarize the first chunks
// (at most three, capped at 15000 chars). Failures degrade to a preview.
func (s *Service) generateSourceSummary(ctx context.Context, docReq *storage.DocumentRequest) string {
	var sample strings.Builder
	for i, content := range docReq.Contents {
		if i >= 3 || sample.Len() >= 15000 {
			break
		}
		sample.WriteString(content)
		sample.WriteString("\n\n")
	}
	text := head(sample.String(), 15000)
	if strings.TrimSpace(text) == "" {
		return ""
	}

	cfg, err := s.factory.ChatConfig(ctx)
	if err != nil {
		return head(text, 300)
	}
	client := llm.NewChatClient(cfg)

	summary, err := client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize documentation content in 2-3 sentences for a knowledge-base listing."},
			{Role: "user", Content: text},
		},
		MaxTokens:   200,
		Temperature: 0.3,
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		return head(text, 300)
	}
	return strings.TrimSpace(summary)
}

// extractAndStoreCode runs extraction, dedup, summarization and code storage.
// Failures are logged and reported as zero examples; they never fail the
// operation.
func (s *Service) extractAndStoreCode(ctx context.Context, pages []*crawl.Page, sourceID, knowledgeType string, cancel progress.CancelCheck, onProgress progress.Callback, t *progress.Tracker) int {
	total := 0
	for _, page := range pages {
		if err := cancel(); err != nil {
			return total
		}

		blocks := s.extractor.Extract(ctx, page.Markdown)
		blocks = codeextract.Dedupe(blocks)
		if len(blocks) == 0 {
			continue
		}

		t.Update("code_extraction", 0,
			fmt.Sprintf("Found %d code blocks in %s", len(blocks), page.URL),
			map[string]interface{}{"code_blocks_found": len(blocks)})

		summaries := s.summarizer.SummarizeBatch(ctx, blocks, cancel, onProgress)

		chatModel := ""
		if cfg, err := s.factory.ChatConfig(ctx); err == nil {
			chatModel = cfg.ChatModel
		}

		result, err := s.codeWriter.Store(ctx, &storage.CodeRequest{
			URL:       page.URL,
			SourceID:  sourceID,
			Blocks:    blocks,
			Summaries: summaries,
			ChatModel: chatModel,
			Metadata:  storage.JSONMap{"knowledge_type": knowledgeType},
		}, cancel, onProgress)
		if err != nil {
			if errors.Is(err, progress.ErrCancelled) {
				return total
			}
			s.logger.Warn().Err(err).Str("url", page.URL).Msg("Code storage failed, continuing")
			continue
		}
		total += result.ExamplesStored
	}
	return total
}

// finish maps an error into the right terminal tracker state.
func (s *Service) finish(t *progress.Tracker, err error) {
	if errors.Is(err, progress.ErrCancelled) {
		t.Cancel("Operation cancelled by user")
		return
	}
	t.Error(err.Error(), nil)
}

// startHeartbeat emits a keep-alive progress update whenever 30 seconds pass
// without a state change, so pollers can tell a long stage from a dead task.
func (s *Service) startHeartbeat(t *progress.Tracker) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		last := t.Snapshot()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cur := t.Snapshot()
				if progress.IsTerminal(cur.Status) {
					return
				}
				if cur.Progress == last.Progress && cur.Log == last.Log {
					t.Update(cur.Status, 0, "Background task still running...",
						map[string]interface{}{"heartbeat": true})
				}
				last = cur
			}
		}
	}()
	return func() { close(done) }
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
