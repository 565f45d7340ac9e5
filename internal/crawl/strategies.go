package crawl

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// Crawler runs the crawl strategies over a Fetcher.
type Crawler struct {
	logger   *observability.Logger
	settings *settings.Service
	fetcher  Fetcher
}

// NewCrawler creates a crawler.
func NewCrawler(logger *observability.Logger, svc *settings.Service, fetcher Fetcher) *Crawler {
	return &Crawler{
		logger:   logger.WithComponent("crawl"),
		settings: svc,
		fetcher:  fetcher,
	}
}

// SinglePage fetches one URL, applying the GitHub raw transform first.
func (c *Crawler) SinglePage(ctx context.Context, rawURL string, cancel progress.CancelCheck) (*Page, error) {
	if err := cancel(); err != nil {
		return nil, err
	}
	target := TransformGitHubURL(rawURL)
	page, err := c.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	// Results keep the caller's URL so re-ingest deletes match.
	page.URL = rawURL
	return page, nil
}

// Batch crawls a URL list in slices of CRAWL_BATCH_SIZE (default 50) with
// CRAWL_MAX_CONCURRENT workers (default 10) per slice. Failed pages are
// skipped; progress is floor(processed/total*100). Cancellation is honored
// between slices so the current slice always finishes.
func (c *Crawler) Batch(ctx context.Context, urls []string, cancel progress.CancelCheck, onProgress progress.Callback, linkText map[string]string) ([]*Page, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	batchSize := c.settings.Int(ctx, "CRAWL_BATCH_SIZE", 50)
	if batchSize < 1 {
		batchSize = 1
	}
	maxConcurrent := int64(c.settings.Int(ctx, "CRAWL_MAX_CONCURRENT", 10))
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	var (
		mu        sync.Mutex
		results   []*Page
		processed int
	)

	total := len(urls)
	for start := 0; start < total; start += batchSize {
		if err := cancel(); err != nil {
			// Partial results from completed slices are kept.
			return results, err
		}

		end := start + batchSize
		if end > total {
			end = total
		}
		slice := urls[start:end]

		if onProgress != nil {
			onProgress("crawling", processed*100/total,
				fmt.Sprintf("Crawling batch %d-%d of %d URLs", start+1, end, total), nil)
		}

		sem := semaphore.NewWeighted(maxConcurrent)
		var wg sync.WaitGroup
		for _, u := range slice {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return results, err
			}
			wg.Add(1)
			go func(u string) {
				defer sem.Release(1)
				defer wg.Done()

				page, err := c.fetcher.Fetch(ctx, TransformGitHubURL(u))
				mu.Lock()
				defer mu.Unlock()
				processed++
				if err != nil {
					c.logger.Warn().Err(err).Str("url", u).Msg("Page crawl failed, skipping")
					if onProgress != nil {
						onProgress("crawling", processed*100/total,
							fmt.Sprintf("Crawled %d/%d pages", processed, total),
							map[string]interface{}{"processed_pages": processed, "total_pages": total})
					}
					return
				}
				page.URL = u
				if page.Title == "" {
					page.Title = fallbackTitle(page, linkText[u])
				}
				results = append(results, page)
				if onProgress != nil {
					onProgress("crawling", processed*100/total,
						fmt.Sprintf("Crawled %d/%d pages", processed, total),
						map[string]interface{}{
							"processed_pages": processed,
							"total_pages":     total,
							"current_url":     u,
						})
				}
			}(u)
		}
		wg.Wait()
	}

	return results, nil
}

// fallbackTitle derives a title from the page HTML <title> tag, then the
// supplied link text, then the URL path.
func fallbackTitle(page *Page, linkText string) string {
	if idx := strings.Index(strings.ToLower(page.HTML), "<title>"); idx >= 0 {
		rest := page.HTML[idx+len("<title>"):]
		if end := strings.Index(strings.ToLower(rest), "</title>"); end >= 0 {
			if t := strings.TrimSpace(rest[:end]); t != "" {
				return t
			}
		}
	}
	if linkText != "" {
		return linkText
	}
	return page.URL
}

// Recursive crawls breadth-first over internal links up to maxDepth levels.
// Discovered URLs are de-fragmented and de-duplicated across depths; binary
// file links are skipped.
func (c *Crawler) Recursive(ctx context.Context, startURL string, maxDepth int, cancel progress.CancelCheck, onProgress progress.Callback) ([]*Page, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}

	visited := make(map[string]bool)
	frontier := []string{startURL}
	var results []*Page

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var toCrawl []string
		for _, u := range frontier {
			key := selfLinkKey(u)
			if visited[key] || IsBinaryFile(u) {
				continue
			}
			visited[key] = true
			toCrawl = append(toCrawl, u)
		}
		if len(toCrawl) == 0 {
			break
		}

		depthBase := depth * 100 / maxDepth
		depthProgress := func(status string, pct int, msg string, extras map[string]interface{}) {
			if onProgress == nil {
				return
			}
			overall := depthBase + pct/maxDepth
			if extras == nil {
				extras = map[string]interface{}{}
			}
			extras["depth"] = depth + 1
			extras["max_depth"] = maxDepth
			onProgress(status, overall, msg, extras)
		}

		pages, err := c.Batch(ctx, toCrawl, cancel, depthProgress, nil)
		results = append(results, pages...)
		if err != nil {
			return results, err
		}

		var next []string
		for _, p := range pages {
			for _, link := range p.InternalLinks {
				link = stripFragment(link)
				if IsBinaryFile(link) || visited[selfLinkKey(link)] {
					continue
				}
				next = append(next, link)
			}
		}
		frontier = next
	}

	return results, nil
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

type sitemapXML struct {
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// ParseSitemap fetches and parses a sitemap, returning its URL list. Nested
// sitemap indexes are followed one level deep. Errors return an empty list
// so the orchestrator can report "no content" instead of failing opaquely.
func (c *Crawler) ParseSitemap(ctx context.Context, sitemapURL string) []string {
	urls := c.fetchSitemap(ctx, sitemapURL)

	var out []string
	for _, u := range urls {
		if IsSitemap(u) {
			out = append(out, c.fetchSitemap(ctx, u)...)
			continue
		}
		out = append(out, u)
	}
	return out
}

func (c *Crawler) fetchSitemap(ctx context.Context, sitemapURL string) []string {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", sitemapURL).Msg("Sitemap request failed")
		return nil
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", sitemapURL).Msg("Sitemap fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Str("url", sitemapURL).Msg("Sitemap fetch returned non-200")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Warn().Err(err).Str("url", sitemapURL).Msg("Sitemap read failed")
		return nil
	}

	var parsed sitemapXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		c.logger.Warn().Err(err).Str("url", sitemapURL).Msg("Sitemap parse failed")
		return nil
	}

	var urls []string
	for _, loc := range parsed.URLs {
		if u := strings.TrimSpace(loc.Loc); u != "" {
			urls = append(urls, u)
		}
	}
	for _, loc := range parsed.Sitemaps {
		if u := strings.TrimSpace(loc.Loc); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
