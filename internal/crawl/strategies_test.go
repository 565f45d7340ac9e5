package crawl

import (
	"context"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// fakeFetcher serves pages from a map; missing URLs fail.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*Page
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, rawURL)
	f.mu.Unlock()

	if p, ok := f.pages[rawURL]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, errors.New("fetch failed: " + rawURL)
}

func (f *fakeFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func newTestCrawler(fetcher Fetcher, values map[string]string) *Crawler {
	svc := settings.NewService(settings.NewMapStore(values))
	return NewCrawler(observability.NopLogger(), svc, fetcher)
}

func TestSinglePageKeepsCallerURL(t *testing.T) {
	raw := "https://github.com/acme/tool/blob/main/README.md"
	transformed := TransformGitHubURL(raw)
	require.NotEqual(t, raw, transformed)

	fetcher := &fakeFetcher{pages: map[string]*Page{
		transformed: {URL: transformed, Markdown: "# Tool"},
	}}
	c := newTestCrawler(fetcher, nil)

	page, err := c.SinglePage(context.Background(), raw, progress.NeverCancelled)
	require.NoError(t, err)

	// Fetched via the raw-content host, reported under the caller's URL.
	assert.Equal(t, []string{transformed}, fetcher.fetchedURLs())
	assert.Equal(t, raw, page.URL)
	assert.Equal(t, "# Tool", page.Markdown)
}

func TestSinglePageCancelled(t *testing.T) {
	c := newTestCrawler(&fakeFetcher{}, nil)

	cancelled := func() error { return progress.ErrCancelled }
	_, err := c.SinglePage(context.Background(), "https://example.com", cancelled)
	assert.ErrorIs(t, err, progress.ErrCancelled)
}

func TestBatchSkipsFailedPages(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/a": {Markdown: "a"},
		"https://example.com/c": {Markdown: "c"},
	}}
	c := newTestCrawler(fetcher, nil)

	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	pages, err := c.Batch(context.Background(), urls, progress.NeverCancelled, nil, nil)
	require.NoError(t, err)

	var got []string
	for _, p := range pages {
		got = append(got, p.URL)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/c"}, got)
}

func TestBatchReportsProgress(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/a": {Markdown: "a"},
		"https://example.com/b": {Markdown: "b"},
	}}
	c := newTestCrawler(fetcher, map[string]string{"CRAWL_MAX_CONCURRENT": "1"})

	var mu sync.Mutex
	var pcts []int
	onProgress := func(status string, pct int, msg string, extras map[string]interface{}) {
		assert.Equal(t, "crawling", status)
		mu.Lock()
		pcts = append(pcts, pct)
		mu.Unlock()
	}

	_, err := c.Batch(context.Background(),
		[]string{"https://example.com/a", "https://example.com/b"},
		progress.NeverCancelled, onProgress, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, pcts)
	assert.Equal(t, 100, pcts[len(pcts)-1])
}

func TestBatchCancelKeepsPartialResults(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/a": {Markdown: "a"},
		"https://example.com/b": {Markdown: "b"},
	}}
	// One URL per slice so the cancel point between slices is exercised.
	c := newTestCrawler(fetcher, map[string]string{"CRAWL_BATCH_SIZE": "1"})

	calls := 0
	cancel := func() error {
		calls++
		if calls > 1 {
			return progress.ErrCancelled
		}
		return nil
	}

	pages, err := c.Batch(context.Background(),
		[]string{"https://example.com/a", "https://example.com/b"},
		cancel, nil, nil)
	assert.ErrorIs(t, err, progress.ErrCancelled)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://example.com/a", pages[0].URL)
}

func TestBatchEmptyInput(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCrawler(fetcher, nil)

	pages, err := c.Batch(context.Background(), nil, progress.NeverCancelled, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, pages)
	assert.Empty(t, fetcher.fetchedURLs())
}

func TestBatchFallbackTitles(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/html":  {Markdown: "x", HTML: "<html><title> From Tag </title></html>"},
		"https://example.com/link":  {Markdown: "y"},
		"https://example.com/plain": {Markdown: "z"},
	}}
	c := newTestCrawler(fetcher, nil)

	linkText := map[string]string{"https://example.com/link": "Link Label"}
	pages, err := c.Batch(context.Background(),
		[]string{"https://example.com/html", "https://example.com/link", "https://example.com/plain"},
		progress.NeverCancelled, nil, linkText)
	require.NoError(t, err)

	titles := make(map[string]string)
	for _, p := range pages {
		titles[p.URL] = p.Title
	}
	assert.Equal(t, "From Tag", titles["https://example.com/html"])
	assert.Equal(t, "Link Label", titles["https://example.com/link"])
	assert.Equal(t, "https://example.com/plain", titles["https://example.com/plain"])
}

func TestRecursiveFollowsInternalLinks(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/": {
			Markdown:      "root",
			InternalLinks: []string{"https://example.com/a#section", "https://example.com/b", "https://example.com/file.zip"},
		},
		"https://example.com/a": {Markdown: "a", InternalLinks: []string{"https://example.com/"}},
		"https://example.com/b": {Markdown: "b"},
	}}
	c := newTestCrawler(fetcher, nil)

	pages, err := c.Recursive(context.Background(), "https://example.com/", 3, progress.NeverCancelled, nil)
	require.NoError(t, err)

	var got []string
	for _, p := range pages {
		got = append(got, p.URL)
	}
	sort.Strings(got)
	// Fragment stripped, binary link skipped, root not revisited.
	assert.Equal(t, []string{"https://example.com/", "https://example.com/a", "https://example.com/b"}, got)
}

func TestRecursiveHonorsMaxDepth(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/": {
			Markdown:      "root",
			InternalLinks: []string{"https://example.com/deep"},
		},
		"https://example.com/deep": {Markdown: "deep"},
	}}
	c := newTestCrawler(fetcher, nil)

	pages, err := c.Recursive(context.Background(), "https://example.com/", 1, progress.NeverCancelled, nil)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://example.com/", pages[0].URL)
}

func TestRecursiveDepthExtras(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://example.com/":  {Markdown: "root", InternalLinks: []string{"https://example.com/a"}},
		"https://example.com/a": {Markdown: "a"},
	}}
	c := newTestCrawler(fetcher, nil)

	var mu sync.Mutex
	depths := map[int]bool{}
	onProgress := func(status string, pct int, msg string, extras map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if d, ok := extras["depth"].(int); ok {
			depths[d] = true
		}
		assert.LessOrEqual(t, pct, 100)
	}

	_, err := c.Recursive(context.Background(), "https://example.com/", 2, progress.NeverCancelled, onProgress)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, depths[1])
	assert.True(t, depths[2])
}

func TestFallbackTitle(t *testing.T) {
	assert.Equal(t, "Tag Title",
		fallbackTitle(&Page{HTML: "<TITLE>Tag Title</TITLE>", URL: "u"}, "link"))
	assert.Equal(t, "link",
		fallbackTitle(&Page{HTML: "<title>   </title>", URL: "u"}, "link"))
	assert.Equal(t, "u", fallbackTitle(&Page{URL: "u"}, ""))
}

func TestStripFragment(t *testing.T) {
	assert.Equal(t, "https://example.com/a", stripFragment("https://example.com/a#frag"))
	assert.Equal(t, "https://example.com/a", stripFragment("https://example.com/a"))
}

func TestSitemapParsing(t *testing.T) {
	var parsed sitemapXML
	data := `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/a</loc></url>
  <url><loc> https://example.com/b </loc></url>
  <url><loc></loc></url>
</urlset>`
	require.NoError(t, xml.Unmarshal([]byte(data), &parsed))
	require.Len(t, parsed.URLs, 3)
	assert.Equal(t, "https://example.com/a", strings.TrimSpace(parsed.URLs[0].Loc))
	assert.Equal(t, "https://example.com/b", strings.TrimSpace(parsed.URLs[1].Loc))
}
