package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// Page is the result of fetching a single URL.
type Page struct {
	URL           string
	Title         string
	Markdown      string
	HTML          string
	InternalLinks []string
	ExternalLinks []string
}

// Fetcher retrieves one page. Strategies wrap it; they never issue HTTP
// themselves.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// HTTPFetcher fetches pages over HTTP and converts HTML to a markdown-like
// text representation. Plain-text and markdown responses pass through as-is.
type HTTPFetcher struct {
	logger   *observability.Logger
	settings *settings.Service
	client   *http.Client
}

// NewHTTPFetcher creates the default page fetcher. Page timeout comes from
// CRAWL_PAGE_TIMEOUT (seconds, default 60) at call time.
func NewHTTPFetcher(logger *observability.Logger, svc *settings.Service) *HTTPFetcher {
	return &HTTPFetcher{
		logger:   logger.WithComponent("fetcher"),
		settings: svc,
		client: &http.Client{
			// Per-request deadlines come from the context.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

const maxResponseBytes = 10 << 20

// Fetch retrieves the page and classifies its links as internal or external
// relative to the page host.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	timeout := time.Duration(f.settings.Int(ctx, "CRAWL_PAGE_TIMEOUT", 60)) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if delay := f.settings.Int(ctx, "CRAWL_DELAY_BEFORE_HTML", 0); delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "knowledge-engine/1.0")
	req.Header.Set("Accept", "text/html,text/plain,text/markdown,application/xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	page := &Page{URL: rawURL}

	if strings.Contains(contentType, "text/html") ||
		(contentType == "" && looksLikeHTML(body)) {
		page.HTML = string(body)
		f.parseHTML(page)
	} else {
		// Text, markdown, XML sitemaps: the raw body is the content.
		page.Markdown = string(body)
	}

	return page, nil
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// parseHTML fills Title, Markdown and link sets from the page HTML.
func (f *HTTPFetcher) parseHTML(page *Page) {
	root, err := html.Parse(strings.NewReader(page.HTML))
	if err != nil {
		f.logger.Warn().Err(err).Str("url", page.URL).Msg("HTML parse failed, using raw body")
		page.Markdown = page.HTML
		return
	}

	base, _ := url.Parse(page.URL)
	var text strings.Builder
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "nav", "footer":
				return
			case "title":
				if page.Title == "" && n.FirstChild != nil {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					f.collectLink(page, base, attr.Val, seen)
				}
			case "h1", "h2", "h3", "h4", "h5", "h6":
				text.WriteString("\n\n")
				text.WriteString(strings.Repeat("#", int(n.Data[1]-'0')))
				text.WriteString(" ")
			case "p", "div", "section", "article", "li", "tr", "br":
				text.WriteString("\n")
			case "pre", "code":
				// Preserved verbatim by the text walk below.
			}
		case html.TextNode:
			t := n.Data
			if strings.TrimSpace(t) != "" {
				text.WriteString(t)
				text.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	page.Markdown = collapseBlankLines(text.String())
}

func (f *HTTPFetcher) collectLink(page *Page, base *url.URL, href string, seen map[string]bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return
	}

	ref, err := url.Parse(href)
	if err != nil {
		return
	}
	var resolved *url.URL
	if base != nil {
		resolved = base.ResolveReference(ref)
	} else {
		resolved = ref
	}
	resolved.Fragment = ""
	link := resolved.String()

	if seen[link] {
		return
	}
	seen[link] = true

	if base != nil && strings.EqualFold(resolved.Host, base.Host) {
		page.InternalLinks = append(page.InternalLinks, link)
	} else {
		page.ExternalLinks = append(page.ExternalLinks, link)
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
