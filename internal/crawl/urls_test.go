package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host, strips default port, fragment and tracking",
			in:   "https://www.Example.COM:443/Path/?utm_source=x&b=2#frag",
			want: "https://www.example.com/Path?b=2",
		},
		{
			name: "http default port stripped",
			in:   "HTTP://example.com:80/docs",
			want: "http://example.com/docs",
		},
		{
			name: "non-default port kept",
			in:   "https://example.com:8443/docs",
			want: "https://example.com:8443/docs",
		},
		{
			name: "query params sorted",
			in:   "https://example.com/p?z=1&a=2",
			want: "https://example.com/p?a=2&z=1",
		},
		{
			name: "all tracking params removed",
			in:   "https://example.com/p?gclid=abc&fbclid=def&utm_campaign=x",
			want: "https://example.com/p",
		},
		{
			name: "trailing slash stripped except root",
			in:   "https://example.com/",
			want: "https://example.com/",
		},
		{
			name: "path case preserved",
			in:   "https://example.com/Docs/API",
			want: "https://example.com/Docs/API",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalizeURL(tt.in))
		})
	}
}

func TestSourceID(t *testing.T) {
	a := SourceID("https://www.Example.COM:443/Path/?utm_source=x&b=2#frag")
	b := SourceID("https://www.example.com/Path?b=2")

	assert.Equal(t, a, b)
	require.Len(t, a, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", a)

	// Distinct canonical URLs produce distinct ids.
	assert.NotEqual(t, a, SourceID("https://www.example.com/Other"))
}

func TestIsBinaryFile(t *testing.T) {
	assert.True(t, IsBinaryFile("https://example.com/release.zip"))
	assert.True(t, IsBinaryFile("https://example.com/image.PNG"))
	assert.True(t, IsBinaryFile("https://example.com/wheel.whl"))
	assert.False(t, IsBinaryFile("https://example.com/readme.md"))
	assert.False(t, IsBinaryFile("https://example.com/page"))
	assert.False(t, IsBinaryFile("https://example.com/llms.txt"))
}

func TestTransformGitHubURL(t *testing.T) {
	assert.Equal(t,
		"https://raw.githubusercontent.com/owner/repo/main/README.md",
		TransformGitHubURL("https://github.com/owner/repo/blob/main/README.md"))

	// Non-blob URLs pass through untouched.
	for _, raw := range []string{
		"https://github.com/owner/repo",
		"https://example.com/blob/main/x.md",
		"https://raw.githubusercontent.com/owner/repo/main/x.md",
	} {
		assert.Equal(t, raw, TransformGitHubURL(raw))
	}
}

func TestIsLinkCollectionFile(t *testing.T) {
	t.Run("name match without content", func(t *testing.T) {
		assert.True(t, IsLinkCollectionFile("https://docs.example.com/llms.txt", ""))
		assert.True(t, IsLinkCollectionFile("https://example.com/links.md", ""))
		assert.True(t, IsLinkCollectionFile("https://example.com/resources-2024.txt", ""))
		assert.False(t, IsLinkCollectionFile("https://example.com/guide.txt", ""))
		assert.False(t, IsLinkCollectionFile("https://example.com/page.html", ""))
	})

	t.Run("full variants excluded", func(t *testing.T) {
		assert.False(t, IsLinkCollectionFile("https://docs.example.com/llms-full.txt", ""))
		assert.False(t, IsLinkCollectionFile("https://docs.example.com/llms_full.txt", ""))
	})

	t.Run("density check with content", func(t *testing.T) {
		dense := "[a](https://e.com/a)\n[b](https://e.com/b)\n[c](https://e.com/c)\n[d](https://e.com/d)\n"
		assert.True(t, IsLinkCollectionFile("https://docs.example.com/llms.txt", dense))

		// Three links is not enough even at high density.
		three := "[a](https://e.com/a)\n[b](https://e.com/b)\n[c](https://e.com/c)\n"
		assert.False(t, IsLinkCollectionFile("https://docs.example.com/llms.txt", three))

		// Four links drowned in prose fail the density gate.
		sparse := dense + string(make([]byte, 0))
		for i := 0; i < 100; i++ {
			sparse += "This is a long paragraph of explanatory prose with no links at all. "
		}
		assert.False(t, IsLinkCollectionFile("https://docs.example.com/llms.txt", sparse))
	})
}

func TestExtractMarkdownLinks(t *testing.T) {
	content := `# Links
[Guide](https://example.com/guide) and [Rel](/docs/intro).
Autolink: <https://example.com/auto>
Bare: https://example.com/bare.
Scheme-less: www.golang.org/doc.
Protocol-relative: //cdn.example.com/lib.js
Duplicate: https://example.com/guide
`
	links := ExtractMarkdownLinks(content, "https://example.com/llms.txt")

	assert.Contains(t, links, "https://example.com/guide")
	assert.Contains(t, links, "https://example.com/docs/intro")
	assert.Contains(t, links, "https://example.com/auto")
	assert.Contains(t, links, "https://example.com/bare")
	assert.Contains(t, links, "https://www.golang.org/doc")
	assert.Contains(t, links, "https://cdn.example.com/lib.js")

	// De-duplicated.
	seen := map[string]int{}
	for _, l := range links {
		seen[l]++
	}
	for l, n := range seen {
		assert.Equal(t, 1, n, "link %s appears %d times", l, n)
	}
}

func TestExtractMarkdownLinksStripsTrailingPunctuation(t *testing.T) {
	links := ExtractMarkdownLinks("See https://example.com/a; and (https://example.com/b).", "")
	assert.Contains(t, links, "https://example.com/a")
	assert.Contains(t, links, "https://example.com/b")
	for _, l := range links {
		assert.NotContains(t, l, ";")
		assert.NotRegexp(t, `[.)\]]$`, l)
	}
}

func TestIsSelfLink(t *testing.T) {
	assert.True(t, IsSelfLink("HTTPS://Example.com:443/path/", "https://example.com/path"))
	assert.True(t, IsSelfLink("https://example.com/path?x=1", "https://example.com/path#frag"))
	assert.False(t, IsSelfLink("https://example.com/path", "https://example.com/other"))
	assert.False(t, IsSelfLink("https://example.com/path", "https://other.com/path"))
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://github.com/owner/repo/blob/main/x.md", "GitHub - owner/repo"},
		{"https://raw.githubusercontent.com/owner/repo/main/x.md", "GitHub - owner/repo"},
		{"https://docs.example.com/llms.txt", "Example Docs - Llms.Txt"},
		{"https://fastapi.tiangolo.com/tutorial/", "FastAPI Documentation"},
		{"https://requests.readthedocs.io/en/latest/", "Requests Documentation"},
		{"https://api.stripe.com/v1", "Stripe API"},
		{"https://example.com/sitemap.xml", "Example - Sitemap.Xml"},
		{"https://www.example.com/guides/intro", "Example - Guides"},
		{"https://example.com", "Example"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.in))
		})
	}
}

func TestURLTypePredicates(t *testing.T) {
	assert.True(t, IsSitemap("https://example.com/sitemap.xml"))
	assert.True(t, IsSitemap("https://example.com/sitemap/pages.xml"))
	assert.False(t, IsSitemap("https://example.com/page.xml"))

	assert.True(t, IsTxt("https://example.com/llms.txt"))
	assert.False(t, IsTxt("https://example.com/llms.md"))

	assert.True(t, IsMarkdown("https://example.com/readme.md"))
	assert.True(t, IsMarkdown("https://example.com/page.MDX"))
	assert.False(t, IsMarkdown("https://example.com/page.html"))
}
