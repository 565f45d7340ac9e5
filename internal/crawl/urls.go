// Package crawl implements the single-page, batch, recursive and sitemap
// crawl strategies plus the pure URL classification helpers they depend on.
package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// IsSitemap reports whether the URL points at a sitemap file.
func IsSitemap(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, "sitemap.xml") || strings.Contains(p, "/sitemap")
}

// IsTxt reports whether the URL points at a plain-text file.
func IsTxt(raw string) bool {
	return strings.HasSuffix(strings.ToLower(urlPath(raw)), ".txt")
}

// IsMarkdown reports whether the URL points at a markdown file.
func IsMarkdown(raw string) bool {
	p := strings.ToLower(urlPath(raw))
	for _, ext := range []string{".md", ".mdx", ".markdown"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// binaryExtensions is the denylist of file extensions that are never worth
// fetching as documents: archives, executables, media, data dumps, binaries.
var binaryExtensions = map[string]bool{
	".zip": true, ".tar": true, ".gz": true, ".tgz": true, ".bz2": true,
	".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".msi": true, ".dmg": true, ".pkg": true, ".deb": true,
	".rpm": true, ".apk": true, ".bin": true, ".iso": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".svg": true, ".ico": true, ".webp": true, ".tiff": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".wav": true, ".flac": true, ".ogg": true, ".webm": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".odt": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".db": true, ".sqlite": true, ".parquet": true, ".pickle": true,
	".pkl": true, ".npy": true, ".npz": true,
	".so": true, ".dll": true, ".dylib": true, ".wasm": true, ".jar": true,
	".war": true, ".class": true, ".pyc": true, ".whl": true,
}

// IsBinaryFile reports whether the URL path ends in a known binary extension.
func IsBinaryFile(raw string) bool {
	p := strings.ToLower(urlPath(raw))
	return binaryExtensions[path.Ext(p)]
}

var githubBlobRe = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/blob/(.+)$`)

// TransformGitHubURL rewrites a github.com blob URL to its raw content URL.
// Other URLs pass through unchanged.
func TransformGitHubURL(raw string) string {
	m := githubBlobRe.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s", m[1], m[2], m[3])
}

// linkCollectionNames are base filenames that conventionally hold link lists.
var linkCollectionNames = []string{"llms", "links", "resources", "references"}

var linkCollectionExts = []string{".txt", ".md", ".mdx", ".markdown"}

// IsLinkCollectionFile reports whether a URL (and, optionally, its content)
// looks like a curated link list such as llms.txt. Names containing "full"
// (llms-full.txt) are excluded: those hold the content itself, not links.
// With content available, the density check requires more than 2 links per
// 100 characters AND more than 3 links total.
func IsLinkCollectionFile(raw, content string) bool {
	base := strings.ToLower(path.Base(urlPath(raw)))
	if strings.Contains(base, "full") {
		return false
	}

	nameMatch := false
	for _, ext := range linkCollectionExts {
		if !strings.HasSuffix(base, ext) {
			continue
		}
		stem := strings.TrimSuffix(base, ext)
		for _, name := range linkCollectionNames {
			if stem == name || strings.HasPrefix(stem, name+"-") || strings.HasPrefix(stem, name+"_") {
				nameMatch = true
			}
		}
	}
	if !nameMatch {
		return false
	}
	if content == "" {
		return true
	}

	links := ExtractMarkdownLinks(content, raw)
	if len(links) <= 3 {
		return false
	}
	density := float64(len(links)) / float64(len(content)) * 100
	return density > 2.0
}

var (
	markdownLinkRe = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)\)`)
	autolinkRe     = regexp.MustCompile(`<(https?://[^>\s]+)>`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	protocolRelRe  = regexp.MustCompile(`(?:^|\s)(//[a-zA-Z0-9][^\s<>"')\]]+)`)
	wwwRe          = regexp.MustCompile(`(?:^|\s)(www\.[a-zA-Z0-9][^\s<>"')\]]+)`)
)

// ExtractMarkdownLinks extracts every URL from markdown-ish content. It
// recognizes [text](url), autolinks, bare http(s) URLs, protocol-relative
// //host paths and scheme-less www hosts, normalizes everything to an
// absolute URL, and de-duplicates preserving first-seen order.
func ExtractMarkdownLinks(content, baseURL string) []string {
	var candidates []string

	for _, m := range markdownLinkRe.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, m[1])
	}
	for _, m := range autolinkRe.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, bareURLRe.FindAllString(content, -1)...)
	for _, m := range protocolRelRe.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, "https:"+m[1])
	}
	for _, m := range wwwRe.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, "https://"+m[1])
	}

	base, _ := url.Parse(baseURL)

	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		c = cleanLink(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "://") {
			if base == nil {
				continue
			}
			ref, err := url.Parse(c)
			if err != nil {
				continue
			}
			c = base.ResolveReference(ref).String()
		}
		if !strings.HasPrefix(c, "http://") && !strings.HasPrefix(c, "https://") {
			continue
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// cleanLink strips trailing punctuation and invisible Unicode control or
// format characters that often ride along with pasted URLs.
func cleanLink(s string) string {
	s = strings.Map(func(r rune) rune {
		// Cf (zero-width space, word joiner, BOM) and C0 controls.
		if r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\u2060' || r == '\ufeff' || r < 0x20 {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	return strings.TrimRight(s, ".,;:)]>")
}

// trackingParams are query parameters stripped during canonicalization.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "utm_id": true,
	"gclid": true, "fbclid": true, "msclkid": true, "ref": true,
	"ref_src": true, "mc_cid": true, "mc_eid": true,
}

// CanonicalizeURL produces the canonical form used for source identity:
// lowercase scheme and host, default ports stripped, fragment dropped,
// tracking parameters removed, remaining query sorted, trailing slash
// normalized off (except the bare root path).
func CanonicalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	q := u.Query()
	kept := url.Values{}
	for k, vs := range q {
		if trackingParams[strings.ToLower(k)] {
			continue
		}
		kept[k] = vs
	}
	if len(kept) > 0 {
		keys := make([]string, 0, len(kept))
		for k := range kept {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			for _, v := range kept[k] {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	} else {
		u.RawQuery = ""
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// SourceID derives the deterministic source identifier: the first 16 hex
// characters of the SHA256 of the canonical URL.
func SourceID(raw string) string {
	sum := sha256.Sum256([]byte(CanonicalizeURL(raw)))
	return hex.EncodeToString(sum[:])[:16]
}

// IsSelfLink reports whether two URLs address the same page, comparing
// case-folded scheme://host/path with default ports and trailing slashes
// stripped and query/fragment ignored.
func IsSelfLink(a, b string) bool {
	return selfLinkKey(a) == selfLinkKey(b)
}

func selfLinkKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	host := strings.ToLower(u.Host)
	scheme := strings.ToLower(u.Scheme)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	p := u.Path
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return scheme + "://" + host + strings.ToLower(p)
}

// knownFrameworks maps recognizable domains to display names.
var knownFrameworks = map[string]string{
	"fastapi.tiangolo.com": "FastAPI",
	"docs.pydantic.dev":    "Pydantic",
	"docs.python.org":      "Python",
	"docs.djangoproject.com": "Django",
	"flask.palletsprojects.com": "Flask",
	"numpy.org":  "NumPy",
	"pandas.pydata.org": "Pandas",
}

// DisplayName derives a human-readable name for a source URL.
func DisplayName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	base := strings.ToLower(path.Base(u.Path))

	// GitHub repos read as "GitHub - owner/repo".
	if host == "github.com" || host == "raw.githubusercontent.com" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 2 {
			return "GitHub - " + parts[0] + "/" + parts[1]
		}
		return "GitHub"
	}

	var name string
	switch {
	case knownFrameworks[host] != "":
		name = knownFrameworks[host] + " Documentation"
	case strings.HasPrefix(host, "docs."):
		name = titleCase(firstLabel(strings.TrimPrefix(host, "docs."))) + " Docs"
	case strings.HasSuffix(host, ".readthedocs.io"):
		name = titleCase(strings.TrimSuffix(host, ".readthedocs.io")) + " Documentation"
	case strings.HasPrefix(host, "api."):
		name = titleCase(firstLabel(strings.TrimPrefix(host, "api."))) + " API"
	default:
		name = titleCase(firstLabel(host))
		if seg := firstPathSegment(u.Path); seg != "" {
			name += " - " + titleCase(seg)
		}
	}

	// Special files keep their filename so multiple sources per domain stay
	// distinguishable.
	if base == "sitemap.xml" || strings.HasSuffix(base, ".txt") {
		return name + " - " + titleCase(base)
	}
	return name
}

// firstLabel strips the TLD from a host, keeping the first meaningful label.
func firstLabel(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) == 0 {
		return host
	}
	return parts[0]
}

func firstPathSegment(p string) string {
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if strings.Contains(seg, ".") {
			return ""
		}
		return seg
	}
	return ""
}

// titleCase capitalizes each dash/dot/underscore separated word.
func titleCase(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	for i, w := range words {
		// Keep dotted filenames like llms.txt readable: Llms.Txt.
		if strings.Contains(w, ".") {
			parts := strings.Split(w, ".")
			for j, p := range parts {
				parts[j] = capitalize(p)
			}
			words[i] = strings.Join(parts, ".")
			continue
		}
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
