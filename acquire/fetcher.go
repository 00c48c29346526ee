package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; MinervaIngest/1.0)"

// Page is normalized content fetched from one URL.
type Page struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Links    []string          `json:"links"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Fetcher acquires and normalizes external content.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("acquire: %s returned HTTP %d", e.URL, e.Code)
}

// IsTransient reports whether err is worth a bounded retry: network-level
// failures, timeouts, rate limits and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type httpFetcher struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
}

// NewHTTPFetcherFromEnv builds the default fetcher. ACQUIRE_TIMEOUT_SECONDS
// and ACQUIRE_MAX_BODY_BYTES tune the client.
func NewHTTPFetcherFromEnv() Fetcher {
	timeout := 20 * time.Second
	if raw := strings.TrimSpace(os.Getenv("ACQUIRE_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	maxBytes := int64(4 * 1024 * 1024)
	if raw := strings.TrimSpace(os.Getenv("ACQUIRE_MAX_BODY_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			maxBytes = parsed
		}
	}
	return &httpFetcher{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  defaultUserAgent,
		maxBytes:   maxBytes,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("acquire: invalid URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("acquire: create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acquire: request %s failed: %w", parsed.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: parsed.String(), Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("acquire: read %s body: %w", parsed.String(), err)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/plain") {
		return &Page{
			URL:      parsed.String(),
			Content:  strings.TrimSpace(string(body)),
			Metadata: map[string]string{"content_type": contentType},
		}, nil
	}

	page, err := parseHTML(parsed, string(body))
	if err != nil {
		return nil, err
	}
	if page.Metadata == nil {
		page.Metadata = map[string]string{}
	}
	page.Metadata["content_type"] = contentType
	return page, nil
}

// parseHTML strips navigation, scripts and styles, keeps heading/paragraph
// structure as newline-separated text, and collects absolute http(s) links.
// goquery tolerates malformed and non-HTML markup, so this never rejects a
// page for parse reasons alone.
func parseHTML(base *url.URL, html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("acquire: parse %s: %w", base.String(), err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("nav, footer, header, aside, script, style, noscript, iframe, form").Remove()

	var blocks []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, sel *goquery.Selection) {
		if sel.Children().Is("p, li, h1, h2, h3, h4, h5, h6") {
			return
		}
		text := cleanWhitespace(sel.Text())
		if text != "" {
			blocks = append(blocks, text)
		}
	})
	content := strings.Join(blocks, "\n\n")
	if content == "" {
		content = cleanWhitespace(doc.Find("body").Text())
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := ResolveLink(base, href)
		if resolved == "" {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})

	return &Page{
		URL:     base.String(),
		Title:   title,
		Content: content,
		Links:   links,
	}, nil
}

// ResolveLink turns href into an absolute normalized http(s) URL, or ""
// when the link is unusable for crawling.
func ResolveLink(base *url.URL, href string) string {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return NormalizeURL(resolved)
}

// NormalizeURL canonicalizes a URL for visited-set deduplication: lowercase
// host, no fragment, no trailing slash on the path.
func NormalizeURL(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	clone.Host = strings.ToLower(clone.Host)
	clone.Path = strings.TrimSuffix(clone.Path, "/")
	return clone.String()
}

// SameHost reports whether candidate shares the seed URL's host. Crawling
// never leaves the seed's host.
func SameHost(seed string, candidate string) bool {
	seedURL, err := url.Parse(seed)
	if err != nil {
		return false
	}
	candidateURL, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	return strings.EqualFold(seedURL.Host, candidateURL.Host)
}

func cleanWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
