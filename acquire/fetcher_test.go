package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchExtractsContentAndLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html>
<head><title>Docs Home</title></head>
<body>
<nav><a href="/ignored">nav link</a></nav>
<h1>Getting Started</h1>
<p>Install the package first.</p>
<script>console.log("noise")</script>
<p>Then configure <a href="/guide/">the guide</a> and <a href="#top">top</a>.</p>
<a href="mailto:team@example.com">mail</a>
<footer>copyright</footer>
</body>
</html>`))
	}))
	defer server.Close()

	fetcher := NewHTTPFetcherFromEnv()
	page, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, "Docs Home", page.Title)
	assert.Contains(t, page.Content, "Getting Started")
	assert.Contains(t, page.Content, "Install the package first.")
	assert.NotContains(t, page.Content, "console.log")
	assert.NotContains(t, page.Content, "nav link")
	assert.NotContains(t, page.Content, "copyright")

	assert.Contains(t, page.Links, server.URL+"/guide")
	for _, link := range page.Links {
		assert.NotContains(t, link, "mailto:")
		assert.NotContains(t, link, "#")
	}
}

func TestFetchPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  raw notes\nsecond line  "))
	}))
	defer server.Close()

	fetcher := NewHTTPFetcherFromEnv()
	page, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "raw notes\nsecond line", page.Content)
	assert.Empty(t, page.Links)
}

func TestFetchStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := NewHTTPFetcherFromEnv()
	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	fetcher := NewHTTPFetcherFromEnv()

	_, err := fetcher.Fetch(context.Background(), "not a url")
	assert.Error(t, err)

	_, err = fetcher.Fetch(context.Background(), "ftp://example.com/file")
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&StatusError{URL: "http://x", Code: 500}))
	assert.True(t, IsTransient(&StatusError{URL: "http://x", Code: 429}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&StatusError{URL: "http://x", Code: 404}))
	assert.False(t, IsTransient(errors.New("plain failure")))
	assert.False(t, IsTransient(nil))
}

func TestNormalizeURL(t *testing.T) {
	parsed, err := url.Parse("HTTPS://Example.COM/Docs/?q=1#section")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/Docs?q=1", NormalizeURL(parsed))
}

func TestResolveLink(t *testing.T) {
	base, err := url.Parse("https://example.com/docs/intro")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/docs/guide", ResolveLink(base, "guide/"))
	assert.Equal(t, "https://example.com/api", ResolveLink(base, "/api"))
	assert.Equal(t, "", ResolveLink(base, "#anchor"))
	assert.Equal(t, "", ResolveLink(base, "javascript:void(0)"))
	assert.Equal(t, "", ResolveLink(base, ""))
}

func TestSameHost(t *testing.T) {
	assert.True(t, SameHost("https://example.com/a", "https://EXAMPLE.com/b"))
	assert.False(t, SameHost("https://example.com/a", "https://other.com/b"))
	assert.False(t, SameHost("://broken", "https://example.com"))
}
