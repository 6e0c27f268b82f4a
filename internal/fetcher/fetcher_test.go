package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anchorline/newscrawl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Fetcher = (*HTTPFetcher)(nil)

func testConfig() *config.CrawlConfig {
	cfg := config.DefaultConfig()
	cfg.FetchTimeoutMs = 2000
	return cfg
}

func TestHTTPFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testConfig())
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL, Options{})
	require.Nil(t, res.Error)
	assert.Equal(t, 200, res.HTTPStatus)
	assert.Equal(t, "text/html", res.ContentType)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, "<html><body>hi</body></html>", string(res.Bytes))
	assert.Equal(t, "http", res.Method)
}

func TestHTTPFetcherFollowsRedirects(t *testing.T) {
	var final string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final, http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("landed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	final = srv.URL + "/end"

	f := NewHTTPFetcher(testConfig())
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL+"/start", Options{})
	require.Nil(t, res.Error)
	assert.Equal(t, 200, res.HTTPStatus)
	assert.Equal(t, srv.URL+"/end", res.FinalURL)
	assert.Len(t, res.RedirectChain, 1)
}

func TestHTTPFetcherConditionalNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testConfig())
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL, Options{Conditional: &Conditional{ETag: `"abc"`}})
	require.Nil(t, res.Error)
	assert.Equal(t, 304, res.HTTPStatus)
	assert.True(t, res.Cached)
}

func TestHTTPFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testConfig())
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL, Options{TimeoutMs: 10})
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrorNetwork, res.Error.Kind)
}

func TestHTTPFetcherMaxRedirectsExceeded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.String(), http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRedirects = 2
	f := NewHTTPFetcher(cfg)
	defer f.Close()

	res := f.Fetch(context.Background(), srv.URL+"/loop", Options{})
	require.NotNil(t, res.Error)
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d := ParseRetryAfter("120", time.Now())
	assert.Equal(t, 120*time.Second, d)
}

func TestParseRetryAfterEmpty(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", time.Now()))
}
