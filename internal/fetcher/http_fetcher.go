package fetcher

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anchorline/newscrawl/internal/config"
)

// HTTPFetcher is the default Fetcher: a stdlib net/http client with manual
// redirect-chain tracking so the chain itself is observable (spec §4.4).
// Grounded on the teacher's internal/fetcher.Fetcher redirect loop and error
// categorization, generalized to the FetchResult contract.
type HTTPFetcher struct {
	cfg       *config.CrawlConfig
	client    *http.Client
	transport *http.Transport
}

// NewHTTPFetcher constructs an HTTPFetcher using cfg's transport knobs.
func NewHTTPFetcher(cfg *config.CrawlConfig) *HTTPFetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPFetcher{
		cfg:       cfg,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch implements Fetcher. It never retries: a transient failure or
// timeout is simply returned as an error result for the Orchestrator to act
// on (spec §4.4).
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts Options) *FetchResult {
	requestStartedAt := time.Now()

	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = f.cfg.FetchTimeoutMs
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	result := &FetchResult{
		URL:               rawURL,
		Method:            "http",
		RequestStartedAt:  requestStartedAt,
		RedirectChain:     make([]RedirectHop, 0),
	}

	currentURL := rawURL
	var ttfbRecorded bool

	for i := 0; i <= f.cfg.MaxRedirects; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			result.FinalURL = currentURL
			result.Error = &FetchError{Kind: ErrorOther, Message: fmt.Sprintf("build request: %v", err)}
			result.FetchedAt = time.Now()
			result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
			return result
		}
		f.setRequestHeaders(req, opts)

		reqStart := time.Now()
		resp, err := f.client.Do(req)
		if err != nil {
			result.FinalURL = currentURL
			result.Error = categorizeError(err, ctx)
			result.FetchedAt = time.Now()
			result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
			return result
		}
		if !ttfbRecorded {
			result.TTFBMs = time.Since(reqStart).Milliseconds()
			ttfbRecorded = true
		}

		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			result.FinalURL = currentURL
			result.HTTPStatus = resp.StatusCode
			result.Headers = headersToMap(resp.Header)
			result.Cached = true
			result.FetchedAt = time.Now()
			result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
			return result
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			resp.Body.Close()

			result.RedirectChain = append(result.RedirectChain, RedirectHop{
				URL: currentURL, StatusCode: resp.StatusCode, Location: location,
			})

			if location == "" {
				result.FinalURL = currentURL
				result.HTTPStatus = resp.StatusCode
				result.Headers = headersToMap(resp.Header)
				result.FetchedAt = time.Now()
				result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
				return result
			}

			redirectURL, err := resolveRedirectURL(currentURL, location)
			if err != nil {
				result.FinalURL = currentURL
				result.HTTPStatus = resp.StatusCode
				result.Error = &FetchError{Kind: ErrorOther, Message: fmt.Sprintf("invalid redirect location: %v", err)}
				result.FetchedAt = time.Now()
				result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
				return result
			}

			if !f.shouldFollowRedirect(rawURL, redirectURL) {
				result.FinalURL = currentURL
				result.HTTPStatus = resp.StatusCode
				result.Headers = headersToMap(resp.Header)
				result.FetchedAt = time.Now()
				result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
				return result
			}

			currentURL = redirectURL
			continue
		}

		downloadStart := time.Now()
		body, err := f.readBody(resp)
		resp.Body.Close()

		result.FinalURL = currentURL
		result.HTTPStatus = resp.StatusCode
		result.Headers = headersToMap(resp.Header)
		result.ContentType = extractContentType(resp.Header.Get("Content-Type"))
		result.ContentEncoding = resp.Header.Get("Content-Encoding")
		result.ContentLength = resp.ContentLength

		if err != nil {
			result.Error = &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("read body: %v", err)}
		} else {
			result.Bytes = body
			if result.ContentLength <= 0 {
				result.ContentLength = int64(len(body))
			}
		}

		now := time.Now()
		result.DownloadMs = now.Sub(downloadStart).Milliseconds()
		result.FetchedAt = now
		result.TotalMs = now.Sub(requestStartedAt).Milliseconds()
		return result
	}

	result.FinalURL = currentURL
	result.Error = &FetchError{Kind: ErrorOther, Message: fmt.Sprintf("max redirects (%d) exceeded", f.cfg.MaxRedirects)}
	result.FetchedAt = time.Now()
	result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
	return result
}

func (f *HTTPFetcher) setRequestHeaders(req *http.Request, opts Options) {
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "keep-alive")

	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Conditional != nil {
		if opts.Conditional.ETag != "" {
			req.Header.Set("If-None-Match", opts.Conditional.ETag)
		}
		if opts.Conditional.LastModified != "" {
			req.Header.Set("If-Modified-Since", opts.Conditional.LastModified)
		}
	}
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(io.LimitReader(reader, f.cfg.MaxBodyBytes))
}

func (f *HTTPFetcher) shouldFollowRedirect(originalURL, redirectURL string) bool {
	switch f.cfg.RedirectPolicy {
	case config.RedirectNoFollow:
		return false
	case config.RedirectFollowSame:
		origHost, _ := extractHost(originalURL)
		redirHost, _ := extractHost(redirectURL)
		return origHost == redirHost
	default:
		return true
	}
}

// Close releases idle connections held by the transport.
func (f *HTTPFetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func categorizeError(err error, ctx context.Context) *FetchError {
	if ctx.Err() == context.DeadlineExceeded {
		return &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("timeout: %v", err)}
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("timeout: %v", err)}
	}
	if _, ok := err.(*net.DNSError); ok {
		return &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("dns error: %v", err)}
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "certificate") {
		return &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("tls error: %v", err)}
	}
	return &FetchError{Kind: ErrorNetwork, Message: err.Error()}
}

func resolveRedirectURL(baseURL, location string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(loc).String(), nil
}

func extractHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Host), nil
}

func extractContentType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}

func headersToMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}

// ParseRetryAfter parses a Retry-After header value (seconds, or an HTTP
// date) into a duration. Used by the Orchestrator/HostLimiter wiring on a
// 429 response (spec §4.7).
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
