// Package fetcher implements the Fetcher contract (spec §4.4): retrieve a
// URL's bytes under a hard timeout, never retrying internally (the
// Orchestrator owns retry policy). Two implementations live here:
// HTTPFetcher (the default, stdlib net/http transport) and BrowserFetcher
// (a real browser, for sites that defeat a plain HTTP client).
package fetcher

import (
	"context"
	"time"
)

// Conditional carries cached validators for a conditional GET (spec
// SUPPLEMENTED FEATURES: conditional fetch support).
type Conditional struct {
	ETag         string
	LastModified string
}

// Options parametrizes a single Fetch call.
type Options struct {
	TimeoutMs   int
	Headers     map[string]string
	Conditional *Conditional
}

// RedirectHop is one entry in a FetchResult's redirect chain.
type RedirectHop struct {
	URL        string
	StatusCode int
	Location   string
}

// ErrorKind mirrors the subset of store.ErrorKind a Fetcher can itself
// originate (spec §4.4, §7): "network" or "other". HTTP-status outcomes are
// not Fetcher errors; a non-2xx response is still a successful FetchResult.
type ErrorKind string

const (
	ErrorNetwork ErrorKind = "network"
	ErrorOther   ErrorKind = "other"
)

// FetchError is the typed error a Fetcher attaches to a failed FetchResult.
type FetchError struct {
	Kind    ErrorKind
	Message string
}

func (e *FetchError) Error() string { return e.Message }

// FetchResult is the Fetcher contract's output shape (spec §4.4).
type FetchResult struct {
	URL             string
	FinalURL        string
	HTTPStatus      int
	Headers         map[string]string
	ContentType     string
	ContentLength   int64
	ContentEncoding string
	Bytes           []byte
	RedirectChain   []RedirectHop
	TTFBMs          int64
	DownloadMs      int64
	TotalMs         int64
	RequestStartedAt time.Time
	FetchedAt       time.Time
	Cached          bool // true on a 304 short-circuit
	Error           *FetchError
	Method          string // "http" | "browser"

	// ExtractedLinks is a hint only the browser implementation populates,
	// from DOM anchors observed post-render (spec §4.4: "may populate
	// extracted_links as a hint").
	ExtractedLinks []string
}

// Fetcher is the pluggable transport contract workers call through (spec
// §4.4). Implementations must honor opts.TimeoutMs as a hard ceiling and
// must never retry internally.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) *FetchResult
	Close() error
}
