package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/anchorline/newscrawl/internal/config"
)

// BrowserFetcher is the secondary Fetcher implementation that drives a real
// Chromium instance to defeat TLS/JS-challenge fingerprinting (spec §4.4:
// "a secondary implementation uses a real browser... has the same contract,
// adds method=browser, and may populate extracted_links as a hint").
// Grounded on the teacher's internal/renderer.Renderer, trimmed to the
// Fetcher contract: screenshot/PDF/script-eval/mobile-check have no spec
// hook and are dropped.
type BrowserFetcher struct {
	mu sync.Mutex

	cfg       *config.CrawlConfig
	allocator context.Context
	cancel    context.CancelFunc

	pool     chan context.Context
	poolSize int
}

// NewBrowserFetcher launches a headless Chromium allocator and a pool of
// browser contexts sized by cfg.BrowserPoolSize.
func NewBrowserFetcher(cfg *config.CrawlConfig) (*BrowserFetcher, error) {
	bf := &BrowserFetcher{
		cfg:      cfg,
		poolSize: cfg.BrowserPoolSize,
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("window-size", "1920,1080"),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ChromiumPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromiumPath))
	}

	bf.allocator, bf.cancel = chromedp.NewExecAllocator(context.Background(), opts...)

	bf.pool = make(chan context.Context, bf.poolSize)
	for i := 0; i < bf.poolSize; i++ {
		browserCtx, _ := chromedp.NewContext(bf.allocator)
		bf.pool <- browserCtx
	}

	return bf, nil
}

// Fetch implements Fetcher by navigating a pooled browser context to url,
// waiting for cfg.WaitCondition, and reading back the rendered document.
func (bf *BrowserFetcher) Fetch(ctx context.Context, rawURL string, opts Options) *FetchResult {
	requestStartedAt := time.Now()
	result := &FetchResult{
		URL:              rawURL,
		Method:           "browser",
		RequestStartedAt: requestStartedAt,
		Headers:          make(map[string]string),
	}

	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = bf.cfg.RenderTimeoutMs
	}

	browserCtx := <-bf.pool
	defer func() { bf.pool <- browserCtx }()

	timeoutCtx, cancel := context.WithTimeout(browserCtx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	var links []string
	chromedp.ListenTarget(timeoutCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument {
				for k, v := range e.Response.Headers {
					if s, ok := v.(string); ok {
						result.Headers[k] = s
					}
				}
				result.HTTPStatus = int(e.Response.Status)
			}
		case *page.EventJavascriptDialogOpening:
			go chromedp.Run(timeoutCtx, page.HandleJavaScriptDialog(true))
		}
	})

	if err := chromedp.Run(timeoutCtx, network.Enable()); err != nil {
		result.Error = &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("enable network domain: %v", err)}
		result.FetchedAt = time.Now()
		result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
		return result
	}

	waitAction := bf.waitAction()

	var html, finalURL string
	ttfbStart := time.Now()
	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(rawURL),
		waitAction,
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
		chromedp.Evaluate(`Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`, &links),
	)
	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			result.Error = &FetchError{Kind: ErrorNetwork, Message: fmt.Sprintf("render timeout: %v", err)}
		} else {
			result.Error = &FetchError{Kind: ErrorOther, Message: fmt.Sprintf("render failed: %v", err)}
		}
		result.FinalURL = rawURL
		result.FetchedAt = time.Now()
		result.TotalMs = result.FetchedAt.Sub(requestStartedAt).Milliseconds()
		return result
	}

	now := time.Now()
	result.TTFBMs = now.Sub(ttfbStart).Milliseconds()
	result.FinalURL = finalURL
	result.Bytes = []byte(html)
	result.ContentLength = int64(len(html))
	result.ContentType = "text/html"
	result.ExtractedLinks = links
	if result.HTTPStatus == 0 {
		result.HTTPStatus = 200
	}
	result.FetchedAt = now
	result.TotalMs = now.Sub(requestStartedAt).Milliseconds()
	result.DownloadMs = result.TotalMs
	return result
}

func (bf *BrowserFetcher) waitAction() chromedp.Action {
	switch bf.cfg.WaitCondition {
	case config.WaitSelector:
		if bf.cfg.WaitSelector != "" {
			return chromedp.WaitVisible(bf.cfg.WaitSelector, chromedp.ByQuery)
		}
		return chromedp.WaitReady("body", chromedp.ByQuery)
	case config.WaitNetworkIdle:
		return chromedp.Sleep(2 * time.Second)
	default: // dom_content_loaded, load
		return chromedp.WaitReady("body", chromedp.ByQuery)
	}
}

// Close tears down the browser pool and the allocator.
func (bf *BrowserFetcher) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	close(bf.pool)
	for ctx := range bf.pool {
		chromedp.Cancel(ctx)
	}
	if bf.cancel != nil {
		bf.cancel()
	}
	return nil
}
