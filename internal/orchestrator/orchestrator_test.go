package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorline/newscrawl/internal/analyzer"
	"github.com/anchorline/newscrawl/internal/config"
	"github.com/anchorline/newscrawl/internal/fetcher"
	"github.com/anchorline/newscrawl/internal/hostlimiter"
	"github.com/anchorline/newscrawl/internal/queue"
	"github.com/anchorline/newscrawl/internal/store"
	"github.com/anchorline/newscrawl/internal/telemetry"
	"github.com/anchorline/newscrawl/internal/urlnorm"
)

// fakeFetcher serves canned FetchResults keyed by URL, recording call counts
// so retry behavior can be asserted.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	pages map[string]func(call int) *fetcher.FetchResult
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), pages: make(map[string]func(int) *fetcher.FetchResult)}
}

func (f *fakeFetcher) on(url string, fn func(call int) *fetcher.FetchResult) {
	f.pages[url] = fn
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, opts fetcher.Options) *fetcher.FetchResult {
	f.mu.Lock()
	f.calls[url]++
	call := f.calls[url]
	f.mu.Unlock()

	now := time.Now()
	if fn, ok := f.pages[url]; ok {
		res := fn(call)
		res.URL = url
		res.FinalURL = url
		res.RequestStartedAt = now
		res.FetchedAt = now
		return res
	}
	return &fetcher.FetchResult{URL: url, FinalURL: url, HTTPStatus: 404, RequestStartedAt: now, FetchedAt: now}
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// fakeAnalyzer returns a canned AnalysisResult per URL, or classifies
// everything as "other" with no links by default.
type fakeAnalyzer struct {
	results map[string]*analyzer.AnalysisResult
	err     map[string]error
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{results: make(map[string]*analyzer.AnalysisResult), err: make(map[string]error)}
}

func (a *fakeAnalyzer) Analyze(url string, body []byte, headers map[string]string) (*analyzer.AnalysisResult, error) {
	if err, ok := a.err[url]; ok {
		return nil, err
	}
	if res, ok := a.results[url]; ok {
		return res, nil
	}
	return &analyzer.AnalysisResult{Classification: analyzer.ClassOther}, nil
}

func testOrchestrator(t *testing.T, cfg *config.CrawlConfig, fetch *fakeFetcher, an *fakeAnalyzer) (*Orchestrator, *store.Store) {
	t.Helper()
	require.NoError(t, cfg.Validate())

	st, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	writer := telemetry.New(st, telemetry.Options{BatchWrites: false}, nil)
	t.Cleanup(func() { writer.Destroy(context.Background()) })
	bus := telemetry.NewBus(writer)

	q := queue.New(cfg, 0)
	limiter := hostlimiter.New(cfg)

	o := New(cfg, st, bus, q, limiter, fetch, an, urlnorm.New())
	return o, st
}

func articleResult(body string) *fetcher.FetchResult {
	return &fetcher.FetchResult{HTTPStatus: 200, ContentType: "text/html", Bytes: []byte(body)}
}

func TestSinglePageCrawlArticleClassification(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StartURLs = []string{"https://news.test/a/story"}
	cfg.MaxDepth = 1
	cfg.PerHostMinIntervalMs = 0

	fetch := newFakeFetcher()
	fetch.on("https://news.test/a/story", func(int) *fetcher.FetchResult { return articleResult("<html><body>story</body></html>") })

	an := newFakeAnalyzer()
	title := "A Story"
	an.results["https://news.test/a/story"] = &analyzer.AnalysisResult{
		Classification: analyzer.ClassArticle,
		Title:          &title,
		Links: []analyzer.DiscoveredLink{
			{URL: "https://news.test/a/related", Type: analyzer.LinkArticle},
			{URL: "https://news.test/section", Type: analyzer.LinkNav},
		},
	}

	o, st := testOrchestrator(t, cfg, fetch, an)
	outcome, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	snap := o.Stats()
	assert.EqualValues(t, 1, snap.Visited)
	assert.EqualValues(t, 1, snap.Downloaded)
	assert.EqualValues(t, 1, snap.Saved)
	assert.EqualValues(t, 0, snap.Errors)
	assert.EqualValues(t, 2, snap.Found)

	art, err := st.GetArticleByURLOrCanonical(context.Background(), "https://news.test/a/story")
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, "A Story", *art.Title)
}

func TestRateLimitedHostBacksOffAndRecovers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StartURLs = []string{"https://news.test/a/one", "https://news.test/a/two"}
	cfg.PerHostConcurrency = 2
	cfg.PerHostMinIntervalMs = 0
	cfg.Concurrency = 2

	fetch := newFakeFetcher()
	fetch.on("https://news.test/a/one", func(call int) *fetcher.FetchResult {
		if call == 1 {
			return &fetcher.FetchResult{HTTPStatus: 429, Headers: map[string]string{"Retry-After": "0"}}
		}
		return articleResult("<html><body>one</body></html>")
	})
	fetch.on("https://news.test/a/two", func(int) *fetcher.FetchResult {
		return articleResult("<html><body>two</body></html>")
	})

	an := newFakeAnalyzer()
	an.results["https://news.test/a/two"] = &analyzer.AnalysisResult{Classification: analyzer.ClassArticle}

	o, st := testOrchestrator(t, cfg, fetch, an)
	outcome, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.GreaterOrEqual(t, fetch.callCount("https://news.test/a/one"), 2)

	art, err := st.GetArticleByURLOrCanonical(context.Background(), "https://news.test/a/two")
	require.NoError(t, err)
	assert.NotNil(t, art)
}

func TestParserErrorRecordsParseErrorNoArticle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StartURLs = []string{"https://news.test/broken"}

	fetch := newFakeFetcher()
	fetch.on("https://news.test/broken", func(int) *fetcher.FetchResult { return articleResult("<html></html>") })

	an := newFakeAnalyzer()
	an.err["https://news.test/broken"] = &analyzer.ParseError{URL: "https://news.test/broken", Reason: "boom"}

	o, st := testOrchestrator(t, cfg, fetch, an)
	outcome, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	art, err := st.GetArticleByURLOrCanonical(context.Background(), "https://news.test/broken")
	require.NoError(t, err)
	assert.Nil(t, art)

	snap := o.Stats()
	assert.EqualValues(t, 0, snap.Saved)
}

func TestStopPreventsNewDequeues(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StartURLs = []string{"https://news.test/a/1"}
	cfg.Concurrency = 1
	cfg.StopGracePeriodMs = 0

	fetch := newFakeFetcher()
	fetch.on("https://news.test/a/1", func(int) *fetcher.FetchResult { return articleResult("<html><body>x</body></html>") })

	o, _ := testOrchestrator(t, cfg, fetch, newFakeAnalyzer())
	o.Stop()
	outcome, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Equal(t, 0, fetch.callCount("https://news.test/a/1"))
}

func TestWithinMaxDepth(t *testing.T) {
	assert.True(t, withinMaxDepth(5, 0))
	assert.True(t, withinMaxDepth(1, 1))
	assert.False(t, withinMaxDepth(2, 1))
}
