package orchestrator

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anchorline/newscrawl/internal/analyzer"
	"github.com/anchorline/newscrawl/internal/config"
	"github.com/anchorline/newscrawl/internal/fetcher"
	"github.com/anchorline/newscrawl/internal/hostlimiter"
	"github.com/anchorline/newscrawl/internal/queue"
	"github.com/anchorline/newscrawl/internal/store"
	"github.com/anchorline/newscrawl/internal/urlnorm"
)

const progressMinInterval = 500 * time.Millisecond

// workerLoop is one worker's cooperative loop (spec §4.8 "Worker loop", §5
// "Suspension points"). Grounded on the teacher's Scheduler.worker, with the
// frontier/rate-limiter swapped for queue.PriorityQueue/hostlimiter.HostLimiter
// and the WorkerFunc callback inlined as processItem.
func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	idleFloor := time.Duration(o.cfg.IdleSpinFloorMs) * time.Millisecond
	if idleFloor <= 0 {
		idleFloor = 100 * time.Millisecond
	}

	for {
		if o.stopping.Load() {
			return
		}
		if o.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleFloor):
			}
			continue
		}

		item, hctx, wakeAt := o.q.Pull(time.Now(), o.limiter)
		if item == nil {
			if o.isComplete() {
				return
			}
			sleep := idleFloor
			if !wakeAt.IsZero() {
				if d := time.Until(wakeAt); d > sleep {
					sleep = d
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}

		o.processItem(ctx, item, hctx)
	}
}

// processItem runs steps 4-11 of the spec §4.8 worker loop for one dequeued
// item: fetch (with retry), persist, analyze, persist article/links,
// re-enqueue discovered links, update counters, release the host slot.
func (o *Orchestrator) processItem(ctx context.Context, item *queue.Item, hctx queue.HostContext) {
	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	host := hctx.Host
	correlationID := uuid.NewString()

	qSize := o.q.Size()
	_ = o.st.InsertQueueEvent(ctx, store.QueueEvent{
		JobID: o.cfg.JobID, Ts: time.Now(), Action: store.QueueDequeued,
		URL: &item.URL, Depth: &item.Depth, Host: &host, QueueSize: &qSize,
	})
	o.publish(ctx, "url:dequeued", map[string]interface{}{
		"url": item.URL, "depth": item.Depth, "host": host, "correlation_id": correlationID,
	})
	o.stats.Visited.Add(1)

	conditional := o.conditionalFor(ctx, item.URL)
	res, rateLimited, retryAfter := o.fetchWithRetry(ctx, item.URL, host, conditional)

	outcome := hostlimiter.OutcomeSuccess
	switch {
	case rateLimited:
		outcome = hostlimiter.OutcomeRateLimited
	case res.Error != nil:
		outcome = hostlimiter.OutcomeNetworkError
	case res.HTTPStatus >= 400:
		outcome = hostlimiter.OutcomeHTTPError
	}
	o.limiter.Release(host, outcome, retryAfter, time.Now())

	if rateLimited {
		o.handleRateLimited(ctx, item, host, retryAfter, correlationID)
		return
	}

	if res.Cached {
		o.handleCachedHit(ctx, item, host, res, correlationID)
		return
	}

	var classification *string
	var wordCount *int
	var navLinks, articleLinks *int
	var analysis *analyzer.AnalysisResult

	if res.Error == nil && res.HTTPStatus < 400 {
		if isAnalyzable(res) {
			var err error
			analysis, err = o.analyze.Analyze(item.URL, res.Bytes, res.Headers)
			if err != nil {
				o.st.InsertProblem(ctx, store.DiagnosticEvent{
					JobID: o.cfg.JobID, Kind: "parse:error", Target: &item.URL,
					Message: strPtr(err.Error()), Ts: time.Now(),
				})
				o.st.InsertError(ctx, store.ErrorRecord{
					URL: &item.URL, Host: &host, Kind: store.ErrorParse,
					Message: strPtr(err.Error()), At: time.Now(),
				})
				o.publish(ctx, "parse:error", map[string]interface{}{
					"url": item.URL, "message": err.Error(), "correlation_id": correlationID,
				})
				other := string(analyzer.ClassOther)
				classification = &other
			} else {
				c := string(analysis.Classification)
				classification = &c
				wordCount = analysis.WordCount
				nav, art := countLinkTypes(analysis.Links)
				navLinks, articleLinks = &nav, &art
			}
		}
	}

	_ = o.st.InsertFetch(ctx, buildFetchRow(item.URL, host, res, classification, wordCount, navLinks, articleLinks))

	switch {
	case res.Error != nil:
		o.stats.Errors.Add(1)
		o.st.InsertError(ctx, store.ErrorRecord{
			URL: &item.URL, Host: &host, Kind: store.ErrorKind(res.Error.Kind),
			Message: strPtr(res.Error.Message), At: time.Now(),
		})
		o.publish(ctx, "url:error", map[string]interface{}{
			"url": item.URL, "kind": string(res.Error.Kind), "message": res.Error.Message, "correlation_id": correlationID,
		})
		o.maybeEmitProgress(ctx)
		return
	case res.HTTPStatus >= 400:
		o.stats.Errors.Add(1)
		code := res.HTTPStatus
		o.st.InsertError(ctx, store.ErrorRecord{
			URL: &item.URL, Host: &host, Kind: store.ErrorHTTP, Code: &code, At: time.Now(),
		})
		o.publish(ctx, "url:error", map[string]interface{}{
			"url": item.URL, "kind": "http", "http_status": res.HTTPStatus, "correlation_id": correlationID,
		})
		o.maybeEmitProgress(ctx)
		return
	}

	o.stats.Downloaded.Add(1)
	o.recordHostPage(host)
	o.publish(ctx, "url:fetched", map[string]interface{}{
		"url": item.URL, "http_status": res.HTTPStatus, "bytes": len(res.Bytes), "correlation_id": correlationID,
	})

	if o.cfg.MaxDownloads > 0 && o.stats.Downloaded.Load() >= int64(o.cfg.MaxDownloads) {
		o.Stop()
	}

	if analysis != nil && analysis.Classification == analyzer.ClassArticle {
		o.st.UpsertArticle(ctx, buildArticleRow(item.URL, host, res, analysis))
		o.stats.Saved.Add(1)
		o.publish(ctx, "url:saved", map[string]interface{}{"url": item.URL, "correlation_id": correlationID})
	}

	if analysis != nil && len(analysis.Links) > 0 {
		o.publish(ctx, "links:discovered", map[string]interface{}{
			"url": item.URL, "count": len(analysis.Links), "correlation_id": correlationID,
		})
		for _, link := range analysis.Links {
			o.enqueueDiscovered(ctx, item.URL, host, item.Depth, link)
		}
	}

	o.maybeEmitProgress(ctx)
}

// conditionalFor looks up the cached validators for rawURL (spec §4.1
// get_article_headers) and builds the fetcher.Conditional to send, gated on
// cfg.PreferCache (spec §6 "prefer_cache: bool"). Returns nil when caching is
// disabled, nothing is cached yet, or the cached article carries neither
// validator.
func (o *Orchestrator) conditionalFor(ctx context.Context, rawURL string) *fetcher.Conditional {
	if !o.cfg.PreferCache {
		return nil
	}
	headers, err := o.st.GetArticleHeaders(ctx, rawURL)
	if err != nil || headers == nil {
		return nil
	}
	if headers.ETag == nil && headers.LastModified == nil {
		return nil
	}
	cond := &fetcher.Conditional{}
	if headers.ETag != nil {
		cond.ETag = *headers.ETag
	}
	if headers.LastModified != nil {
		cond.LastModified = *headers.LastModified
	}
	return cond
}

// handleCachedHit handles a 304 short-circuit (fetcher.FetchResult.Cached):
// the page is unchanged since the last conditional validator, so no bytes
// were downloaded and the Analyzer never runs. The Fetch row still records
// the attempt; the existing Article row is touched (crawled_at bumped, any
// fresher ETag/Last-Modified absorbed) rather than re-derived from an empty
// body, per spec §4.1 invariant 4 ("a re-crawl never nulls out data it
// couldn't refresh").
func (o *Orchestrator) handleCachedHit(ctx context.Context, item *queue.Item, host string, res *fetcher.FetchResult, correlationID string) {
	existing, _ := o.st.GetArticleByURLOrCanonical(ctx, item.URL)

	var classification *string
	if existing != nil {
		c := string(analyzer.ClassArticle)
		classification = &c
	}
	_ = o.st.InsertFetch(ctx, buildFetchRow(item.URL, host, res, classification, nil, nil, nil))

	o.stats.Downloaded.Add(1)
	o.recordHostPage(host)
	o.publish(ctx, "url:fetched", map[string]interface{}{
		"url": item.URL, "http_status": res.HTTPStatus, "cached": true, "correlation_id": correlationID,
	})

	if existing != nil {
		touched := *existing
		touched.CrawledAt = time.Now()
		touched.FetchedAt = timePtr(res.FetchedAt)
		if res.HTTPStatus != 0 {
			status := res.HTTPStatus
			touched.HTTPStatus = &status
		}
		if etag := headerCI(res.Headers, "ETag"); etag != "" {
			touched.ETag = &etag
		}
		if lm := headerCI(res.Headers, "Last-Modified"); lm != "" {
			touched.LastModified = &lm
		}
		_ = o.st.UpsertArticle(ctx, touched)
		o.stats.Saved.Add(1)
		o.publish(ctx, "url:saved", map[string]interface{}{"url": item.URL, "cached": true, "correlation_id": correlationID})
	}

	o.maybeEmitProgress(ctx)
}

func (o *Orchestrator) handleRateLimited(ctx context.Context, item *queue.Item, host string, retryAfter time.Duration, correlationID string) {
	o.st.InsertProblem(ctx, store.DiagnosticEvent{
		JobID: o.cfg.JobID, Kind: "rate:limit", Target: &item.URL,
		Message: strPtr("429 received; host backed off"), Ts: time.Now(),
	})
	o.publish(ctx, "rate:limit", map[string]interface{}{
		"url": item.URL, "host": host, "retry_after_ms": retryAfter.Milliseconds(), "correlation_id": correlationID,
	})

	requeued := &queue.Item{
		URL: item.URL, Depth: item.Depth, Type: item.Type,
		DiscoveryMethod: item.DiscoveryMethod, Meta: item.Meta, AllowRevisit: true,
	}
	base := basePriority(item.Depth)
	if o.q.Enqueue(requeued, base, 0, 0, host) {
		qSize := o.q.Size()
		o.st.InsertQueueEvent(ctx, store.QueueEvent{
			JobID: o.cfg.JobID, Ts: time.Now(), Action: store.QueueRequeued,
			URL: &item.URL, Host: &host, Reason: strPtr("rate_limited"), QueueSize: &qSize,
		})
	}
	o.maybeEmitProgress(ctx)
}

// fetchWithRetry implements spec §4.8 step 5: a URL hit by transient network
// errors or 5xx responses is attempted up to RetryHTTPTransient.MaxAttempts
// times in total, with
// exponential backoff; 4xx other than 429 is never retried. A 429 is
// reported back to the caller rather than retried in-place, since the
// correct response to a 429 is a host-level backoff_until (handled by
// HostLimiter.Release) followed by a requeue, not a tight local retry loop.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, rawURL, host string, conditional *fetcher.Conditional) (res *fetcher.FetchResult, rateLimited bool, retryAfter time.Duration) {
	policy := o.cfg.RetryHTTPTransient
	delay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res = o.fetch.Fetch(ctx, rawURL, fetcher.Options{TimeoutMs: o.cfg.FetchTimeoutMs, Conditional: conditional})

		if res.HTTPStatus == http.StatusTooManyRequests {
			ra := fetcher.ParseRetryAfter(headerCI(res.Headers, "Retry-After"), time.Now())
			if ra <= 0 {
				ra = delay
			}
			return res, true, ra
		}

		transient := (res.Error != nil && res.Error.Kind == fetcher.ErrorNetwork) ||
			(res.HTTPStatus >= 500 && res.HTTPStatus < 600)
		if !transient || attempt == policy.MaxAttempts {
			return res, false, 0
		}

		select {
		case <-ctx.Done():
			return res, false, 0
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return res, false, 0
}

// enqueueDiscovered applies spec §4.8 step 9's filters (max_depth,
// link_type_filter, same-site policy, already-seen) before re-enqueueing a
// discovered link, and always records the Link edge regardless of whether
// it gets re-enqueued.
func (o *Orchestrator) enqueueDiscovered(ctx context.Context, srcURL, srcHost string, srcDepth int, link analyzer.DiscoveredLink) {
	norm, err := o.norm.Normalize(link.URL)
	if err != nil {
		return
	}
	linkHost, err := o.norm.Host(norm)
	if err != nil {
		return
	}
	onDomain := o.norm.SameSite(srcHost, linkHost)

	lt := store.LinkNav
	if link.Type == analyzer.LinkArticle {
		lt = store.LinkArticle
	}
	depth := srcDepth + 1
	_ = o.st.InsertLink(ctx, store.Link{
		SrcURL: srcURL, DstURL: norm, Anchor: link.Anchor, Rel: link.Rel,
		Type: lt, Depth: &depth, OnDomain: onDomain, DiscoveredAt: time.Now(),
	})
	o.stats.Found.Add(1)

	if link.Type == analyzer.LinkNav && !o.cfg.LinkTypeFilter.FollowNav {
		return
	}
	if link.Type == analyzer.LinkArticle && !o.cfg.LinkTypeFilter.FollowArticle {
		return
	}
	if !onDomain || !withinMaxDepth(depth, o.cfg.MaxDepth) {
		return
	}
	if o.cfg.MaxPagesPerDomain > 0 && o.hostPageCount(linkHost) >= o.cfg.MaxPagesPerDomain {
		return
	}

	qType := queue.TypeNav
	if link.Type == analyzer.LinkArticle {
		qType = queue.TypeArticle
	}
	item := &queue.Item{URL: norm, Depth: depth, Type: qType, DiscoveryMethod: "spider"}
	if o.q.Enqueue(item, basePriority(depth), 0, 0, linkHost) {
		qSize := o.q.Size()
		o.st.InsertQueueEvent(ctx, store.QueueEvent{
			JobID: o.cfg.JobID, Ts: time.Now(), Action: store.QueueEnqueued,
			URL: &norm, Depth: &depth, Host: &linkHost, QueueSize: &qSize,
		})
		o.publish(ctx, "url:enqueued", map[string]interface{}{
			"url": norm, "host": linkHost, "depth": depth, "discovery_method": "spider",
		})
	}
}

func (o *Orchestrator) recordHostPage(host string) {
	o.hostPagesMu.Lock()
	o.hostPages[host]++
	o.hostPagesMu.Unlock()
}

func (o *Orchestrator) hostPageCount(host string) int {
	o.hostPagesMu.Lock()
	defer o.hostPagesMu.Unlock()
	return o.hostPages[host]
}

// maybeEmitProgress implements the throttled progress cadence of spec §4.8
// step 10.
func (o *Orchestrator) maybeEmitProgress(ctx context.Context) {
	now := time.Now()
	o.lastProgressMu.Lock()
	if now.Sub(o.lastProgressAt) < progressMinInterval {
		o.lastProgressMu.Unlock()
		return
	}
	o.lastProgressAt = now
	o.lastProgressMu.Unlock()

	snap := o.Stats()
	o.publish(ctx, "progress", map[string]interface{}{
		"visited": snap.Visited, "downloaded": snap.Downloaded, "saved": snap.Saved,
		"errors": snap.Errors, "found": snap.Found, "queue_size": o.q.Size(),
	})
}

// seed enqueues start_urls and hub_seeds at the beginning of Run (spec §4.8
// "start").
func (o *Orchestrator) seed(ctx context.Context) {
	if o.cfg.SameSitePolicy == config.SameSiteRegistrableDomain {
		o.norm.SameSite = urlnorm.SameRegistrableDomain
	}
	for _, raw := range o.cfg.StartURLs {
		o.enqueueSeed(ctx, raw, queue.TypeSeed, "seed")
	}
	for _, raw := range o.cfg.HubSeeds {
		o.enqueueSeed(ctx, raw, queue.TypeHubSeed, "hub")
	}
}

func (o *Orchestrator) enqueueSeed(ctx context.Context, raw string, t queue.ItemType, method string) {
	norm, err := o.norm.Normalize(raw)
	if err != nil {
		o.st.InsertError(ctx, store.ErrorRecord{URL: &raw, Kind: store.ErrorOther, Message: strPtr(err.Error()), At: time.Now()})
		return
	}
	host, err := o.norm.Host(norm)
	if err != nil {
		return
	}
	item := &queue.Item{URL: norm, Depth: 0, Type: t, DiscoveryMethod: method}
	if o.q.Enqueue(item, 1.0, 0, 0, host) {
		qSize := o.q.Size()
		o.st.InsertQueueEvent(ctx, store.QueueEvent{
			JobID: o.cfg.JobID, Ts: time.Now(), Action: store.QueueEnqueued,
			URL: &norm, Host: &host, QueueSize: &qSize,
		})
		o.publish(ctx, "url:enqueued", map[string]interface{}{"url": norm, "host": host, "discovery_method": method})
	}
}

func withinMaxDepth(depth, maxDepth int) bool {
	return maxDepth == 0 || depth <= maxDepth
}

// basePriority weights shallower items higher: a seed (depth 0) outranks
// links discovered many hops away, before the discovery-method bonus and
// optional gap/cluster terms (queue.PriorityQueue.computePriority) are added.
func basePriority(depth int) float64 {
	return 1.0 / float64(depth+1)
}

func isAnalyzable(res *fetcher.FetchResult) bool {
	if res.IsHTML() {
		return true
	}
	ct := strings.ToLower(res.ContentType)
	return ct == "" || strings.Contains(ct, "text") || strings.Contains(ct, "xml")
}

func countLinkTypes(links []analyzer.DiscoveredLink) (nav, article int) {
	for _, l := range links {
		if l.Type == analyzer.LinkArticle {
			article++
		} else {
			nav++
		}
	}
	return
}

func buildFetchRow(url, host string, res *fetcher.FetchResult, classification *string, wordCount, navLinks, articleLinks *int) store.Fetch {
	f := store.Fetch{
		URL: url, Host: host,
		RequestStartedAt: timePtr(res.RequestStartedAt),
		FetchedAt:         timePtr(res.FetchedAt),
		ContentType:       strPtrIfSet(res.ContentType),
		ContentEncoding:   strPtrIfSet(res.ContentEncoding),
		TTFBMs:            int64Ptr(res.TTFBMs),
		DownloadMs:        int64Ptr(res.DownloadMs),
		TotalMs:           int64Ptr(res.TotalMs),
		Classification:    classification,
		WordCount:         wordCount,
		NavLinksCount:     navLinks,
		ArticleLinksCount: articleLinks,
	}
	if res.HTTPStatus != 0 {
		status := res.HTTPStatus
		f.HTTPStatus = &status
	}
	if res.ContentLength > 0 {
		cl := res.ContentLength
		f.ContentLength = &cl
	}
	if len(res.Bytes) > 0 {
		n := int64(len(res.Bytes))
		f.BytesDownloaded = &n
	}
	return f
}

func buildArticleRow(url, host string, res *fetcher.FetchResult, a *analyzer.AnalysisResult) store.Article {
	art := store.Article{
		URL: url, Host: host, CrawledAt: time.Now(),
		Title: a.Title, Date: a.Date, Section: a.Section,
		CanonicalURL: a.CanonicalURL, Text: a.Text, WordCount: a.WordCount,
		Language: a.Language, ArticleXPath: a.ArticleXPath,
	}
	if res.HTTPStatus != 0 {
		status := res.HTTPStatus
		art.HTTPStatus = &status
	}
	if res.ContentLength > 0 {
		cl := res.ContentLength
		art.ContentLength = &cl
	}
	if len(res.Bytes) > 0 {
		n := int64(len(res.Bytes))
		art.BytesDownloaded = &n
		html := string(res.Bytes)
		art.HTML = &html
	}
	if !res.FetchedAt.IsZero() {
		ft := res.FetchedAt
		art.FetchedAt = &ft
	}
	art.TTFBMs = int64Ptr(res.TTFBMs)
	art.DownloadMs = int64Ptr(res.DownloadMs)
	art.TotalMs = int64Ptr(res.TotalMs)
	return art
}

func headerCI(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	cp := t
	return &cp
}

func strPtr(s string) *string { return &s }

func strPtrIfSet(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int64Ptr(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
