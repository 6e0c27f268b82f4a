// Package store is the persistent relational store for a crawl job (spec
// §4.1). It owns the SQLite schema, enforces idempotent writes, and
// maintains the Url/LatestFetch derived tables via triggers rather than
// query-time projection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures Open.
type Options struct {
	// ReadOnly opens the store for reads only: schema install and writes
	// are skipped (spec §4.1: "a store may be opened read-only for
	// reporting without disturbing an in-progress job").
	ReadOnly bool
	// BusyTimeout bounds how long a writer waits on SQLITE_BUSY before
	// failing. Default 5s.
	BusyTimeout time.Duration
}

// Store wraps a single SQLite connection. Writes are serialized through a
// mutex rather than relying on driver-level locking, mirroring the
// teacher's Database (internal/storage/database.go), which also pins
// SetMaxOpenConns(1) and guards every write with a sync.RWMutex.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	readOnly bool
}

// Open opens (creating if absent) a SQLite-backed store at path, installing
// the schema and triggers idempotently. Migrations are additive only: an
// existing store is never dropped or rewritten, per §4.1.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	mode := "rwc"
	if opts.ReadOnly {
		mode = "ro"
	}
	dsn := fmt.Sprintf("file:%s?mode=%s&_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, mode, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, readOnly: opts.ReadOnly}
	if !opts.ReadOnly {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.Exec(triggers); err != nil {
		return fmt.Errorf("apply triggers: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

// InsertFetch records one fetch attempt and lets the schema's triggers
// maintain urls/domains/latest_fetch (spec §4.1 invariants 1-3).
func (s *Store) InsertFetch(ctx context.Context, f Fetch) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetches (
			url, host, request_started_at, fetched_at, http_status, content_type,
			content_length, content_encoding, bytes_downloaded, transfer_kbps,
			ttfb_ms, download_ms, total_ms, etag, last_modified, saved_to_db,
			saved_to_file, file_path, file_size, classification, nav_links_count,
			article_links_count, word_count, analysis
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.URL, f.Host, formatTimePtr(f.RequestStartedAt), formatTimePtr(f.FetchedAt),
		f.HTTPStatus, f.ContentType, f.ContentLength, f.ContentEncoding,
		f.BytesDownloaded, f.TransferKbps, f.TTFBMs, f.DownloadMs, f.TotalMs,
		f.ETag, f.LastModified, f.SavedToDB, f.SavedToFile, f.FilePath, f.FileSize,
		f.Classification, f.NavLinksCount, f.ArticleLinksCount, f.WordCount, f.Analysis,
	)
	if err != nil {
		return fmt.Errorf("insert fetch: %w", err)
	}
	return nil
}

// UpsertArticle inserts or updates the canonical Article row for a URL.
// Existing non-null auxiliary fields (title, date, section, html, text) are
// preserved when the incoming value is empty, matching the teacher's
// COALESCE-on-conflict style in storage/database.go's html_features upsert.
func (s *Store) UpsertArticle(ctx context.Context, a Article) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	crawledAt := a.CrawledAt
	if crawledAt.IsZero() {
		crawledAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (
			url, host, title, date, section, html, crawled_at, canonical_url,
			referrer_url, discovered_at, crawl_depth, fetched_at, http_status,
			content_length, etag, last_modified, redirect_chain, ttfb_ms,
			download_ms, total_ms, bytes_downloaded, transfer_kbps, html_sha256,
			text, word_count, language, article_xpath, analysis
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(url) DO UPDATE SET
			host             = excluded.host,
			title            = COALESCE(excluded.title, articles.title),
			date             = COALESCE(excluded.date, articles.date),
			section          = COALESCE(excluded.section, articles.section),
			html             = COALESCE(excluded.html, articles.html),
			crawled_at       = excluded.crawled_at,
			canonical_url    = COALESCE(excluded.canonical_url, articles.canonical_url),
			referrer_url     = COALESCE(excluded.referrer_url, articles.referrer_url),
			discovered_at    = COALESCE(articles.discovered_at, excluded.discovered_at),
			crawl_depth      = COALESCE(excluded.crawl_depth, articles.crawl_depth),
			fetched_at       = COALESCE(excluded.fetched_at, articles.fetched_at),
			http_status      = COALESCE(excluded.http_status, articles.http_status),
			content_length   = COALESCE(excluded.content_length, articles.content_length),
			etag             = COALESCE(excluded.etag, articles.etag),
			last_modified    = COALESCE(excluded.last_modified, articles.last_modified),
			redirect_chain   = COALESCE(excluded.redirect_chain, articles.redirect_chain),
			ttfb_ms          = COALESCE(excluded.ttfb_ms, articles.ttfb_ms),
			download_ms      = COALESCE(excluded.download_ms, articles.download_ms),
			total_ms         = COALESCE(excluded.total_ms, articles.total_ms),
			bytes_downloaded = COALESCE(excluded.bytes_downloaded, articles.bytes_downloaded),
			transfer_kbps    = COALESCE(excluded.transfer_kbps, articles.transfer_kbps),
			html_sha256      = COALESCE(excluded.html_sha256, articles.html_sha256),
			text             = COALESCE(excluded.text, articles.text),
			word_count       = COALESCE(excluded.word_count, articles.word_count),
			language         = COALESCE(excluded.language, articles.language),
			article_xpath    = COALESCE(excluded.article_xpath, articles.article_xpath),
			analysis         = COALESCE(excluded.analysis, articles.analysis)`,
		a.URL, a.Host, a.Title, a.Date, a.Section, a.HTML, formatTime(crawledAt),
		a.CanonicalURL, a.ReferrerURL, formatTimePtr(a.DiscoveredAt), a.CrawlDepth,
		formatTimePtr(a.FetchedAt), a.HTTPStatus, a.ContentLength, a.ETag,
		a.LastModified, a.RedirectChain, a.TTFBMs, a.DownloadMs, a.TotalMs,
		a.BytesDownloaded, a.TransferKbps, a.HTMLSha256, a.Text, a.WordCount,
		a.Language, a.ArticleXPath, a.Analysis,
	)
	if err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}
	return nil
}

// InsertLink idempotently records a discovered edge. A second insert of the
// same (src_url, dst_url, type) triple is a silent no-op, matching the
// teacher's LinkPageResource ON CONFLICT DO NOTHING pattern.
func (s *Store) InsertLink(ctx context.Context, l Link) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	discovered := l.DiscoveredAt
	if discovered.IsZero() {
		discovered = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (src_url, dst_url, anchor, rel, type, depth, on_domain, discovered_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(src_url, dst_url, type) DO NOTHING`,
		l.SrcURL, l.DstURL, l.Anchor, l.Rel, string(l.Type), l.Depth, l.OnDomain, formatTime(discovered),
	)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// InsertLinks batches InsertLink calls in a single transaction, grounded on
// the teacher's InsertLinks (tx.Prepare + loop + Commit).
func (s *Store) InsertLinks(ctx context.Context, links []Link) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	if len(links) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin links tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO links (src_url, dst_url, anchor, rel, type, depth, on_domain, discovered_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(src_url, dst_url, type) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare links insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range links {
		discovered := l.DiscoveredAt
		if discovered.IsZero() {
			discovered = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, l.SrcURL, l.DstURL, l.Anchor, l.Rel,
			string(l.Type), l.Depth, l.OnDomain, formatTime(discovered)); err != nil {
			return fmt.Errorf("insert link %s->%s: %w", l.SrcURL, l.DstURL, err)
		}
	}
	return tx.Commit()
}

// InsertError appends a failure record (spec §7 taxonomy).
func (s *Store) InsertError(ctx context.Context, e ErrorRecord) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (url, host, kind, code, message, details, at)
		VALUES (?,?,?,?,?,?,?)`,
		e.URL, e.Host, string(e.Kind), e.Code, e.Message, e.Details, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

// RecordURLAlias records a passive alias observation (spec §9 OQ2: aliases
// are metadata only and are never consulted by the enqueue dedup path).
func (s *Store) RecordURLAlias(ctx context.Context, a AliasRecord) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	checked := a.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO url_aliases (url, alias_url, classification, reason, url_exists, metadata, checked_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(url, alias_url) DO UPDATE SET
			classification = excluded.classification,
			reason         = excluded.reason,
			url_exists     = excluded.url_exists,
			metadata       = excluded.metadata,
			checked_at     = excluded.checked_at`,
		a.URL, a.AliasURL, a.Classification, a.Reason, a.Exists, a.Metadata, formatTime(checked),
	)
	if err != nil {
		return fmt.Errorf("record url alias: %w", err)
	}
	return nil
}

// RecordCrawlJobStart inserts the job row marking the start of a run.
func (s *Store) RecordCrawlJobStart(ctx context.Context, job CrawlJob) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	started := job.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_jobs (id, url, args, pid, started_at, status)
		VALUES (?,?,?,?,?,?)`,
		job.ID, job.URL, job.Args, job.PID, formatTime(started), string(job.Status),
	)
	if err != nil {
		return fmt.Errorf("record crawl job start: %w", err)
	}
	return nil
}

// MarkCrawlJobStatus transitions a job's recorded status, stamping ended_at
// when the status is terminal.
func (s *Store) MarkCrawlJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var endedAt interface{}
	switch status {
	case JobDone, JobFailed, JobAborted, JobStopped:
		endedAt = formatTime(time.Now())
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET status = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?`,
		string(status), endedAt, jobID,
	)
	if err != nil {
		return fmt.Errorf("mark crawl job status: %w", err)
	}
	return nil
}

// InsertQueueEvent appends one queue-level transition record.
func (s *Store) InsertQueueEvent(ctx context.Context, e QueueEvent) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := e.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_events (
			job_id, ts, action, url, depth, host, reason, queue_size, alias,
			queue_origin, queue_role, queue_depth_bucket
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.JobID, formatTime(ts), string(e.Action), e.URL, e.Depth, e.Host, e.Reason,
		e.QueueSize, e.Alias, e.QueueOrigin, e.QueueRole, e.QueueDepthBucket,
	)
	if err != nil {
		return fmt.Errorf("insert queue event: %w", err)
	}
	return nil
}

func (s *Store) insertDiagnostic(ctx context.Context, table string, d DiagnosticEvent) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := d.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, kind, scope, target, message, details, ts)
		VALUES (?,?,?,?,?,?,?)`, table),
		d.JobID, d.Kind, d.Scope, d.Target, d.Message, d.Details, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// InsertProblem records a job-scoped problem diagnostic.
func (s *Store) InsertProblem(ctx context.Context, p DiagnosticEvent) error {
	return s.insertDiagnostic(ctx, "problems", p)
}

// InsertMilestone records a job-scoped milestone diagnostic.
func (s *Store) InsertMilestone(ctx context.Context, m DiagnosticEvent) error {
	return s.insertDiagnostic(ctx, "milestones", m)
}

// InsertPlannerStageEvent records a job-scoped planner-stage diagnostic.
func (s *Store) InsertPlannerStageEvent(ctx context.Context, e DiagnosticEvent) error {
	return s.insertDiagnostic(ctx, "planner_stage_events", e)
}

// HasURL reports whether url has a urls row; the fetch and article triggers
// create that row whenever either is recorded.
func (s *Store) HasURL(ctx context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM urls WHERE url = ? LIMIT 1`, url).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has url: %w", err)
	}
	return true, nil
}

// ArticleHeaders is the conditional-fetch metadata returned by
// GetArticleHeaders (spec SUPPLEMENTED FEATURES: conditional fetch support).
type ArticleHeaders struct {
	ETag         *string
	LastModified *string
	FetchedAt    *time.Time
	CrawledAt    time.Time
	CanonicalURL *string
}

// GetArticleHeaders returns the cached conditional-fetch headers for url, if
// an Article row exists, so the Fetcher can send If-None-Match/
// If-Modified-Since and skip re-downloading unchanged pages.
func (s *Store) GetArticleHeaders(ctx context.Context, url string) (*ArticleHeaders, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		etag, lastModified, fetchedAt, canonicalURL sql.NullString
		crawledAt                                   string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT etag, last_modified, fetched_at, crawled_at, canonical_url
		FROM articles WHERE url = ?`, url)
	if err := row.Scan(&etag, &lastModified, &fetchedAt, &crawledAt, &canonicalURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get article headers: %w", err)
	}

	h := &ArticleHeaders{}
	if etag.Valid {
		h.ETag = &etag.String
	}
	if lastModified.Valid {
		h.LastModified = &lastModified.String
	}
	if fetchedAt.Valid {
		if t, err := parseTime(fetchedAt.String); err == nil {
			h.FetchedAt = &t
		}
	}
	if t, err := parseTime(crawledAt); err == nil {
		h.CrawledAt = t
	}
	if canonicalURL.Valid {
		h.CanonicalURL = &canonicalURL.String
	}
	return h, nil
}

// GetArticleByURLOrCanonical looks up an Article by its primary URL, falling
// back to a canonical_url match so duplicate-content detection (spec §3
// Article.canonical_url) resolves to one record.
func (s *Store) GetArticleByURLOrCanonical(ctx context.Context, url string) (*Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT url, host, title, date, section, html, crawled_at, canonical_url,
		       referrer_url, discovered_at, crawl_depth, fetched_at, http_status,
		       content_length, etag, last_modified, redirect_chain, ttfb_ms,
		       download_ms, total_ms, bytes_downloaded, transfer_kbps, html_sha256,
		       text, word_count, language, article_xpath, analysis
		FROM articles WHERE url = ? OR canonical_url = ?
		ORDER BY (url = ?) DESC LIMIT 1`, url, url, url)
	return scanArticle(row)
}

func scanArticle(row *sql.Row) (*Article, error) {
	var (
		a                                 Article
		title, date, section, html        sql.NullString
		crawledAt                         string
		canonicalURL, referrerURL         sql.NullString
		discoveredAt                      sql.NullString
		crawlDepth, httpStatus            sql.NullInt64
		fetchedAt                         sql.NullString
		contentLength                     sql.NullInt64
		etag, lastModified, redirectChain sql.NullString
		ttfbMs, downloadMs, totalMs       sql.NullInt64
		bytesDownloaded                   sql.NullInt64
		transferKbps                      sql.NullFloat64
		htmlSha256, text, language        sql.NullString
		wordCount                         sql.NullInt64
		articleXPath, analysis            sql.NullString
	)
	err := row.Scan(&a.URL, &a.Host, &title, &date, &section, &html, &crawledAt,
		&canonicalURL, &referrerURL, &discoveredAt, &crawlDepth, &fetchedAt,
		&httpStatus, &contentLength, &etag, &lastModified, &redirectChain,
		&ttfbMs, &downloadMs, &totalMs, &bytesDownloaded, &transferKbps,
		&htmlSha256, &text, &wordCount, &language, &articleXPath, &analysis)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan article: %w", err)
	}

	if title.Valid {
		a.Title = &title.String
	}
	if date.Valid {
		a.Date = &date.String
	}
	if section.Valid {
		a.Section = &section.String
	}
	if html.Valid {
		a.HTML = &html.String
	}
	if t, err := parseTime(crawledAt); err == nil {
		a.CrawledAt = t
	}
	if canonicalURL.Valid {
		a.CanonicalURL = &canonicalURL.String
	}
	if referrerURL.Valid {
		a.ReferrerURL = &referrerURL.String
	}
	if discoveredAt.Valid {
		if t, err := parseTime(discoveredAt.String); err == nil {
			a.DiscoveredAt = &t
		}
	}
	if crawlDepth.Valid {
		v := int(crawlDepth.Int64)
		a.CrawlDepth = &v
	}
	if fetchedAt.Valid {
		if t, err := parseTime(fetchedAt.String); err == nil {
			a.FetchedAt = &t
		}
	}
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		a.HTTPStatus = &v
	}
	if contentLength.Valid {
		a.ContentLength = &contentLength.Int64
	}
	if etag.Valid {
		a.ETag = &etag.String
	}
	if lastModified.Valid {
		a.LastModified = &lastModified.String
	}
	if redirectChain.Valid {
		a.RedirectChain = &redirectChain.String
	}
	if ttfbMs.Valid {
		a.TTFBMs = &ttfbMs.Int64
	}
	if downloadMs.Valid {
		a.DownloadMs = &downloadMs.Int64
	}
	if totalMs.Valid {
		a.TotalMs = &totalMs.Int64
	}
	if bytesDownloaded.Valid {
		a.BytesDownloaded = &bytesDownloaded.Int64
	}
	if transferKbps.Valid {
		a.TransferKbps = &transferKbps.Float64
	}
	if htmlSha256.Valid {
		a.HTMLSha256 = &htmlSha256.String
	}
	if text.Valid {
		a.Text = &text.String
	}
	if wordCount.Valid {
		v := int(wordCount.Int64)
		a.WordCount = &v
	}
	if language.Valid {
		a.Language = &language.String
	}
	if articleXPath.Valid {
		a.ArticleXPath = &articleXPath.String
	}
	if analysis.Valid {
		a.Analysis = &analysis.String
	}
	return &a, nil
}

// StreamArticleURLs is a lazy, restartable iterator over article URLs
// ordered by crawl time, with explicit consumer-driven backpressure (spec
// §9 design note: the consumer must call Next to pull each batch rather
// than the store pushing unboundedly).
type StreamArticleURLs struct {
	rows   *sql.Rows
	cancel context.CancelFunc
}

// Next advances the cursor, returning false when exhausted or on error (use
// Err to distinguish the two).
func (it *StreamArticleURLs) Next() bool {
	return it.rows.Next()
}

// URL returns the current row's URL; valid only after Next returns true.
func (it *StreamArticleURLs) URL() (string, error) {
	var url string
	if err := it.rows.Scan(&url); err != nil {
		return "", fmt.Errorf("scan article url: %w", err)
	}
	return url, nil
}

// Err returns any error encountered during iteration.
func (it *StreamArticleURLs) Err() error {
	return it.rows.Err()
}

// Close releases the underlying cursor. Callers must always call Close,
// typically via defer, once done consuming.
func (it *StreamArticleURLs) Close() error {
	if it.cancel != nil {
		it.cancel()
	}
	return it.rows.Close()
}

// StreamArticleURLsFromOffset opens a restartable cursor starting after
// afterURL (empty string starts from the beginning), ordered by crawled_at
// then url for a stable resume point.
func (s *Store) StreamArticleURLsFromOffset(ctx context.Context, afterURL string, sinceCrawledAt time.Time) (*StreamArticleURLs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithCancel(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM articles
		WHERE crawled_at >= ? AND url > ?
		ORDER BY crawled_at ASC, url ASC`,
		formatTime(sinceCrawledAt), afterURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream article urls: %w", err)
	}
	return &StreamArticleURLs{rows: rows, cancel: cancel}, nil
}

// CreateTask inserts a new crawl_tasks row, pruning the oldest done or
// failed task for the job atomically if the job's task count is at
// MaxTasksPerJob. Pending and active tasks are never pruned, so a job whose
// tasks are all pending or active grows past the cap.
func (s *Store) CreateTask(ctx context.Context, t Task, maxTasksPerJob int) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create task tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM crawl_tasks WHERE job_id = ?`, t.JobID).Scan(&count); err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if maxTasksPerJob > 0 && count >= maxTasksPerJob {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM crawl_tasks WHERE id IN (
				SELECT id FROM crawl_tasks
				WHERE job_id = ? AND status IN (?, ?)
				ORDER BY created_at ASC LIMIT 1
			)`, t.JobID, string(TaskDone), string(TaskFailed)); err != nil {
			return fmt.Errorf("prune oldest task: %w", err)
		}
	}

	now := time.Now()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crawl_tasks (id, job_id, status, note, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		t.ID, t.JobID, string(t.Status), t.Note, formatTime(created), formatTime(updated)); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit()
}

// UpdateTaskStatus transitions a task's status and note.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, note *string) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_tasks SET status = ?, note = COALESCE(?, note), updated_at = ? WHERE id = ?`,
		string(status), note, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// GetTaskByID returns a task by id, or nil if it does not exist.
func (s *Store) GetTaskByID(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		t                    Task
		note                 sql.NullString
		createdAt, updatedAt string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, status, note, created_at, updated_at FROM crawl_tasks WHERE id = ?`, taskID)
	var status string
	if err := row.Scan(&t.ID, &t.JobID, &status, &note, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = TaskStatus(status)
	if note.Valid {
		t.Note = &note.String
	}
	if ts, err := parseTime(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := parseTime(updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

// ListTasks returns every task for a job, most recently updated first.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, note, created_at, updated_at
		FROM crawl_tasks WHERE job_id = ? ORDER BY updated_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t                    Task
			note                 sql.NullString
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &status, &note, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		if note.Valid {
			t.Note = &note.String
		}
		if ts, err := parseTime(createdAt); err == nil {
			t.CreatedAt = ts
		}
		if ts, err := parseTime(updatedAt); err == nil {
			t.UpdatedAt = ts
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClearTasksForJob deletes every task recorded for a job, used when a job
// is abandoned or restarted from scratch.
func (s *Store) ClearTasksForJob(ctx context.Context, jobID string) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM crawl_tasks WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	return nil
}

// WriteTaskEvents appends a batch of durable TaskEvent rows in one
// transaction, the sole write path the EventWriter uses (spec §4.2's
// ownership rule: task_events is written only through this method).
func (s *Store) WriteTaskEvents(ctx context.Context, events []TaskEvent) error {
	if s.readOnly {
		return fmt.Errorf("store: read-only")
	}
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task events tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_events (
			task_type, task_id, seq, ts, event_type, event_category, severity,
			scope, target, payload, duration_ms, http_status, item_count
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare task events insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		ts := e.Ts
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.TaskType, e.TaskID, e.Seq, formatTime(ts),
			e.EventType, string(e.EventCategory), string(e.Severity), e.Scope, e.Target,
			e.Payload, e.DurationMs, e.HTTPStatus, e.ItemCount); err != nil {
			return fmt.Errorf("insert task event %s/%d: %w", e.TaskID, e.Seq, err)
		}
	}
	return tx.Commit()
}

// ExecRaw runs a write statement directly against the underlying database,
// serialized behind the store's write lock. It exists for maintenance
// queries (retention pruning) that don't warrant a dedicated method.
func (s *Store) ExecRaw(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if s.readOnly {
		return nil, fmt.Errorf("store: read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.ExecContext(ctx, query, args...)
}

// QueryRaw runs a read query directly against the underlying database. It
// exists for the telemetry package's query surface (get_events, get_summary,
// get_problems, get_timeline, list_tasks), which reads task_events/crawl_tasks
// shapes the Store already owns but doesn't need dedicated methods for.
func (s *Store) QueryRaw(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.QueryContext(ctx, query, args...)
}

// MaxEventSeq returns the highest recorded seq for taskID, so the
// EventWriter can resume numbering after a restart without gaps or
// collisions. Returns 0 if no events exist yet.
func (s *Store) MaxEventSeq(ctx context.Context, taskID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM task_events WHERE task_id = ?`, taskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max event seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
