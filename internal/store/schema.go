package store

// schema holds the idempotent DDL for every row type in spec §3. It is
// applied with CREATE TABLE/INDEX/TRIGGER IF NOT EXISTS so opening an
// existing store is always safe — this is the "idempotent additive
// migrations" contract from §4.1; nothing here is ever destructive.
const schema = `
CREATE TABLE IF NOT EXISTS urls (
    url           TEXT PRIMARY KEY,
    host          TEXT NOT NULL,
    canonical_url TEXT,
    created_at    TEXT NOT NULL,
    last_seen_at  TEXT NOT NULL,
    analysis      TEXT
);
CREATE INDEX IF NOT EXISTS idx_urls_host ON urls(host);

CREATE TABLE IF NOT EXISTS domains (
    host          TEXT PRIMARY KEY,
    first_seen_at TEXT NOT NULL,
    last_seen_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fetches (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    url                 TEXT NOT NULL,
    host                TEXT NOT NULL,
    request_started_at  TEXT,
    fetched_at          TEXT,
    http_status         INTEGER,
    content_type        TEXT,
    content_length      INTEGER,
    content_encoding    TEXT,
    bytes_downloaded    INTEGER,
    transfer_kbps       REAL,
    ttfb_ms             INTEGER,
    download_ms         INTEGER,
    total_ms            INTEGER,
    etag                TEXT,
    last_modified       TEXT,
    saved_to_db         BOOLEAN DEFAULT 1,
    saved_to_file       BOOLEAN DEFAULT 0,
    file_path           TEXT,
    file_size           INTEGER,
    classification      TEXT,
    nav_links_count     INTEGER,
    article_links_count INTEGER,
    word_count          INTEGER,
    analysis            TEXT
);
CREATE INDEX IF NOT EXISTS idx_fetches_url ON fetches(url);
CREATE INDEX IF NOT EXISTS idx_fetches_fetched_at ON fetches(fetched_at);

-- LatestFetch: derived per-URL projection, maintained by trigger only
-- (spec §3 invariant: "Maintained by trigger on Fetch insert").
CREATE TABLE IF NOT EXISTS latest_fetch (
    url            TEXT PRIMARY KEY,
    ts             TEXT NOT NULL,
    http_status    INTEGER,
    classification TEXT,
    word_count     INTEGER
);

CREATE TABLE IF NOT EXISTS articles (
    url              TEXT PRIMARY KEY,
    host             TEXT NOT NULL,
    title            TEXT,
    date             TEXT,
    section          TEXT,
    html             TEXT,
    crawled_at       TEXT NOT NULL,
    canonical_url    TEXT,
    referrer_url     TEXT,
    discovered_at    TEXT,
    crawl_depth      INTEGER,
    fetched_at       TEXT,
    http_status      INTEGER,
    content_length   INTEGER,
    etag             TEXT,
    last_modified    TEXT,
    redirect_chain   TEXT,
    ttfb_ms          INTEGER,
    download_ms      INTEGER,
    total_ms         INTEGER,
    bytes_downloaded INTEGER,
    transfer_kbps    REAL,
    html_sha256      TEXT,
    text             TEXT,
    word_count       INTEGER,
    language         TEXT,
    article_xpath    TEXT,
    analysis         TEXT
);
CREATE INDEX IF NOT EXISTS idx_articles_host ON articles(host);

CREATE TABLE IF NOT EXISTS links (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    src_url       TEXT NOT NULL,
    dst_url       TEXT NOT NULL,
    anchor        TEXT,
    rel           TEXT,
    type          TEXT,
    depth         INTEGER,
    on_domain     BOOLEAN,
    discovered_at TEXT NOT NULL,
    UNIQUE(src_url, dst_url, type)
);
CREATE INDEX IF NOT EXISTS idx_links_src ON links(src_url);
CREATE INDEX IF NOT EXISTS idx_links_dst ON links(dst_url);

CREATE TABLE IF NOT EXISTS errors (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    url     TEXT,
    host    TEXT,
    kind    TEXT NOT NULL,
    code    INTEGER,
    message TEXT,
    details TEXT,
    at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_errors_url ON errors(url);
CREATE INDEX IF NOT EXISTS idx_errors_kind ON errors(kind);

CREATE TABLE IF NOT EXISTS url_aliases (
    url            TEXT NOT NULL,
    alias_url      TEXT NOT NULL,
    classification TEXT,
    reason         TEXT,
    url_exists     BOOLEAN,
    metadata       TEXT,
    checked_at     TEXT NOT NULL,
    UNIQUE(url, alias_url)
);

CREATE TABLE IF NOT EXISTS crawl_jobs (
    id         TEXT PRIMARY KEY,
    url        TEXT,
    args       TEXT,
    pid        INTEGER,
    started_at TEXT NOT NULL,
    ended_at   TEXT,
    status     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_events (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id             TEXT NOT NULL,
    ts                 TEXT NOT NULL,
    action             TEXT NOT NULL,
    url                TEXT,
    depth              INTEGER,
    host               TEXT,
    reason             TEXT,
    queue_size         INTEGER,
    alias              TEXT,
    queue_origin       TEXT,
    queue_role         TEXT,
    queue_depth_bucket TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_events_job ON queue_events(job_id);

CREATE TABLE IF NOT EXISTS problems (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id  TEXT NOT NULL,
    kind    TEXT NOT NULL,
    scope   TEXT,
    target  TEXT,
    message TEXT,
    details TEXT,
    ts      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_problems_job ON problems(job_id);

CREATE TABLE IF NOT EXISTS milestones (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id  TEXT NOT NULL,
    kind    TEXT NOT NULL,
    scope   TEXT,
    target  TEXT,
    message TEXT,
    details TEXT,
    ts      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_milestones_job ON milestones(job_id);

CREATE TABLE IF NOT EXISTS planner_stage_events (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id  TEXT NOT NULL,
    kind    TEXT NOT NULL,
    scope   TEXT,
    target  TEXT,
    message TEXT,
    details TEXT,
    ts      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_planner_stage_events_job ON planner_stage_events(job_id);

CREATE TABLE IF NOT EXISTS crawl_tasks (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    status     TEXT NOT NULL,
    note       TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_tasks_job ON crawl_tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_crawl_tasks_status ON crawl_tasks(status);

-- TaskEvent durable log, owned exclusively by the EventWriter (§3 Ownership).
CREATE TABLE IF NOT EXISTS task_events (
    task_type      TEXT NOT NULL,
    task_id        TEXT NOT NULL,
    seq            INTEGER NOT NULL,
    ts             TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    event_category TEXT NOT NULL,
    severity       TEXT NOT NULL,
    scope          TEXT,
    target         TEXT,
    payload        TEXT,
    duration_ms    INTEGER,
    http_status    INTEGER,
    item_count     INTEGER,
    PRIMARY KEY (task_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
`

// triggers maintains the Url and LatestFetch derived tables per §4.1
// invariants 1-3. They run inline on every Fetch/Article write, which is
// the spec-mandated mechanism ("Maintained by trigger on Fetch insert").
const triggers = `
CREATE TRIGGER IF NOT EXISTS trg_fetch_touches_url
AFTER INSERT ON fetches
BEGIN
    INSERT INTO urls (url, host, created_at, last_seen_at)
    VALUES (NEW.url, NEW.host, COALESCE(NEW.request_started_at, NEW.fetched_at, CURRENT_TIMESTAMP), COALESCE(NEW.fetched_at, NEW.request_started_at, CURRENT_TIMESTAMP))
    ON CONFLICT(url) DO UPDATE SET
        last_seen_at = COALESCE(NEW.fetched_at, NEW.request_started_at, CURRENT_TIMESTAMP);

    INSERT INTO domains (host, first_seen_at, last_seen_at)
    VALUES (NEW.host, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
    ON CONFLICT(host) DO UPDATE SET last_seen_at = CURRENT_TIMESTAMP;

    INSERT INTO latest_fetch (url, ts, http_status, classification, word_count)
    VALUES (NEW.url, COALESCE(NEW.fetched_at, NEW.request_started_at, CURRENT_TIMESTAMP), NEW.http_status, NEW.classification, NEW.word_count)
    ON CONFLICT(url) DO UPDATE SET
        ts = excluded.ts,
        http_status = excluded.http_status,
        classification = excluded.classification,
        word_count = excluded.word_count
    WHERE excluded.ts >= latest_fetch.ts;
END;

CREATE TRIGGER IF NOT EXISTS trg_article_insert_touches_url
AFTER INSERT ON articles
BEGIN
    INSERT INTO urls (url, host, created_at, last_seen_at)
    VALUES (NEW.url, NEW.host, COALESCE(NEW.crawled_at, CURRENT_TIMESTAMP), COALESCE(NEW.crawled_at, CURRENT_TIMESTAMP))
    ON CONFLICT(url) DO UPDATE SET last_seen_at = COALESCE(NEW.crawled_at, CURRENT_TIMESTAMP);

    INSERT INTO domains (host, first_seen_at, last_seen_at)
    VALUES (NEW.host, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
    ON CONFLICT(host) DO UPDATE SET last_seen_at = CURRENT_TIMESTAMP;
END;

CREATE TRIGGER IF NOT EXISTS trg_article_update_touches_url
AFTER UPDATE ON articles
BEGIN
    UPDATE urls SET last_seen_at = COALESCE(NEW.crawled_at, CURRENT_TIMESTAMP) WHERE url = NEW.url;
END;
`
