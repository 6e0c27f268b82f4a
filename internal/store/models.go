package store

import "time"

// Url is the canonical identity of a web resource (spec §3 "Url").
type Url struct {
	URL          string
	Host         string
	CanonicalURL *string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	Analysis     *string
}

// Fetch is a single attempt to retrieve a resource; append-only (spec §3 "Fetch").
type Fetch struct {
	URL               string
	Host              string
	RequestStartedAt  *time.Time
	FetchedAt         *time.Time
	HTTPStatus        *int
	ContentType       *string
	ContentLength     *int64
	ContentEncoding   *string
	BytesDownloaded   *int64
	TransferKbps      *float64
	TTFBMs            *int64
	DownloadMs        *int64
	TotalMs           *int64
	ETag              *string
	LastModified      *string
	SavedToDB         bool
	SavedToFile       bool
	FilePath          *string
	FileSize          *int64
	Classification    *string
	NavLinksCount     *int
	ArticleLinksCount *int
	WordCount         *int
	Analysis          *string
}

// LatestFetch is the derived per-URL projection maintained by trigger.
type LatestFetch struct {
	URL            string
	Ts             time.Time
	HTTPStatus     *int
	Classification *string
	WordCount      *int
}

// Article is the derived, canonical content for an article-classified fetch
// (spec §3 "Article"). Upsert preserves non-null existing auxiliary fields.
type Article struct {
	URL             string
	Host            string
	Title           *string
	Date            *string
	Section         *string
	HTML            *string
	CrawledAt       time.Time
	CanonicalURL    *string
	ReferrerURL     *string
	DiscoveredAt    *time.Time
	CrawlDepth      *int
	FetchedAt       *time.Time
	HTTPStatus      *int
	ContentLength   *int64
	ETag            *string
	LastModified    *string
	RedirectChain   *string
	TTFBMs          *int64
	DownloadMs      *int64
	TotalMs         *int64
	BytesDownloaded *int64
	TransferKbps    *float64
	HTMLSha256      *string
	Text            *string
	WordCount       *int
	Language        *string
	ArticleXPath    *string
	Analysis        *string
}

// LinkType enumerates the classification of an outgoing link.
type LinkType string

const (
	LinkNav     LinkType = "nav"
	LinkArticle LinkType = "article"
)

// Link is a directed edge between two resources (spec §3 "Link").
type Link struct {
	SrcURL       string
	DstURL       string
	Anchor       *string
	Rel          *string
	Type         LinkType
	Depth        *int
	OnDomain     bool
	DiscoveredAt time.Time
}

// ErrorKind enumerates the failure taxonomy (spec §7).
type ErrorKind string

const (
	ErrorHTTP    ErrorKind = "http"
	ErrorNetwork ErrorKind = "network"
	ErrorSave    ErrorKind = "save"
	ErrorParse   ErrorKind = "parse"
	ErrorOther   ErrorKind = "other"
)

// ErrorRecord is an append-only record of a failure (spec §3 "Error").
type ErrorRecord struct {
	URL     *string
	Host    *string
	Kind    ErrorKind
	Code    *int
	Message *string
	Details *string
	At      time.Time
}

// JobStatus enumerates the Orchestrator's job lifecycle states (spec §4.8).
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobPaused   JobStatus = "paused"
	JobStopping JobStatus = "stopping"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobAborted  JobStatus = "aborted"
	JobStopped  JobStatus = "stopped"
)

// CrawlJob is one run of the crawler (spec §3 "CrawlJob").
type CrawlJob struct {
	ID        string
	URL       *string
	Args      *string
	PID       *int
	StartedAt time.Time
	EndedAt   *time.Time
	Status    JobStatus
}

// QueueAction enumerates queue-level transitions (spec §3 "QueueEvent").
type QueueAction string

const (
	QueueEnqueued QueueAction = "enqueued"
	QueueDequeued QueueAction = "dequeued"
	QueueSkipped  QueueAction = "skipped"
	QueueRequeued QueueAction = "requeued"
	QueueExpired  QueueAction = "expired"
)

// QueueEvent is an ordered record of a queue-level transition for one job.
type QueueEvent struct {
	JobID            string
	Ts               time.Time
	Action           QueueAction
	URL              *string
	Depth            *int
	Host             *string
	Reason           *string
	QueueSize        *int
	Alias            *string
	QueueOrigin      *string
	QueueRole        *string
	QueueDepthBucket *string
}

// DiagnosticEvent backs Problem/Milestone/PlannerStageEvent, which share the
// same job-scoped shape (spec §3).
type DiagnosticEvent struct {
	JobID   string
	Kind    string
	Scope   *string
	Target  *string
	Message *string
	Details *string
	Ts      time.Time
}

// TaskStatus enumerates crawl_tasks lifecycle states.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskActive  TaskStatus = "active"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is a row in crawl_tasks (spec §4.1 Tasks).
type Task struct {
	ID        string
	JobID     string
	Status    TaskStatus
	Note      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventCategory enumerates TaskEvent categories (spec §3 TaskEvent).
type EventCategory string

const (
	CategoryLifecycle EventCategory = "lifecycle"
	CategoryWork      EventCategory = "work"
	CategoryMetric    EventCategory = "metric"
	CategoryControl   EventCategory = "control"
	CategoryError     EventCategory = "error"
)

// Severity enumerates TaskEvent severities.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// TaskEvent is a row in the durable event log (spec §3 "TaskEvent").
type TaskEvent struct {
	TaskType      string
	TaskID        string
	Seq           int64
	Ts            time.Time
	EventType     string
	EventCategory EventCategory
	Severity      Severity
	Scope         *string
	Target        *string
	Payload       []byte
	DurationMs    *int64
	HTTPStatus    *int
	ItemCount     *int64
}

// AliasRecord is a passive, recorded URL alias (spec §3/§9 OQ2: url_aliases
// are not consulted by the enqueue dedup path).
type AliasRecord struct {
	URL            string
	AliasURL       string
	Classification *string
	Reason         *string
	Exists         *bool
	Metadata       *string
	CheckedAt      time.Time
}
