// Package telemetry implements the EventWriter and TelemetryBus (spec §4.2):
// a buffered, ordered, durable append of TaskEvent rows, plus an in-process
// publish/subscribe bus that bridges crawl events to the writer and to
// external subscribers.
//
// There is no teacher analog for this subsystem; it is grounded on
// jonesrussell-north-cloud's JobLogger/JobSummary interface (category
// taxonomy, metric tracking, verbosity checks) and on the teacher's
// checkpoint.go for the periodic-flush/ticker shape.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anchorline/newscrawl/internal/store"
)

// Event is the producer-facing shape for write (spec §4.2).
type Event struct {
	TaskType string
	TaskID   string
	EventType string
	Data      map[string]interface{}
	Scope     *string
	Target    *string
	Category  *store.EventCategory
	Severity  *store.Severity
	Ts        time.Time
}

// TelemetryEvent is the bridge-shaped adapter input for write_telemetry_event.
type TelemetryEvent struct {
	JobID     string
	CrawlType string
	Type      string
	Data      map[string]interface{}
	Timestamp time.Time
	Severity  string
}

// BackgroundTaskEvent is the adapter input for write_background_task_event.
type BackgroundTaskEvent struct {
	TaskID    string
	TaskType  string
	EventType string
	Data      map[string]interface{}
	Ts        time.Time
}

// Options configures an EventWriter.
type Options struct {
	BatchWrites      bool
	BatchSize        int
	FlushIntervalMs  int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushIntervalMs <= 0 {
		o.FlushIntervalMs = 1000
	}
	return o
}

// EventWriter batches TaskEvent rows and flushes them to the Store. It never
// blocks a producer on a failing write: a failed batch is logged and
// dropped (spec §4.2 failure semantics).
type EventWriter struct {
	st   *store.Store
	opts Options

	mu      sync.Mutex
	nextSeq map[string]int64
	buffer  []store.TaskEvent

	flushErrs func(error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an EventWriter against st. onFlushError, if non-nil, is
// invoked with any error encountered flushing a batch (diagnostic channel
// only; telemetry never surfaces errors to producers).
func New(st *store.Store, opts Options, onFlushError func(error)) *EventWriter {
	opts = opts.withDefaults()
	w := &EventWriter{
		st:        st,
		opts:      opts,
		nextSeq:   make(map[string]int64),
		flushErrs: onFlushError,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

func (w *EventWriter) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(time.Duration(w.opts.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// nextSeqFor returns the next sequence number for taskID, initializing it
// from the store's max(seq)+1 on first use (spec §4.2 sequencing).
func (w *EventWriter) nextSeqFor(ctx context.Context, taskID string) (int64, error) {
	if n, ok := w.nextSeq[taskID]; ok {
		w.nextSeq[taskID] = n + 1
		return n, nil
	}
	max, err := w.st.MaxEventSeq(ctx, taskID)
	if err != nil {
		return 0, err
	}
	next := max + 1
	w.nextSeq[taskID] = next + 1
	return next, nil
}

// Write records one event (spec §4.2 write). Missing task_type, task_id, or
// event_type is a silent skip.
func (w *EventWriter) Write(ctx context.Context, e Event) {
	if e.TaskType == "" || e.TaskID == "" || e.EventType == "" {
		return
	}
	ts := e.Ts
	if ts.IsZero() {
		ts = time.Now()
	}

	category := e.Category
	severity := e.Severity
	if category == nil || severity == nil {
		c, s := inferCategorySeverity(e.EventType)
		if category == nil {
			category = &c
		}
		if severity == nil {
			severity = &s
		}
	}

	durationMs, httpStatus64, itemCount := extractDenormalized(e.Data)
	var httpStatus *int
	if httpStatus64 != nil {
		v := int(*httpStatus64)
		httpStatus = &v
	}
	scope := e.Scope
	if scope == nil {
		scope = scopeFromData(e.Data)
	}
	target := e.Target
	if target == nil {
		target = targetFromData(e.Data)
	}

	payload, _ := json.Marshal(e.Data)

	w.mu.Lock()
	defer w.mu.Unlock()

	seq, err := w.nextSeqFor(ctx, e.TaskID)
	if err != nil {
		if w.flushErrs != nil {
			w.flushErrs(fmt.Errorf("telemetry: resolve seq for %s: %w", e.TaskID, err))
		}
		return
	}

	w.buffer = append(w.buffer, store.TaskEvent{
		TaskType:      e.TaskType,
		TaskID:        e.TaskID,
		Seq:           seq,
		Ts:            ts,
		EventType:     e.EventType,
		EventCategory: *category,
		Severity:      *severity,
		Scope:         scope,
		Target:        target,
		Payload:       payload,
		DurationMs:    durationMs,
		HTTPStatus:    httpStatus,
		ItemCount:     itemCount,
	})

	if w.opts.BatchWrites && len(w.buffer) >= w.opts.BatchSize {
		w.flushLocked(ctx)
	} else if !w.opts.BatchWrites {
		w.flushLocked(ctx)
	}
}

// WriteTelemetryEvent adapts a bridge-shaped event (spec §4.2
// write_telemetry_event). An event with no resolvable jobId is dropped.
func (w *EventWriter) WriteTelemetryEvent(ctx context.Context, e TelemetryEvent) {
	if e.JobID == "" {
		if w.flushErrs != nil {
			w.flushErrs(fmt.Errorf("telemetry: dropping event %q: no resolvable jobId", e.Type))
		}
		return
	}
	var sev *store.Severity
	if e.Severity != "" {
		s := store.Severity(e.Severity)
		sev = &s
	}
	w.Write(ctx, Event{
		TaskType:  e.CrawlType,
		TaskID:    e.JobID,
		EventType: e.Type,
		Data:      e.Data,
		Severity:  sev,
		Ts:        e.Timestamp,
	})
}

// WriteBackgroundTaskEvent adapts a background-task telemetry shape (spec
// §4.2 write_background_task_event).
func (w *EventWriter) WriteBackgroundTaskEvent(ctx context.Context, e BackgroundTaskEvent) {
	w.Write(ctx, Event{
		TaskType:  e.TaskType,
		TaskID:    e.TaskID,
		EventType: e.EventType,
		Data:      e.Data,
		Ts:        e.Ts,
	})
}

// Flush drains the buffer in a single transaction.
func (w *EventWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *EventWriter) flushLocked(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	batch := w.buffer
	w.buffer = nil

	if err := w.st.WriteTaskEvents(ctx, batch); err != nil {
		// Spec §4.2: a failing batch is logged and dropped, never retried,
		// so the producer path stays unblocked.
		if w.flushErrs != nil {
			w.flushErrs(fmt.Errorf("telemetry: dropped batch of %d events: %w", len(batch), err))
		}
		return err
	}
	return nil
}

// Destroy stops the periodic flush and performs a final flush.
func (w *EventWriter) Destroy(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	_ = w.Flush(ctx)
}

// PruneOlderThan deletes task_events older than the given number of days.
func (w *EventWriter) PruneOlderThan(ctx context.Context, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	_, err := w.st.ExecRaw(ctx, `DELETE FROM task_events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	return err
}

// DeleteTask deletes all task_events for one task_id.
func (w *EventWriter) DeleteTask(ctx context.Context, taskID string) error {
	_, err := w.st.ExecRaw(ctx, `DELETE FROM task_events WHERE task_id = ?`, taskID)
	return err
}

// PruneCompletedTasks deletes task_events belonging to crawl_tasks rows
// marked done/failed more than the given number of days ago.
func (w *EventWriter) PruneCompletedTasks(ctx context.Context, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	_, err := w.st.ExecRaw(ctx, `
		DELETE FROM task_events WHERE task_id IN (
			SELECT id FROM crawl_tasks WHERE status IN ('done','failed') AND updated_at < ?
		)`, cutoff.UTC().Format(time.RFC3339Nano))
	return err
}

var exactCategoryTable = map[string][2]string{
	"crawl:start":  {"lifecycle", "info"},
	"crawl:end":    {"lifecycle", "info"},
	"url:fetched":  {"work", "info"},
	"url:saved":    {"work", "info"},
	"url:dequeued": {"work", "info"},
	"url:enqueued": {"work", "info"},
	"error":        {"error", "error"},
	"url:error":    {"error", "warn"},
	"rate:limit":   {"control", "warn"},
	"progress":     {"metric", "info"},
	"goal:reached": {"lifecycle", "info"},
}

// inferCategorySeverity implements spec §4.2's inference cascade: exact
// match, suffix match scanning right-to-left, keyword match, then a final
// work/info fallback.
func inferCategorySeverity(eventType string) (store.EventCategory, store.Severity) {
	if pair, ok := exactCategoryTable[eventType]; ok {
		return store.EventCategory(pair[0]), store.Severity(pair[1])
	}

	segments := strings.Split(eventType, ":")
	for i := len(segments) - 1; i >= 0; i-- {
		suffix := strings.Join(segments[i:], ":")
		if pair, ok := exactCategoryTable[suffix]; ok {
			return store.EventCategory(pair[0]), store.Severity(pair[1])
		}
	}

	lower := strings.ToLower(eventType)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		return store.CategoryError, store.SeverityError
	case strings.Contains(lower, "warn") || strings.Contains(lower, "problem"):
		return store.CategoryError, store.SeverityWarn
	case strings.Contains(lower, "start") || strings.Contains(lower, "end") || strings.Contains(lower, "complete"):
		return store.CategoryLifecycle, store.SeverityInfo
	case strings.Contains(lower, "metric") || strings.Contains(lower, "progress") || strings.Contains(lower, "rate"):
		return store.CategoryMetric, store.SeverityInfo
	}

	return store.CategoryWork, store.SeverityInfo
}

// extractDenormalized pulls duration_ms/http_status/item_count out of an
// event's free-form data map per spec §4.2's field-alias table.
func extractDenormalized(data map[string]interface{}) (durationMs, httpStatus, itemCount *int64) {
	durationMs = firstInt(data, "durationMs", "duration_ms", "ms")
	httpStatus = firstInt(data, "httpStatus", "http_status", "status")
	itemCount = firstInt(data, "count", "linksFound", "visited", "queued")
	return
}

func firstInt(data map[string]interface{}, keys ...string) *int64 {
	for _, k := range keys {
		v, ok := data[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			r := int64(n)
			return &r
		case int64:
			r := n
			return &r
		case float64:
			r := int64(n)
			return &r
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

func scopeFromData(data map[string]interface{}) *string {
	if v, ok := stringField(data, "scope"); ok {
		return &v
	}
	if v, ok := stringField(data, "domain"); ok {
		s := "domain:" + v
		return &s
	}
	if v, ok := stringField(data, "stage"); ok {
		s := "stage:" + v
		return &s
	}
	if v, ok := stringField(data, "url"); ok {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			s := "domain:" + strings.ToLower(u.Hostname())
			return &s
		}
	}
	return nil
}

func targetFromData(data map[string]interface{}) *string {
	if v, ok := stringField(data, "target"); ok {
		return &v
	}
	if v, ok := stringField(data, "url"); ok {
		return &v
	}
	if v, ok := stringField(data, "pattern"); ok {
		return &v
	}
	return nil
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	if data == nil {
		return "", false
	}
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
