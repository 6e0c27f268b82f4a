package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anchorline/newscrawl/internal/store"
)

// EventFilters narrows GetEvents: zero values mean "no filter".
type EventFilters struct {
	Category store.EventCategory
	Severity store.Severity
	EventType string
}

// GetEvents returns events for taskID with seq > sinceSeq, oldest first,
// capped at limit.
func (w *EventWriter) GetEvents(ctx context.Context, taskID string, filters EventFilters, sinceSeq int64, limit int) ([]store.TaskEvent, error) {
	query := `SELECT task_type, task_id, seq, ts, event_type, event_category, severity, scope, target, payload, duration_ms, http_status, item_count FROM task_events WHERE task_id = ? AND seq > ?`
	args := []interface{}{taskID, sinceSeq}

	if filters.Category != "" {
		query += ` AND event_category = ?`
		args = append(args, string(filters.Category))
	}
	if filters.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filters.Severity))
	}
	if filters.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filters.EventType)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := w.st.QueryRaw(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []store.TaskEvent
	for rows.Next() {
		e, err := scanTaskEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanTaskEvent(rows *sql.Rows) (store.TaskEvent, error) {
	var (
		e                     store.TaskEvent
		ts                    string
		category, severity    string
		scope, target         sql.NullString
		durationMs, httpStat  sql.NullInt64
		itemCount             sql.NullInt64
	)
	if err := rows.Scan(&e.TaskType, &e.TaskID, &e.Seq, &ts, &e.EventType, &category,
		&severity, &scope, &target, &e.Payload, &durationMs, &httpStat, &itemCount); err != nil {
		return e, fmt.Errorf("scan task event: %w", err)
	}
	e.EventCategory = store.EventCategory(category)
	e.Severity = store.Severity(severity)
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Ts = t
	}
	if scope.Valid {
		e.Scope = &scope.String
	}
	if target.Valid {
		e.Target = &target.String
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	if httpStat.Valid {
		v := int(httpStat.Int64)
		e.HTTPStatus = &v
	}
	if itemCount.Valid {
		e.ItemCount = &itemCount.Int64
	}
	return e, nil
}

// Summary aggregates counts for get_summary.
type Summary struct {
	TaskID       string
	TotalEvents  int64
	ByCategory   map[string]int64
	BySeverity   map[string]int64
	LastSeq      int64
	LastEventTs  time.Time
}

// GetSummary aggregates event counts for a task.
func (w *EventWriter) GetSummary(ctx context.Context, taskID string) (*Summary, error) {
	s := &Summary{TaskID: taskID, ByCategory: map[string]int64{}, BySeverity: map[string]int64{}}

	rows, err := w.st.QueryRaw(ctx, `SELECT event_category, severity, seq, ts FROM task_events WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, severity, ts string
		var seq int64
		if err := rows.Scan(&category, &severity, &seq, &ts); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		s.TotalEvents++
		s.ByCategory[category]++
		s.BySeverity[severity]++
		s.LastSeq = seq
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.LastEventTs = t
		}
	}
	return s, rows.Err()
}

// GetProblems returns events of category "error", most recent first.
func (w *EventWriter) GetProblems(ctx context.Context, taskID string, limit int) ([]store.TaskEvent, error) {
	return w.getByCategoryDesc(ctx, taskID, store.CategoryError, limit)
}

func (w *EventWriter) getByCategoryDesc(ctx context.Context, taskID string, category store.EventCategory, limit int) ([]store.TaskEvent, error) {
	query := `SELECT task_type, task_id, seq, ts, event_type, event_category, severity, scope, target, payload, duration_ms, http_status, item_count FROM task_events WHERE task_id = ? AND event_category = ? ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := w.st.QueryRaw(ctx, query, taskID, string(category))
	if err != nil {
		return nil, fmt.Errorf("get %s events: %w", category, err)
	}
	defer rows.Close()

	var events []store.TaskEvent
	for rows.Next() {
		e, err := scanTaskEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetTimeline returns lifecycle- and control-category events in seq order, a
// coarse view suited to rendering a job's progression.
func (w *EventWriter) GetTimeline(ctx context.Context, taskID string) ([]store.TaskEvent, error) {
	rows, err := w.st.QueryRaw(ctx, `
		SELECT task_type, task_id, seq, ts, event_type, event_category, severity, scope, target, payload, duration_ms, http_status, item_count
		FROM task_events WHERE task_id = ? AND event_category IN ('lifecycle','control') ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get timeline: %w", err)
	}
	defer rows.Close()

	var events []store.TaskEvent
	for rows.Next() {
		e, err := scanTaskEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TaskListFilters narrows ListTasks.
type TaskListFilters struct {
	Status store.TaskStatus
	JobID  string
}

// ListTasks lists crawl_tasks rows matching filters, newest
// activity first, capped at limit. It queries crawl_tasks directly rather
// than task_events, since tasks are a Store-owned concept the writer only
// annotates.
func (w *EventWriter) ListTasks(ctx context.Context, filters TaskListFilters, limit int) ([]store.Task, error) {
	query := `SELECT id, job_id, status, note, created_at, updated_at FROM crawl_tasks WHERE 1=1`
	var args []interface{}
	if filters.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filters.JobID)
	}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filters.Status))
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := w.st.QueryRaw(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		var (
			t                    store.Task
			note                 sql.NullString
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &status, &note, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = store.TaskStatus(status)
		if note.Valid {
			t.Note = &note.String
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			t.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			t.UpdatedAt = ts
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
