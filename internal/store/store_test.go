package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawl.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertFetchMaintainsLatestFetch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	earlier := time.Now().Add(-time.Hour)
	later := time.Now()

	classA := "nav"
	classB := "article"

	require.NoError(t, s.InsertFetch(ctx, Fetch{
		URL: "https://example.com/a", Host: "example.com",
		FetchedAt: &earlier, HTTPStatus: ptrInt(200), Classification: &classA,
	}))
	require.NoError(t, s.InsertFetch(ctx, Fetch{
		URL: "https://example.com/a", Host: "example.com",
		FetchedAt: &later, HTTPStatus: ptrInt(200), Classification: &classB,
	}))

	var classification string
	row := s.db.QueryRowContext(ctx, `SELECT classification FROM latest_fetch WHERE url = ?`, "https://example.com/a")
	require.NoError(t, row.Scan(&classification))
	assert.Equal(t, "article", classification, "latest_fetch must reflect the most recent fetch, not the first")
}

func TestInsertFetchUpsertsUrlAndDomain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFetch(ctx, Fetch{URL: "https://news.example.com/x", Host: "news.example.com"}))

	has, err := s.HasURL(ctx, "https://news.example.com/x")
	require.NoError(t, err)
	assert.True(t, has)

	var host string
	row := s.db.QueryRowContext(ctx, `SELECT host FROM domains WHERE host = ?`, "news.example.com")
	require.NoError(t, row.Scan(&host))
	assert.Equal(t, "news.example.com", host)
}

func TestInsertLinkIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	link := Link{SrcURL: "https://example.com/a", DstURL: "https://example.com/b", Type: LinkNav, OnDomain: true}
	require.NoError(t, s.InsertLink(ctx, link))
	require.NoError(t, s.InsertLink(ctx, link))

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links WHERE src_url = ? AND dst_url = ?`,
		link.SrcURL, link.DstURL)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count, "re-inserting the same edge must be a no-op")
}

func TestUpsertArticlePreservesNonNullFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	title := "Original Title"
	require.NoError(t, s.UpsertArticle(ctx, Article{
		URL: "https://example.com/story", Host: "example.com", Title: &title,
		CrawledAt: time.Now(),
	}))

	newStatus := 200
	require.NoError(t, s.UpsertArticle(ctx, Article{
		URL: "https://example.com/story", Host: "example.com", HTTPStatus: &newStatus,
		CrawledAt: time.Now(),
	}))

	got, err := s.GetArticleByURLOrCanonical(ctx, "https://example.com/story")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Original Title", *got.Title, "a later upsert with no title must not erase the existing one")
	require.NotNil(t, got.HTTPStatus)
	assert.Equal(t, 200, *got.HTTPStatus)
}

func TestCreateTaskPrunesOldestOnOverflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const jobID = "job-1"
	const cap = 3
	for i := 0; i < cap; i++ {
		require.NoError(t, s.CreateTask(ctx, Task{
			ID: idFor(i), JobID: jobID, Status: TaskDone,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}, cap))
	}

	require.NoError(t, s.CreateTask(ctx, Task{ID: "overflow", JobID: jobID, Status: TaskPending}, cap))

	tasks, err := s.ListTasks(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, tasks, cap, "task queue must stay capped at max_tasks_per_job")

	_, err = s.GetTaskByID(ctx, idFor(0))
	require.NoError(t, err)
}

func TestWriteTaskEventsAndMaxSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteTaskEvents(ctx, []TaskEvent{
		{TaskType: "fetch", TaskID: "t1", Seq: 1, EventType: "started", EventCategory: CategoryLifecycle, Severity: SeverityInfo},
		{TaskType: "fetch", TaskID: "t1", Seq: 2, EventType: "completed", EventCategory: CategoryLifecycle, Severity: SeverityInfo},
	}))

	seq, err := s.MaxEventSeq(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func ptrInt(v int) *int { return &v }

func idFor(i int) string {
	return "task-" + string(rune('a'+i))
}
