package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorline/newscrawl/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawl.db")
	s, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteMissingFieldsIsSilentSkip(t *testing.T) {
	st := openTestStore(t)
	w := New(st, Options{BatchWrites: false}, nil)
	defer w.Destroy(context.Background())

	w.Write(context.Background(), Event{TaskID: "t1", EventType: "crawl:start"})
	events, err := w.GetEvents(context.Background(), "t1", EventFilters{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "missing task_type must be silently skipped")
}

func TestWriteAssignsIncreasingSeq(t *testing.T) {
	st := openTestStore(t)
	w := New(st, Options{BatchWrites: false}, nil)
	defer w.Destroy(context.Background())

	ctx := context.Background()
	w.Write(ctx, Event{TaskType: "crawl", TaskID: "job-1", EventType: "crawl:start"})
	w.Write(ctx, Event{TaskType: "crawl", TaskID: "job-1", EventType: "url:fetched"})

	events, err := w.GetEvents(ctx, "job-1", EventFilters{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestSeqResumesFromStoreMax(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	w1 := New(st, Options{BatchWrites: false}, nil)
	w1.Write(ctx, Event{TaskType: "crawl", TaskID: "job-2", EventType: "crawl:start"})
	w1.Destroy(ctx)

	w2 := New(st, Options{BatchWrites: false}, nil)
	defer w2.Destroy(ctx)
	w2.Write(ctx, Event{TaskType: "crawl", TaskID: "job-2", EventType: "crawl:end"})

	events, err := w2.GetEvents(ctx, "job-2", EventFilters{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].Seq, "a new writer for the same task_id must resume numbering, not restart at 1")
}

func TestCategorySeverityInference(t *testing.T) {
	cases := []struct {
		eventType    string
		wantCategory store.EventCategory
		wantSeverity store.Severity
	}{
		{"crawl:start", store.CategoryLifecycle, store.SeverityInfo},
		{"url:fetched", store.CategoryWork, store.SeverityInfo},
		{"error", store.CategoryError, store.SeverityError},
		{"url:error", store.CategoryError, store.SeverityWarn},
		{"rate:limit", store.CategoryControl, store.SeverityWarn},
		{"progress", store.CategoryMetric, store.SeverityInfo},
		{"fetch:job:error", store.CategoryError, store.SeverityError},
		{"something:unusual", store.CategoryWork, store.SeverityInfo},
	}
	for _, tc := range cases {
		c, s := inferCategorySeverity(tc.eventType)
		assert.Equal(t, tc.wantCategory, c, tc.eventType)
		assert.Equal(t, tc.wantSeverity, s, tc.eventType)
	}
}

func TestExtractDenormalizedFields(t *testing.T) {
	durationMs, httpStatus, itemCount := extractDenormalized(map[string]interface{}{
		"durationMs": 120,
		"status":     200,
		"linksFound": 5,
	})
	require.NotNil(t, durationMs)
	assert.Equal(t, int64(120), *durationMs)
	require.NotNil(t, httpStatus)
	assert.Equal(t, int64(200), *httpStatus)
	require.NotNil(t, itemCount)
	assert.Equal(t, int64(5), *itemCount)
}

func TestWriteTelemetryEventDropsWithoutJobID(t *testing.T) {
	st := openTestStore(t)
	w := New(st, Options{BatchWrites: false}, nil)
	defer w.Destroy(context.Background())

	w.WriteTelemetryEvent(context.Background(), TelemetryEvent{Type: "crawl:start"})
	// No panic, no job-scoped rows written anywhere: nothing to assert on
	// besides the absence of a crash, matching the "no throw" contract.
}

func TestBusPublishForwardsToWriterAndSubscribers(t *testing.T) {
	st := openTestStore(t)
	w := New(st, Options{BatchWrites: false}, nil)
	defer w.Destroy(context.Background())

	bus := NewBus(w)
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	bus.Publish(context.Background(), Event{TaskType: "crawl", TaskID: "job-3", EventType: "crawl:start"})

	select {
	case e := <-ch:
		assert.Equal(t, "crawl:start", e.EventType)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive published event")
	}

	events, err := w.GetEvents(context.Background(), "job-3", EventFilters{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
