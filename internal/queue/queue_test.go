package queue

import (
	"testing"
	"time"

	"github.com/anchorline/newscrawl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysAdmit struct{}

func (alwaysAdmit) Admissible(host string, now time.Time) (bool, time.Time) { return true, time.Time{} }

type neverAdmit struct{ wakeAt time.Time }

func (n neverAdmit) Admissible(host string, now time.Time) (bool, time.Time) { return false, n.wakeAt }

func TestEnqueueDedup(t *testing.T) {
	q := New(config.DefaultConfig(), 0)

	ok := q.Enqueue(&Item{URL: "https://a.test/1", Type: TypeArticle}, 1, 0, 0, "a.test")
	require.True(t, ok)

	ok = q.Enqueue(&Item{URL: "https://a.test/1", Type: TypeArticle}, 1, 0, 0, "a.test")
	assert.False(t, ok, "duplicate url without allow_revisit must be rejected")
	assert.Equal(t, 1, q.Size())
}

func TestEnqueueAllowRevisit(t *testing.T) {
	q := New(config.DefaultConfig(), 0)

	require.True(t, q.Enqueue(&Item{URL: "https://a.test/1"}, 1, 0, 0, "a.test"))
	ok := q.Enqueue(&Item{URL: "https://a.test/1", AllowRevisit: true}, 1, 0, 0, "a.test")
	assert.True(t, ok)
	assert.Equal(t, 2, q.Size())
}

func TestPullPriorityOrder(t *testing.T) {
	q := New(config.DefaultConfig(), 0)

	require.True(t, q.Enqueue(&Item{URL: "https://a.test/low"}, 1, 0, 0, "a.test"))
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/high"}, 10, 0, 0, "a.test"))

	item, hc, wakeAt := q.Pull(time.Now(), alwaysAdmit{})
	require.NotNil(t, item)
	assert.Equal(t, "https://a.test/high", item.URL)
	assert.Equal(t, "a.test", hc.Host)
	assert.True(t, wakeAt.IsZero())
}

func TestPullHostNotAdmissibleReturnsWakeAt(t *testing.T) {
	q := New(config.DefaultConfig(), 0)
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/1"}, 1, 0, 0, "a.test"))

	wake := time.Now().Add(2 * time.Second)
	item, _, wakeAt := q.Pull(time.Now(), neverAdmit{wakeAt: wake})
	assert.Nil(t, item)
	assert.Equal(t, wake, wakeAt)
}

func TestPriorityFormulaDiscoveryBonus(t *testing.T) {
	cfg := config.DefaultConfig()
	q := New(cfg, 0)

	require.True(t, q.Enqueue(&Item{URL: "https://a.test/feed", DiscoveryMethod: "feed"}, 1, 0, 0, "a.test"))
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/plain", DiscoveryMethod: "unknown"}, 1, 0, 0, "a.test"))

	item, _, _ := q.Pull(time.Now(), alwaysAdmit{})
	require.NotNil(t, item)
	assert.Equal(t, "https://a.test/feed", item.URL, "feed discovery bonus should outrank an unbonused item at equal base")
}

func TestFIFOTiebreak(t *testing.T) {
	q := New(config.DefaultConfig(), 0)
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/first"}, 5, 0, 0, "a.test"))
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/second"}, 5, 0, 0, "a.test"))

	item, _, _ := q.Pull(time.Now(), alwaysAdmit{})
	assert.Equal(t, "https://a.test/first", item.URL)
}

func TestSizeClearPeek(t *testing.T) {
	q := New(config.DefaultConfig(), 0)
	assert.Equal(t, 0, q.Size())
	assert.Nil(t, q.Peek())

	require.True(t, q.Enqueue(&Item{URL: "https://a.test/1"}, 3, 0, 0, "a.test"))
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/2"}, 7, 0, 0, "a.test"))

	assert.Equal(t, 2, q.Size())
	peeked := q.Peek()
	require.NotNil(t, peeked)
	assert.Equal(t, "https://a.test/2", peeked.URL)
	assert.Equal(t, 2, q.Size(), "peek must not remove")

	q.Clear()
	assert.Equal(t, 0, q.Size())
	assert.True(t, q.HasSeen("https://a.test/1"), "clear must not reset dedup index")
}

func TestEnqueueCapPrunesLowestPriority(t *testing.T) {
	q := New(config.DefaultConfig(), 2)

	require.True(t, q.Enqueue(&Item{URL: "https://a.test/low"}, 1, 0, 0, "a.test"))
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/mid"}, 5, 0, 0, "a.test"))
	require.True(t, q.Enqueue(&Item{URL: "https://a.test/high"}, 9, 0, 0, "a.test"))

	assert.Equal(t, 2, q.Size())
	item, _, _ := q.Pull(time.Now(), alwaysAdmit{})
	assert.Equal(t, "https://a.test/high", item.URL)
}
