// Package queue implements the PriorityQueue (spec §4.6): a score-ordered
// set of pending QueueItems with URL-keyed deduplication and host-aware
// pulls that cooperate with a HostLimiter.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/anchorline/newscrawl/internal/config"
)

// ItemType enumerates how a QueueItem entered the crawl.
type ItemType string

const (
	TypeSeed     ItemType = "seed"
	TypeHubSeed  ItemType = "hub-seed"
	TypeNav      ItemType = "nav"
	TypeArticle  ItemType = "article"
)

// Item is one pending unit of work (spec §4.6 QueueItem).
type Item struct {
	URL             string
	Depth           int
	Type            ItemType
	Priority        float64
	DiscoveryMethod string
	Meta            map[string]interface{}
	AllowRevisit    bool

	host      string
	enqueueAt int64 // monotonic insertion counter, used as FIFO tiebreak
	index     int   // heap.Interface bookkeeping
}

// HostContext is returned alongside a pulled Item: the host key the
// HostLimiter used to admit the pull, so the caller can release the slot
// without recomputing it.
type HostContext struct {
	Host string
}

// admitter is the subset of HostLimiter the queue needs. Defined here (not
// in hostlimiter) so queue has no import-cycle dependency on it; hostlimiter
// satisfies this interface.
type admitter interface {
	// Admissible reports whether host may be dequeued at now, and if not,
	// the earliest time it might become admissible (zero if unknown/never).
	Admissible(host string, now time.Time) (ok bool, wakeAt time.Time)
}

// itemHeap is a max-heap on Priority, ties broken by FIFO enqueue order.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].enqueueAt < h[j].enqueueAt
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is the crawl's shared, internally-synchronized pending-item
// set. All operations are serialized under a single mutex (spec §5: "a
// single mutex guarding both the ordered set and the dedup index").
type PriorityQueue struct {
	mu       sync.Mutex
	heap     itemHeap
	seen     map[string]bool // canonical URL -> has an item ever been enqueued
	cfg      *config.CrawlConfig
	counter  int64
	maxSize  int // 0 = unbounded
}

// New constructs an empty PriorityQueue. cfg supplies the priority formula's
// bonus table, weights, and feature flags (spec §4.6). maxSize caps the
// queue's length; 0 means unbounded.
func New(cfg *config.CrawlConfig, maxSize int) *PriorityQueue {
	return &PriorityQueue{
		heap:    make(itemHeap, 0),
		seen:    make(map[string]bool),
		cfg:     cfg,
		maxSize: maxSize,
	}
}

// Enqueue inserts item in score order unless its URL was already seen (and
// AllowRevisit is false), in which case it returns false and the queue is
// unchanged (spec §4.6, invariant 1 in §8). Priority is computed here, at
// enqueue time, and never recomputed for items already resident.
func (q *PriorityQueue) Enqueue(item *Item, baseScore, gapScore, clusterBoost float64, host string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[item.URL] && !item.AllowRevisit {
		return false
	}

	it := *item
	it.host = host
	it.Priority = q.computePriority(baseScore, gapScore, clusterBoost, item.DiscoveryMethod)
	q.counter++
	it.enqueueAt = q.counter

	heap.Push(&q.heap, &it)
	q.seen[item.URL] = true

	if q.maxSize > 0 && q.heap.Len() > q.maxSize {
		q.pruneLowest()
	}
	return true
}

// computePriority implements the §4.6 design-level formula:
// priority = base + discovery_method_bonus + weights.discovery*base +
//
//	weights.gap*gap_score + weights.cluster*cluster_boost
func (q *PriorityQueue) computePriority(base, gapScore, clusterBoost float64, discoveryMethod string) float64 {
	if q.cfg == nil {
		return base
	}
	p := base + q.cfg.BonusFor(discoveryMethod) + q.cfg.PriorityWeights.Discovery*base
	if q.cfg.Features.GapPrediction {
		p += q.cfg.PriorityWeights.Gap * gapScore
	}
	if q.cfg.Features.Clustering {
		p += q.cfg.PriorityWeights.Cluster * clusterBoost
	}
	return p
}

// pruneLowest drops the single lowest-priority item once the optional cap is
// exceeded. Called with q.mu held.
func (q *PriorityQueue) pruneLowest() {
	if len(q.heap) == 0 {
		return
	}
	worst := 0
	for i := 1; i < len(q.heap); i++ {
		if q.heap[i].Priority < q.heap[worst].Priority {
			worst = i
		}
	}
	heap.Remove(&q.heap, worst)
}

// Pull returns the highest-priority item whose host is admissible at now.
// If the best admissible-in-the-future host isn't ready yet, Pull returns
// (nil, HostContext{}, wakeAt) where wakeAt is the earliest time any
// currently-blocked item might become admissible, so the caller can sleep
// precisely instead of spinning (spec §4.6 pull contract).
func (q *PriorityQueue) Pull(now time.Time, limiter admitter) (*Item, HostContext, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, HostContext{}, time.Time{}
	}

	// Scan in priority order (heap order is not fully sorted, so walk a
	// sorted snapshot of indices by priority/FIFO rather than mutate the
	// heap while probing).
	order := make([]int, len(q.heap))
	for i := range order {
		order[i] = i
	}
	sortByPriority(q.heap, order)

	var earliestWake time.Time
	for _, idx := range order {
		it := q.heap[idx]
		ok, wakeAt := limiter.Admissible(it.host, now)
		if ok {
			heap.Remove(&q.heap, idx)
			return it, HostContext{Host: it.host}, time.Time{}
		}
		if !wakeAt.IsZero() && (earliestWake.IsZero() || wakeAt.Before(earliestWake)) {
			earliestWake = wakeAt
		}
	}
	return nil, HostContext{}, earliestWake
}

// sortByPriority orders idx by the heap's Less relation, stable on ties.
func sortByPriority(h itemHeap, idx []int) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && h.Less(idx[j], idx[j-1]); j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
}

// Size returns the number of pending items.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Peek returns the highest-priority pending item without removing it, or
// nil if empty.
func (q *PriorityQueue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(q.heap); i++ {
		if q.heap.Less(i, best) {
			best = i
		}
	}
	cp := *q.heap[best]
	return &cp
}

// Clear empties the queue. The dedup index is left intact: cleared items
// remain "seen" so they are not silently re-enqueued by stale discovery.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = q.heap[:0]
}

// HasSeen reports whether url has ever been accepted by Enqueue.
func (q *PriorityQueue) HasSeen(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[url]
}
