// Package orchestrator implements the Orchestrator (spec §4.8): the
// deterministic job-lifecycle state machine that ties the PriorityQueue,
// HostLimiter, Fetcher, Analyzer, and Store together behind a fixed-size
// worker pool. Grounded on the teacher's internal/scheduler.Scheduler
// (atomic running/paused flags, worker loop, WaitGroup, Stats), generalized
// from the teacher's frontier/rate-limiter/WorkerFunc abstractions to the
// queue/hostlimiter/fetcher/analyzer contracts built for this crawler.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anchorline/newscrawl/internal/analyzer"
	"github.com/anchorline/newscrawl/internal/config"
	"github.com/anchorline/newscrawl/internal/fetcher"
	"github.com/anchorline/newscrawl/internal/hostlimiter"
	"github.com/anchorline/newscrawl/internal/queue"
	"github.com/anchorline/newscrawl/internal/store"
	"github.com/anchorline/newscrawl/internal/telemetry"
	"github.com/anchorline/newscrawl/internal/urlnorm"
)

// Phase enumerates the Orchestrator's job lifecycle state (spec §4.8):
// Initializing → Running ↔ Paused → Stopping → (Done | Failed | Aborted).
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseRunning       Phase = "running"
	PhasePaused        Phase = "paused"
	PhaseStopping      Phase = "stopping"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
	PhaseAborted       Phase = "aborted"
)

// Outcome is the terminal result reported on the job's single crawl:end
// event (spec §4.8, §7: "every job ends with exactly one crawl:end event").
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Stats are the cumulative, atomically-updated counters from spec §4.8 step
// 10 ("update counters under a single atomic operation").
type Stats struct {
	Visited    atomic.Int64
	Downloaded atomic.Int64
	Saved      atomic.Int64
	Errors     atomic.Int64
	Found      atomic.Int64
}

// StatsSnapshot is a point-in-time read of Stats for progress/complete events.
type StatsSnapshot struct {
	Visited    int64
	Downloaded int64
	Saved      int64
	Errors     int64
	Found      int64
}

// Orchestrator wires the pipeline's shared components behind the worker
// pool described in spec §4.8/§5.
type Orchestrator struct {
	cfg     *config.CrawlConfig
	st      *store.Store
	bus     *telemetry.Bus
	q       *queue.PriorityQueue
	limiter *hostlimiter.HostLimiter
	fetch   fetcher.Fetcher
	analyze analyzer.Analyzer
	norm    *urlnorm.Normalizer

	stats Stats

	phaseMu sync.RWMutex
	phase   Phase

	paused   atomic.Bool
	stopping atomic.Bool
	aborting atomic.Bool
	inFlight atomic.Int32

	stopOnce  sync.Once
	abortOnce sync.Once

	cancelFetches context.CancelFunc

	hostPagesMu sync.Mutex
	hostPages   map[string]int

	lastProgressMu sync.Mutex
	lastProgressAt time.Time
}

// New constructs an Orchestrator. All dependencies are pre-built by the
// caller (typically cmd/newscrawl): Store and Bus already open, Queue and
// HostLimiter already sized from cfg, Fetcher/Analyzer chosen per cfg
// (HTTPFetcher or BrowserFetcher; DefaultAnalyzer).
func New(cfg *config.CrawlConfig, st *store.Store, bus *telemetry.Bus, q *queue.PriorityQueue, limiter *hostlimiter.HostLimiter, fetch fetcher.Fetcher, analyze analyzer.Analyzer, norm *urlnorm.Normalizer) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		st:        st,
		bus:       bus,
		q:         q,
		limiter:   limiter,
		fetch:     fetch,
		analyze:   analyze,
		norm:      norm,
		phase:     PhaseInitializing,
		hostPages: make(map[string]int),
	}
}

// Phase returns the Orchestrator's current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.phaseMu.RLock()
	defer o.phaseMu.RUnlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phaseMu.Lock()
	o.phase = p
	o.phaseMu.Unlock()
}

// Stats returns a snapshot of the job's cumulative counters.
func (o *Orchestrator) Stats() StatsSnapshot {
	return StatsSnapshot{
		Visited:    o.stats.Visited.Load(),
		Downloaded: o.stats.Downloaded.Load(),
		Saved:      o.stats.Saved.Load(),
		Errors:     o.stats.Errors.Load(),
		Found:      o.stats.Found.Load(),
	}
}

// Pause flips the cooperative pause flag; workers finish their current step
// and then idle until Resume (spec §4.8 "pause/resume: flips a flag").
func (o *Orchestrator) Pause() {
	if o.paused.CompareAndSwap(false, true) {
		o.setPhase(PhasePaused)
		o.publish(context.Background(), "crawl:pause", nil)
	}
}

// Resume clears the pause flag.
func (o *Orchestrator) Resume() {
	if o.paused.CompareAndSwap(true, false) {
		o.setPhase(PhaseRunning)
		o.publish(context.Background(), "crawl:resume", nil)
	}
}

// Stop requests a graceful stop: workers drain whatever they are currently
// processing but dequeue no new work. If StopGracePeriodMs elapses before
// the pool has drained, in-flight fetches are force-cancelled, but the
// eventual outcome is still "stopped" (spec §4.8 "stop").
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopping.Store(true)
		o.setPhase(PhaseStopping)
		o.publish(context.Background(), "crawl:stop", nil)

		if grace := time.Duration(o.cfg.StopGracePeriodMs) * time.Millisecond; grace > 0 {
			time.AfterFunc(grace, func() {
				if o.cancelFetches != nil {
					o.cancelFetches()
				}
			})
		}
	})
}

// Abort requests an immediate stop: in addition to Stop's effects, any
// in-flight fetch is cancelled right away (spec §4.8 "abort: like stop but
// cancels in-flight fetches").
func (o *Orchestrator) Abort() {
	o.abortOnce.Do(func() {
		o.aborting.Store(true)
		o.stopping.Store(true)
		o.setPhase(PhaseStopping)
		o.publish(context.Background(), "crawl:abort", nil)
		if o.cancelFetches != nil {
			o.cancelFetches()
		}
	})
}

// Run executes the crawl to completion: seeds the queue, runs the worker
// pool, and finalizes the job. It blocks until the job reaches a terminal
// state. Pause/Resume/Stop/Abort are safe to call concurrently from another
// goroutine (e.g. a stdin reader in cmd/newscrawl).
func (o *Orchestrator) Run(parent context.Context) (Outcome, error) {
	fetchCtx, cancel := context.WithCancel(parent)
	o.cancelFetches = cancel
	defer cancel()

	if err := o.st.RecordCrawlJobStart(parent, store.CrawlJob{
		ID:        o.cfg.JobID,
		StartedAt: time.Now(),
		Status:    store.JobRunning,
	}); err != nil {
		o.setPhase(PhaseFailed)
		return OutcomeFailed, err
	}

	o.seed(parent)
	o.setPhase(PhaseRunning)
	o.publish(parent, "crawl:start", map[string]interface{}{
		"job_id": o.cfg.JobID,
		"seeds":  len(o.cfg.StartURLs) + len(o.cfg.HubSeeds),
	})

	var timeoutTimer *time.Timer
	if o.cfg.CrawlTimeoutMs > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(o.cfg.CrawlTimeoutMs)*time.Millisecond, o.Stop)
		defer timeoutTimer.Stop()
	}

	var g errgroup.Group
	for i := 0; i < o.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			o.workerLoop(fetchCtx, id)
			return nil
		})
	}
	_ = g.Wait()

	outcome := o.resolveOutcome()
	o.finalize(parent, outcome)
	return outcome, nil
}

func (o *Orchestrator) resolveOutcome() Outcome {
	switch {
	case o.aborting.Load():
		return OutcomeAborted
	case o.stopping.Load():
		return OutcomeStopped
	default:
		return OutcomeCompleted
	}
}

func (o *Orchestrator) finalize(ctx context.Context, outcome Outcome) {
	var status store.JobStatus
	var phase Phase
	switch outcome {
	case OutcomeCompleted:
		status, phase = store.JobDone, PhaseDone
	case OutcomeStopped:
		status, phase = store.JobStopped, PhaseDone
	case OutcomeAborted:
		status, phase = store.JobAborted, PhaseAborted
	default:
		status, phase = store.JobFailed, PhaseFailed
	}

	_ = o.st.MarkCrawlJobStatus(ctx, o.cfg.JobID, status)
	o.setPhase(phase)

	snap := o.Stats()
	o.publish(ctx, "crawl:end", map[string]interface{}{
		"outcome":    string(outcome),
		"visited":    snap.Visited,
		"downloaded": snap.Downloaded,
		"saved":      snap.Saved,
		"errors":     snap.Errors,
		"found":      snap.Found,
	})
}

// isComplete reports whether the crawl has naturally run out of work: the
// queue holds nothing (items blocked on a host's backoff remain resident in
// the queue rather than being removed, so an empty queue already implies no
// outstanding backoff could readmit work) and no worker is mid-fetch (spec
// §4.8 "Completion").
func (o *Orchestrator) isComplete() bool {
	return o.q.Size() == 0 && o.inFlight.Load() == 0
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	o.bus.Publish(ctx, telemetry.Event{
		TaskType:  "crawl",
		TaskID:    o.cfg.JobID,
		EventType: eventType,
		Data:      data,
		Ts:        time.Now(),
	})
}
