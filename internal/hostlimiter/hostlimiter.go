// Package hostlimiter implements per-host pacing and failure-induced
// backoff (spec §4.7): a non-blocking admissibility check the PriorityQueue
// consults on every pull.
package hostlimiter

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/anchorline/newscrawl/internal/config"
)

// Outcome classifies how an admitted fetch attempt concluded, for Release.
// Only OutcomeNetworkError counts toward the circuit breaker's
// consecutive-failure trip (spec §4.7: "repeated network errors", not HTTP
// status codes).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeHTTPError
	OutcomeNetworkError
	OutcomeRateLimited
)

// breakerFailureThreshold is the number of consecutive network errors for a
// host before its circuit opens.
const breakerFailureThreshold = 3

type hostState struct {
	limiter         *rate.Limiter
	breaker         *gobreaker.TwoStepCircuitBreaker
	inFlight        int
	backoffUntil    time.Time // from HTTP 429 / Retry-After
	breakerOpenUntil time.Time
	rateLimited     bool
	pendingDone     []func(bool)
}

// HostLimiter is the shared, mutex-serialized per-host pacing state (spec
// §5: "PriorityQueue and HostLimiter are shared mutable state; all
// operations on them are serialized").
type HostLimiter struct {
	mu    sync.Mutex
	cfg   *config.CrawlConfig
	hosts map[string]*hostState
}

// New constructs a HostLimiter reading its pacing/concurrency defaults from
// cfg (per-host overrides via cfg.MinIntervalFor).
func New(cfg *config.CrawlConfig) *HostLimiter {
	return &HostLimiter{
		cfg:   cfg,
		hosts: make(map[string]*hostState),
	}
}

func (h *HostLimiter) getOrCreate(host string) *hostState {
	if st, ok := h.hosts[host]; ok {
		return st
	}

	timeout := time.Duration(h.cfg.RetryHTTPTransient.MaxDelayMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	st := &hostState{
		limiter: rate.NewLimiter(rate.Every(h.cfg.MinIntervalFor(host)), 1),
	}
	st.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to != gobreaker.StateOpen {
				return
			}
			h.mu.Lock()
			if s, ok := h.hosts[name]; ok {
				s.breakerOpenUntil = time.Now().Add(timeout)
			}
			h.mu.Unlock()
		},
	})
	h.hosts[host] = st
	return st
}

// Admissible reports whether host may be dequeued at now and, if it can, it
// immediately commits the admission: it consumes a pacing token, opens a
// breaker "two-step" admission, and increments in_flight, mirroring the
// spec's "on dequeue" side effects (§4.7). A caller that receives ok=true
// MUST eventually call Release for that host.
func (h *HostLimiter) Admissible(host string, now time.Time) (ok bool, wakeAt time.Time) {
	h.mu.Lock()
	st := h.getOrCreate(host)

	if !st.backoffUntil.IsZero() && now.Before(st.backoffUntil) {
		wake := st.backoffUntil
		h.mu.Unlock()
		return false, wake
	}
	if !st.breakerOpenUntil.IsZero() && now.Before(st.breakerOpenUntil) {
		wake := st.breakerOpenUntil
		h.mu.Unlock()
		return false, wake
	}
	if st.inFlight >= h.cfg.PerHostConcurrency {
		h.mu.Unlock()
		return false, time.Time{}
	}
	h.mu.Unlock()

	reservation := st.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Time{}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.Cancel()
		return false, now.Add(delay)
	}

	done, err := st.breaker.Allow()
	if err != nil {
		reservation.CancelAt(now)
		h.mu.Lock()
		wake := st.breakerOpenUntil
		h.mu.Unlock()
		return false, wake
	}

	h.mu.Lock()
	st.inFlight++
	st.pendingDone = append(st.pendingDone, done)
	h.mu.Unlock()
	return true, time.Time{}
}

// Release records the outcome of a fetch attempt previously admitted via
// Admissible, decrementing in_flight and updating backoff state (spec
// §4.7: "On completion, decrement in_flight"; "On HTTP 429 or explicit
// Retry-After, set backoff_until").
func (h *HostLimiter) Release(host string, outcome Outcome, retryAfter time.Duration, now time.Time) {
	h.mu.Lock()
	st, ok := h.hosts[host]
	if !ok {
		h.mu.Unlock()
		return
	}
	if st.inFlight > 0 {
		st.inFlight--
	}
	var done func(bool)
	if n := len(st.pendingDone); n > 0 {
		done = st.pendingDone[n-1]
		st.pendingDone = st.pendingDone[:n-1]
	}
	switch outcome {
	case OutcomeRateLimited:
		st.backoffUntil = now.Add(retryAfter)
		st.rateLimited = true
	case OutcomeSuccess:
		st.rateLimited = false
	}
	h.mu.Unlock()

	if done != nil {
		done(outcome != OutcomeNetworkError)
	}
}

// Snapshot is a read-only view of a host's pacing state, for diagnostics.
type Snapshot struct {
	Host         string
	InFlight     int
	BackoffUntil time.Time
	RateLimited  bool
}

// State returns a snapshot of host's current pacing state.
func (h *HostLimiter) State(host string) Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.hosts[host]
	if !ok {
		return Snapshot{Host: host}
	}
	return Snapshot{
		Host:         host,
		InFlight:     st.inFlight,
		BackoffUntil: st.backoffUntil,
		RateLimited:  st.rateLimited,
	}
}
