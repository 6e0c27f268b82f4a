package hostlimiter

import (
	"testing"
	"time"

	"github.com/anchorline/newscrawl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.CrawlConfig {
	cfg := config.DefaultConfig()
	cfg.PerHostMinIntervalMs = 100
	cfg.PerHostConcurrency = 1
	return cfg
}

func TestAdmissibleFirstCallAdmits(t *testing.T) {
	h := New(testConfig())
	ok, wake := h.Admissible("a.test", time.Now())
	assert.True(t, ok)
	assert.True(t, wake.IsZero())
}

func TestAdmissibleRespectsConcurrencyCap(t *testing.T) {
	h := New(testConfig())
	now := time.Now()

	ok, _ := h.Admissible("a.test", now)
	require.True(t, ok)

	ok, wake := h.Admissible("a.test", now)
	assert.False(t, ok, "second in-flight request exceeds per_host_concurrency=1")
	assert.True(t, wake.IsZero(), "concurrency-gated block has no timer wake; it clears on Release")
}

func TestReleaseFreesConcurrencySlot(t *testing.T) {
	h := New(testConfig())
	now := time.Now()

	ok, _ := h.Admissible("a.test", now)
	require.True(t, ok)
	h.Release("a.test", OutcomeSuccess, 0, now)

	// min_interval_ms still paces the second admission, but concurrency is free.
	ok, _ = h.Admissible("a.test", now.Add(200*time.Millisecond))
	assert.True(t, ok)
}

func TestAdmissiblePacesMinInterval(t *testing.T) {
	h := New(testConfig())
	now := time.Now()

	ok, _ := h.Admissible("a.test", now)
	require.True(t, ok)
	h.Release("a.test", OutcomeSuccess, 0, now)

	ok, wake := h.Admissible("a.test", now.Add(1*time.Millisecond))
	assert.False(t, ok, "second admission before min_interval_ms elapses must be rejected")
	assert.True(t, wake.After(now))
}

func TestRateLimitedSetsBackoff(t *testing.T) {
	h := New(testConfig())
	now := time.Now()

	ok, _ := h.Admissible("a.test", now)
	require.True(t, ok)
	h.Release("a.test", OutcomeRateLimited, 2*time.Second, now)

	ok, wake := h.Admissible("a.test", now.Add(500*time.Millisecond))
	assert.False(t, ok)
	assert.False(t, wake.IsZero())
	assert.True(t, wake.Sub(now) >= 2*time.Second-time.Millisecond)
}

func TestCircuitOpensAfterRepeatedNetworkErrors(t *testing.T) {
	h := New(testConfig())
	now := time.Now()

	for i := 0; i < breakerFailureThreshold; i++ {
		ok, _ := h.Admissible("a.test", now.Add(time.Duration(i)*200*time.Millisecond))
		require.True(t, ok)
		h.Release("a.test", OutcomeNetworkError, 0, now)
	}

	ok, wake := h.Admissible("a.test", now.Add(time.Duration(breakerFailureThreshold)*200*time.Millisecond))
	assert.False(t, ok, "breaker should be open after consecutive network errors")
	assert.False(t, wake.IsZero())
}

func TestStateSnapshot(t *testing.T) {
	h := New(testConfig())
	now := time.Now()
	h.Admissible("a.test", now)

	snap := h.State("a.test")
	assert.Equal(t, "a.test", snap.Host)
	assert.Equal(t, 1, snap.InFlight)
}
