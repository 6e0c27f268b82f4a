// Package config defines crawl configuration as an immutable value loaded at
// job start and passed by reference to every component.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SameSitePolicy controls which URLs are considered part of the same site.
type SameSitePolicy string

const (
	SameSiteExactHost         SameSitePolicy = "exact_host"
	SameSiteRegistrableDomain SameSitePolicy = "registrable_domain"
)

// OutputVerbosity controls how chatty the process-interface log stream is.
type OutputVerbosity string

const (
	VerbositySilent      OutputVerbosity = "silent"
	VerbosityExtraTerse  OutputVerbosity = "extra-terse"
	VerbosityNormal      OutputVerbosity = "normal"
	VerbosityVerbose     OutputVerbosity = "verbose"
)

// RetryPolicy governs the transient-HTTP-error retry loop the Orchestrator
// owns (the Fetcher itself never retries; see internal/fetcher).
type RetryPolicy struct {
	MaxAttempts      int     `json:"max_attempts"`
	InitialDelayMs   int     `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMs       int     `json:"max_delay_ms"`
}

// LinkTypeFilter controls which discovered link types get re-enqueued.
type LinkTypeFilter struct {
	FollowNav     bool `json:"follow_nav"`
	FollowArticle bool `json:"follow_article"`
}

// RedirectPolicy controls whether/which redirects the HTTPFetcher follows.
type RedirectPolicy string

const (
	RedirectFollow     RedirectPolicy = "follow"
	RedirectFollowSame RedirectPolicy = "follow_same_site"
	RedirectNoFollow   RedirectPolicy = "no_follow"
)

// WaitCondition controls when the BrowserFetcher considers a page settled
// enough to read back the DOM.
type WaitCondition string

const (
	WaitDOMContentLoaded WaitCondition = "dom_content_loaded"
	WaitLoad             WaitCondition = "load"
	WaitNetworkIdle      WaitCondition = "network_idle"
	WaitSelector         WaitCondition = "selector"
)

// PriorityWeights scales the contribution of each priority-formula term
// (see PriorityQueue §4.6: priority = base + discovery_method_bonus +
// weights.discovery*base + weights.gap*gap_score + weights.cluster*cluster_boost).
type PriorityWeights struct {
	Discovery float64 `json:"discovery"`
	Gap       float64 `json:"gap"`
	Cluster   float64 `json:"cluster"`
}

// FeatureFlags toggles optional intelligence layered on the core priority
// formula (gap prediction, clustering); none are required for correctness.
type FeatureFlags struct {
	GapPrediction bool `json:"gap_prediction"`
	Clustering    bool `json:"clustering"`
}

// ClusteringConfig is read by the priority formula's cluster_boost term when
// FeatureFlags.Clustering is enabled. It has no effect on core correctness.
type ClusteringConfig struct {
	MaxClusterSize int     `json:"max_cluster_size"`
	BoostPerMember float64 `json:"boost_per_member"`
}

// DiscoveryMethodBonuses maps a discovery_method string (as recorded on a
// QueueItem, e.g. "feed", "sitemap", "spider") to a flat priority bonus.
// Unknown methods contribute 0. Defaults are grounded on
// jonesrussell-north-cloud's FrontierOriginFeed/Sitemap/Spider bonus
// constants (see SPEC_FULL.md SUPPLEMENTED FEATURES).
type DiscoveryMethodBonuses map[string]float64

// CrawlConfig holds all configuration for a single crawl job. It is treated
// as an immutable value after Validate: components read it,
// none mutate it in place once a job has started.
type CrawlConfig struct {
	// Identity
	JobID     string   `json:"job_id"`
	StartURLs []string `json:"start_urls"`
	HubSeeds  []string `json:"hub_seeds,omitempty"`

	// StorePath is the SQLite file the Store opens for this job. Empty
	// defaults to "<job_id>.db" in the current directory (§6: the core
	// speaks only the stdin/stdout protocol plus Store queries, so the
	// database file itself is addressed by this config key rather than a
	// CLI flag).
	StorePath string `json:"store_path,omitempty"`

	// Concurrency & limits (§6)
	Concurrency       int   `json:"concurrency"`
	MaxDepth          int   `json:"max_depth"`
	MaxPagesPerDomain int   `json:"max_pages_per_domain"` // 0 = unlimited
	MaxDownloads      int   `json:"max_downloads"`        // 0 = unlimited
	CrawlTimeoutMs    int64 `json:"crawl_timeout_ms"`     // 0 = none

	// Per-host pacing (§4.7)
	PerHostMinIntervalMs int            `json:"per_host_min_interval_ms"`
	PerHostConcurrency   int            `json:"per_host_concurrency"`
	HostMinIntervalMsOverrides map[string]int `json:"host_min_interval_ms_overrides,omitempty"`

	// Retry policy for transient HTTP/network errors (§4.8 step 5)
	RetryHTTPTransient RetryPolicy `json:"retry_http_transient"`

	// Fetch deadlines (§5)
	FetchTimeoutMs int `json:"fetch_timeout_ms"`

	// HTTPFetcher transport knobs (§4.4)
	MaxRedirects   int            `json:"max_redirects"`
	RedirectPolicy RedirectPolicy `json:"redirect_policy"`
	MaxBodyBytes   int64          `json:"max_body_bytes"`

	// BrowserFetcher knobs (§4.4 "secondary implementation")
	BrowserEnabled    bool          `json:"browser_enabled"`
	ChromiumPath      string        `json:"chromium_path,omitempty"`
	BrowserPoolSize   int           `json:"browser_pool_size"`
	RenderTimeoutMs   int           `json:"render_timeout_ms"`
	WaitCondition     WaitCondition `json:"wait_condition"`
	WaitSelector      string        `json:"wait_selector,omitempty"`

	// Policy knobs
	SameSitePolicy SameSitePolicy  `json:"same_site_policy"`
	LinkTypeFilter LinkTypeFilter  `json:"link_type_filter"`
	PreferCache    bool            `json:"prefer_cache"`
	OutputVerbosity OutputVerbosity `json:"output_verbosity"`

	// Priority formula inputs (§4.6)
	QueuePriorityBonuses DiscoveryMethodBonuses `json:"queue_priority_bonuses"`
	PriorityWeights      PriorityWeights        `json:"priority_weights"`
	Features             FeatureFlags           `json:"features"`
	Clustering           ClusteringConfig       `json:"clustering"`

	// Grace period for stop (§4.8)
	StopGracePeriodMs int `json:"stop_grace_period_ms"`

	// Stopping/pause spin floor (§5)
	IdleSpinFloorMs int `json:"idle_spin_floor_ms"`

	// EventWriter batching (§4.2)
	EventBatchWrites     bool `json:"event_batch_writes"`
	EventBatchSize       int  `json:"event_batch_size"`
	EventFlushIntervalMs int  `json:"event_flush_interval_ms"`

	// Task queue cap (§4.1)
	MaxTasksPerJob int `json:"max_tasks_per_job"`

	// User agent presented by the default Fetcher
	UserAgent string `json:"user_agent"`
}

// DefaultConfig returns a CrawlConfig with spec-mandated defaults.
func DefaultConfig() *CrawlConfig {
	return &CrawlConfig{
		Concurrency:       5,
		MaxDepth:          0,
		MaxPagesPerDomain: 0,
		MaxDownloads:      0,
		CrawlTimeoutMs:    0,

		PerHostMinIntervalMs: 1000,
		PerHostConcurrency:   2,

		RetryHTTPTransient: RetryPolicy{
			MaxAttempts:       3,
			InitialDelayMs:    500,
			BackoffMultiplier: 2.0,
			MaxDelayMs:        30_000,
		},

		FetchTimeoutMs: 30_000,

		MaxRedirects:   10,
		RedirectPolicy: RedirectFollow,
		MaxBodyBytes:   10 * 1024 * 1024,

		BrowserEnabled:  false,
		BrowserPoolSize: 2,
		RenderTimeoutMs: 30_000,
		WaitCondition:   WaitLoad,

		SameSitePolicy: SameSiteExactHost,
		LinkTypeFilter: LinkTypeFilter{FollowNav: true, FollowArticle: true},
		PreferCache:    true,
		OutputVerbosity: VerbosityNormal,

		QueuePriorityBonuses: DiscoveryMethodBonuses{
			"feed":    2,
			"sitemap": 1,
			"spider":  1,
		},
		PriorityWeights: PriorityWeights{Discovery: 1.0, Gap: 0, Cluster: 0},
		Features:        FeatureFlags{GapPrediction: false, Clustering: false},
		Clustering:      ClusteringConfig{MaxClusterSize: 0, BoostPerMember: 0},

		StopGracePeriodMs: 10_000,
		IdleSpinFloorMs:   100,

		EventBatchWrites:     true,
		EventBatchSize:       50,
		EventFlushIntervalMs: 1000,

		MaxTasksPerJob: 100,

		UserAgent: "newscrawl/1.0 (+https://github.com/anchorline/newscrawl)",
	}
}

// Validate replaces out-of-range values with legal minimums or with their
// defaults (backoff multiplier, render timeout, flush interval); it never
// rejects a config outright (unknown keys are ignored per §6, and known
// keys are self-healing rather than fatal).
func (c *CrawlConfig) Validate() error {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.PerHostMinIntervalMs < 0 {
		c.PerHostMinIntervalMs = 0
	}
	if c.PerHostConcurrency < 1 {
		c.PerHostConcurrency = 1
	}
	if c.RetryHTTPTransient.MaxAttempts < 1 {
		c.RetryHTTPTransient.MaxAttempts = 1
	}
	if c.RetryHTTPTransient.BackoffMultiplier <= 1 {
		c.RetryHTTPTransient.BackoffMultiplier = 2.0
	}
	if c.FetchTimeoutMs < 1000 {
		c.FetchTimeoutMs = 1000
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.BrowserPoolSize < 1 {
		c.BrowserPoolSize = 1
	}
	if c.RenderTimeoutMs < 1000 {
		c.RenderTimeoutMs = 30_000
	}
	if c.MaxTasksPerJob < 10 {
		c.MaxTasksPerJob = 10
	}
	if c.EventBatchSize < 1 {
		c.EventBatchSize = 1
	}
	if c.EventFlushIntervalMs < 1 {
		c.EventFlushIntervalMs = 1000
	}
	if c.JobID == "" {
		c.JobID = fmt.Sprintf("crawler-%s", time.Now().UTC().Format("2006-01-02T15-04-05"))
	}
	if c.StorePath == "" {
		c.StorePath = c.JobID + ".db"
	}
	return nil
}

// MinIntervalFor returns the per-host pacing interval, honoring any
// host-specific override (§4.7: "min_interval_ms may be global or
// host-overridden").
func (c *CrawlConfig) MinIntervalFor(host string) time.Duration {
	if ms, ok := c.HostMinIntervalMsOverrides[host]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.PerHostMinIntervalMs) * time.Millisecond
}

// BonusFor returns the configured priority bonus for a discovery method,
// 0 for anything unrecognized.
func (c *CrawlConfig) BonusFor(discoveryMethod string) float64 {
	if c.QueuePriorityBonuses == nil {
		return 0
	}
	return c.QueuePriorityBonuses[discoveryMethod]
}

// Clone returns a deep copy so a caller can derive a variant config without
// mutating the one a running job already holds a reference to.
func (c *CrawlConfig) Clone() *CrawlConfig {
	clone := *c

	clone.StartURLs = append([]string(nil), c.StartURLs...)
	clone.HubSeeds = append([]string(nil), c.HubSeeds...)

	if c.HostMinIntervalMsOverrides != nil {
		clone.HostMinIntervalMsOverrides = make(map[string]int, len(c.HostMinIntervalMsOverrides))
		for k, v := range c.HostMinIntervalMsOverrides {
			clone.HostMinIntervalMsOverrides[k] = v
		}
	}
	if c.QueuePriorityBonuses != nil {
		clone.QueuePriorityBonuses = make(DiscoveryMethodBonuses, len(c.QueuePriorityBonuses))
		for k, v := range c.QueuePriorityBonuses {
			clone.QueuePriorityBonuses[k] = v
		}
	}

	return &clone
}

// Save writes the configuration to a JSON file.
func (c *CrawlConfig) Save(filePath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Load reads a configuration from a JSON file, applying defaults first so
// unknown/missing keys fall back rather than zero out.
func Load(filePath string) (*CrawlConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseConfig decodes a raw JSON config payload (as arrives in the §6
// process-interface "start" message) over the defaults.
func ParseConfig(raw json.RawMessage) (*CrawlConfig, error) {
	cfg := DefaultConfig()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
