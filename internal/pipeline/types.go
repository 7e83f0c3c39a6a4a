// Package pipeline implements the real-time data pipeline (C6): three
// independent background loops that keep per-user analytics snapshots
// warm, detect significant changes, and expose a PipelineSnapshot as the
// dispatcher's sole enrichment read path.
//
// Grounded directly on original_source/backend/realtime_data_pipeline.py:
// DataPipelineConfig's refresh intervals and thresholds, UserActivity and
// PerformanceAlert dataclasses, the three asyncio.gather'd loops, the
// per-user refresh state machine (_refresh_user_data), and
// _calculate_refresh_priority's pure clock-delta function. SQLite
// persistence in the original is replaced with injected Repository
// implementations since spec.md scopes persisted state to UserActivity/
// PerformanceAlert only, not a general SQL store.
package pipeline

import "time"

// RefreshPriority mirrors UserActivity.refresh_priority.
type RefreshPriority string

const (
	PriorityHigh   RefreshPriority = "high"
	PriorityNormal RefreshPriority = "normal"
	PriorityLow    RefreshPriority = "low"
)

// UserActivity is the pipeline's exclusive mutable per-user state,
// persisted across restarts via Repository.
type UserActivity struct {
	UserID            string          `json:"user_id"`
	LastInteractionAt time.Time       `json:"last_interaction_at"`
	LastRefreshAt      time.Time      `json:"last_refresh_at"`
	RefreshPriority   RefreshPriority `json:"refresh_priority"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
}

// DataFreshness signals how current a PipelineSnapshot's data is.
type DataFreshness string

const (
	FreshnessRealTime  DataFreshness = "real_time"
	FreshnessDegraded  DataFreshness = "degraded"
	FreshnessUnavailable DataFreshness = "unavailable"
)

// ContextQuality signals how complete a PipelineSnapshot's source data is.
type ContextQuality string

const (
	QualityComplete      ContextQuality = "complete"
	QualityBasicFallback ContextQuality = "basic_fallback"
	QualityEmptyFallback ContextQuality = "empty_fallback"
)

// AlertKind is one of the enumerated PerformanceAlert kinds.
type AlertKind string

const (
	AlertSpike     AlertKind = "spike"
	AlertDrop      AlertKind = "drop"
	AlertMilestone AlertKind = "milestone"
	AlertAnomaly   AlertKind = "anomaly"
)

// Significance is the alert's severity tier, driven by change-magnitude
// thresholds.
type Significance string

const (
	SignificanceLow    Significance = "low"
	SignificanceMedium Significance = "medium"
	SignificanceHigh   Significance = "high"
)

// PerformanceAlert is emitted by the change detector loop.
type PerformanceAlert struct {
	UserID       string       `json:"user_id"`
	Kind         AlertKind    `json:"kind"`
	Metric       string       `json:"metric"`
	Current      float64      `json:"current"`
	Previous     float64      `json:"previous"`
	ChangePct    float64      `json:"change_pct"`
	Significance Significance `json:"significance"`
	Message      string       `json:"message"`
	CreatedAt    time.Time    `json:"created_at"`
}

// PipelineSnapshot is the enrichment blob consumed by the dispatcher.
// Always returned, never null; shape constant across freshness levels.
type PipelineSnapshot struct {
	LastUpdated         time.Time          `json:"last_updated"`
	KeyMetrics          map[string]float64 `json:"key_metrics"`
	PerformanceInsights []string           `json:"performance_insights"`
	RecentAlerts        []PerformanceAlert `json:"recent_alerts"`
	DataFreshness       DataFreshness      `json:"data_freshness"`
	ContextQuality      ContextQuality     `json:"context_quality"`
	// TopTrafficSource supplements the original behavior (kept from
	// realtime_data_pipeline.py's traffic-source breakdown) as cheap
	// enrichment context; empty string when unknown.
	TopTrafficSource string `json:"top_traffic_source,omitempty"`
}

// emptySnapshot is what get_enrichment returns for a user with no stored
// activity and no cached snapshot at all (testable property 8).
func emptySnapshot() PipelineSnapshot {
	return PipelineSnapshot{
		LastUpdated:         time.Time{},
		KeyMetrics:          map[string]float64{},
		PerformanceInsights: nil,
		RecentAlerts:        nil,
		DataFreshness:       FreshnessUnavailable,
		ContextQuality:      QualityEmptyFallback,
	}
}

// Config holds the pipeline's tunables (§6 configuration table).
type Config struct {
	QuickRefresh       time.Duration // high priority interval, default 15min
	NormalRefresh      time.Duration // default 30min
	BackgroundRefresh  time.Duration // low priority interval, default 60min
	MaxConcurrentRefreshes int       // default 5
	ChangeThresholdPct float64       // default 20
	AlertThresholdPct  float64       // default 50
	MilestoneSubscribers float64     // default 100, from the original's subscriber milestone rule
	RefreshSchedulerPeriod time.Duration // default 60s
	ChangeDetectorPeriod   time.Duration // default 5min
	CacheCleanupPeriod     time.Duration // default 1h
	AlertDedupWindow       time.Duration // default 24h
	AlertRetention         time.Duration // default 7 * 24h
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		QuickRefresh:           15 * time.Minute,
		NormalRefresh:          30 * time.Minute,
		BackgroundRefresh:      60 * time.Minute,
		MaxConcurrentRefreshes: 5,
		ChangeThresholdPct:     20,
		AlertThresholdPct:      50,
		MilestoneSubscribers:   100,
		RefreshSchedulerPeriod: 60 * time.Second,
		ChangeDetectorPeriod:   5 * time.Minute,
		CacheCleanupPeriod:     time.Hour,
		AlertDedupWindow:       24 * time.Hour,
		AlertRetention:         7 * 24 * time.Hour,
	}
}

// refreshInterval returns the interval for a priority per §4.6.
func (c Config) refreshInterval(p RefreshPriority) time.Duration {
	switch p {
	case PriorityHigh:
		return c.QuickRefresh
	case PriorityLow:
		return c.BackgroundRefresh
	default:
		return c.NormalRefresh
	}
}

// CalculateRefreshPriority is the pure function named in testable
// property 9: refresh_priority = f(now - last_interaction_at,
// consecutive_errors). Pinned to low after 3 consecutive failures,
// independent of the interaction-recency calculation.
func CalculateRefreshPriority(now time.Time, lastInteractionAt time.Time, consecutiveErrors int) RefreshPriority {
	if consecutiveErrors >= 3 {
		return PriorityLow
	}
	delta := now.Sub(lastInteractionAt)
	switch {
	case delta < 5*time.Minute:
		return PriorityHigh
	case delta < time.Hour:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
