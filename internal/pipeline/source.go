package pipeline

import (
	"context"
	"time"
)

// Metrics is what an AnalyticsSource returns for one fetch attempt.
type Metrics struct {
	KeyMetrics       map[string]float64
	Insights         []string
	TopTrafficSource string
}

// AnalyticsSource is the black-box analytics provider the pipeline
// refreshes from. Comprehensive is the primary, full-fidelity summary;
// Basic is the degraded secondary tier used when Comprehensive fails
// (original_source/backend/realtime_data_pipeline.py's two-tier fallback,
// supplemented into SPEC_FULL.md since the spec's distillation only names
// "primary source" / "basic secondary source" without detailing the
// interface). Implementations live with the host, not the core.
type AnalyticsSource interface {
	Comprehensive(ctx context.Context, userID string) (Metrics, error)
	Basic(ctx context.Context, userID string) (Metrics, error)
}

// CredentialChecker gates a refresh attempt on the user having a valid
// analytics-provider credential, mirroring the original's OAuth-token
// validity check before refresh. A nil checker is treated as "always
// valid" (useful for tests and hosts with no such gate).
type CredentialChecker interface {
	Valid(ctx context.Context, userID string) (bool, error)
}

// Repository persists the pipeline's exclusive mutable state —
// UserActivity and PerformanceAlert — the only state the spec requires to
// survive a restart.
type Repository interface {
	LoadActivities(ctx context.Context) ([]UserActivity, error)
	SaveActivity(ctx context.Context, activity UserActivity) error

	RecentAlerts(ctx context.Context, userID string, since time.Time) ([]PerformanceAlert, error)
	SaveAlert(ctx context.Context, alert PerformanceAlert) error
	PruneAlerts(ctx context.Context, olderThan time.Time) error
}
