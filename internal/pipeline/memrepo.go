package pipeline

import (
	"context"
	"sync"
	"time"
)

// MemRepository is an in-process Repository, used as the default when the
// host does not supply a durable one. It mirrors the table shape of
// original_source/backend/realtime_data_pipeline.py's
// _init_pipeline_database (user_activity, performance_alerts) without the
// SQLite dependency — the spec's Non-goal excludes durable domain-state
// persistence generally, but UserActivity/PerformanceAlert are explicitly
// the one kind of state the pipeline must survive restart on, so a host
// that wants that durability supplies its own Repository; this one is the
// in-memory stand-in exercised by default and by tests.
type MemRepository struct {
	mu         sync.RWMutex
	activities map[string]UserActivity
	alerts     []PerformanceAlert
}

func NewMemRepository() *MemRepository {
	return &MemRepository{activities: make(map[string]UserActivity)}
}

func (r *MemRepository) LoadActivities(_ context.Context) ([]UserActivity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserActivity, 0, len(r.activities))
	for _, a := range r.activities {
		out = append(out, a)
	}
	return out, nil
}

func (r *MemRepository) SaveActivity(_ context.Context, activity UserActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[activity.UserID] = activity
	return nil
}

func (r *MemRepository) RecentAlerts(_ context.Context, userID string, since time.Time) ([]PerformanceAlert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PerformanceAlert
	for _, a := range r.alerts {
		if a.UserID == userID && a.CreatedAt.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemRepository) SaveAlert(_ context.Context, alert PerformanceAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *MemRepository) PruneAlerts(_ context.Context, olderThan time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.alerts[:0]
	for _, a := range r.alerts {
		if a.CreatedAt.After(olderThan) {
			kept = append(kept, a)
		}
	}
	r.alerts = kept
	return nil
}
