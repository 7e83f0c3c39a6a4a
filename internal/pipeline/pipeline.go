package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidalytics/corehub/internal/cache"
)

// Pipeline is the C6 real-time data pipeline: three independent background
// loops plus the register_interaction/force_refresh/get_enrichment surface
// the dispatcher consumes.
type Pipeline struct {
	cfg    Config
	repo   Repository
	source AnalyticsSource
	creds  CredentialChecker
	cache  *cache.Cache
	logger *slog.Logger

	mu           sync.RWMutex
	activities   map[string]*UserActivity
	previous     map[string]map[string]float64  // userID -> key_metrics of the snapshot before the latest one, for change detection
	lastSnapshot map[string]PipelineSnapshot     // userID -> last snapshot ever computed, outlives the cache TTL

	activeMu sync.Mutex
	active   map[string]chan struct{} // userID -> closed when refresh completes

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Pipeline. source and creds may be nil in degraded
// deployments (every refresh then fails immediately, which is a valid,
// testable state — see S5).
func New(cfg Config, repo Repository, source AnalyticsSource, creds CredentialChecker, c *cache.Cache, logger *slog.Logger) *Pipeline {
	if repo == nil {
		repo = NewMemRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		repo:       repo,
		source:     source,
		creds:      creds,
		cache:      c,
		logger:     logger,
		activities:   make(map[string]*UserActivity),
		previous:     make(map[string]map[string]float64),
		lastSnapshot: make(map[string]PipelineSnapshot),
		active:       make(map[string]chan struct{}),
	}
}

// Start loads persisted activities and launches the three independent
// background loops. No cross-loop ordering is guaranteed.
func (p *Pipeline) Start(ctx context.Context) error {
	loaded, err := p.repo.LoadActivities(ctx)
	if err != nil {
		p.logger.Warn("pipeline: failed to load persisted activities, starting empty", "error", err)
	}
	p.mu.Lock()
	for i := range loaded {
		a := loaded[i]
		p.activities[a.UserID] = &a
	}
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(3)
	go p.runLoop(runCtx, "refresh_scheduler", p.cfg.RefreshSchedulerPeriod, p.refreshSchedulerTick)
	go p.runLoop(runCtx, "change_detector", p.cfg.ChangeDetectorPeriod, p.changeDetectorTick)
	go p.runLoop(runCtx, "cache_cleanup", p.cfg.CacheCleanupPeriod, p.cacheCleanupTick)

	return nil
}

// Stop cancels all three loops and waits for them to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) runLoop(ctx context.Context, name string, period time.Duration, tick func(context.Context)) {
	defer p.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// RegisterInteraction updates last_interaction_at and may trigger an
// immediate opportunistic refresh if the recomputed priority is high and
// the user is not already refreshing.
func (p *Pipeline) RegisterInteraction(ctx context.Context, userID string) {
	now := time.Now()
	p.mu.Lock()
	a, ok := p.activities[userID]
	if !ok {
		a = &UserActivity{UserID: userID}
		p.activities[userID] = a
	}
	a.LastInteractionAt = now
	a.RefreshPriority = CalculateRefreshPriority(now, a.LastInteractionAt, a.ConsecutiveErrors)
	snapshot := *a
	p.mu.Unlock()

	if err := p.repo.SaveActivity(ctx, snapshot); err != nil {
		p.logger.Warn("pipeline: failed to persist activity", "user_id", userID, "error", err)
	}

	if snapshot.RefreshPriority != PriorityHigh {
		return
	}
	if p.markActiveIfFree(userID) {
		go func() {
			defer p.clearActive(userID)
			p.refreshUser(context.Background(), userID, false)
		}()
	}
}

// ForceRefresh bypasses max_concurrent_refreshes (Open Question
// resolution: force_refresh is a rare operator/debug path). If a refresh
// is already in flight for userID, waits up to 10s for it to finish
// instead of starting a second one concurrently.
func (p *Pipeline) ForceRefresh(ctx context.Context, userID string) bool {
	p.activeMu.Lock()
	if done, ok := p.active[userID]; ok {
		p.activeMu.Unlock()
		select {
		case <-done:
			return true
		case <-time.After(10 * time.Second):
			return false
		case <-ctx.Done():
			return false
		}
	}
	done := make(chan struct{})
	p.active[userID] = done
	p.activeMu.Unlock()

	defer func() {
		p.activeMu.Lock()
		delete(p.active, userID)
		p.activeMu.Unlock()
		close(done)
	}()

	return p.refreshUser(ctx, userID, true) == nil
}

// GetEnrichment is the dispatcher's sole read path into the pipeline.
// Never raises; always returns a well-formed, shape-constant snapshot.
//
// The cache entry backing this is TTL-bound (15min, §4.2), which is
// shorter than the low-priority refresh interval (60min, §4.6) — a
// perfectly tracked user can have their cache entry expire long before
// the next refresh is due. Per §4.6, data_freshness=unavailable is
// reserved for a user with no snapshot at all, so a cache miss falls back
// to the last snapshot the pipeline ever computed for this user (kept in
// memory, not cache-TTL-bound) before giving up and reporting
// unavailable/empty_fallback.
func (p *Pipeline) GetEnrichment(ctx context.Context, userID string) PipelineSnapshot {
	if p.cache != nil {
		if data, ok := p.cache.Get(ctx, cache.PipelineSnapshot, userID); ok {
			var snap PipelineSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return snap
			}
		}
	}

	p.mu.RLock()
	snap, ok := p.lastSnapshot[userID]
	p.mu.RUnlock()
	if ok {
		stale := snap
		stale.DataFreshness = FreshnessDegraded
		return stale
	}

	return emptySnapshot()
}

func (p *Pipeline) markActiveIfFree(userID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if _, busy := p.active[userID]; busy {
		return false
	}
	p.active[userID] = make(chan struct{})
	return true
}

func (p *Pipeline) clearActive(userID string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if done, ok := p.active[userID]; ok {
		close(done)
		delete(p.active, userID)
	}
}

func (p *Pipeline) isActive(userID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, busy := p.active[userID]
	return busy
}

// refreshUser is the per-user refresh state machine from §4.6.
func (p *Pipeline) refreshUser(ctx context.Context, userID string, force bool) error {
	_ = force // force only affects ForceRefresh's concurrency gating, not the state machine itself

	if p.creds != nil {
		valid, err := p.creds.Valid(ctx, userID)
		if err != nil || !valid {
			p.bumpConsecutiveErrors(ctx, userID)
			return fmt.Errorf("analytics credential invalid for user %s", userID)
		}
	}

	var (
		metrics  Metrics
		quality  ContextQuality
		fresh    DataFreshness
		err      error
	)
	if p.source != nil {
		metrics, err = p.source.Comprehensive(ctx, userID)
		if err == nil {
			quality, fresh = QualityComplete, FreshnessRealTime
		} else {
			metrics, err = p.source.Basic(ctx, userID)
			if err == nil {
				quality, fresh = QualityBasicFallback, FreshnessDegraded
			}
		}
	} else {
		err = fmt.Errorf("no analytics source configured")
	}

	if err != nil {
		p.bumpConsecutiveErrors(ctx, userID)
		return err
	}

	now := time.Now()
	p.mu.Lock()
	a, ok := p.activities[userID]
	if !ok {
		a = &UserActivity{UserID: userID, LastInteractionAt: now}
		p.activities[userID] = a
	}
	a.ConsecutiveErrors = 0
	a.LastRefreshAt = now
	a.RefreshPriority = CalculateRefreshPriority(now, a.LastInteractionAt, 0)
	snapshot := *a
	if last, ok := p.lastSnapshot[userID]; ok {
		p.previous[userID] = last.KeyMetrics
	}
	p.mu.Unlock()

	if saveErr := p.repo.SaveActivity(ctx, snapshot); saveErr != nil {
		p.logger.Warn("pipeline: failed to persist activity after refresh", "user_id", userID, "error", saveErr)
	}

	snap := PipelineSnapshot{
		LastUpdated:         now,
		KeyMetrics:          metrics.KeyMetrics,
		PerformanceInsights: metrics.Insights,
		DataFreshness:       fresh,
		ContextQuality:      quality,
		TopTrafficSource:    metrics.TopTrafficSource,
	}
	if alerts, aerr := p.repo.RecentAlerts(ctx, userID, now.Add(-p.cfg.AlertDedupWindow)); aerr == nil {
		snap.RecentAlerts = alerts
	}
	p.storeSnapshot(ctx, userID, snap)

	return nil
}

func (p *Pipeline) storeSnapshot(ctx context.Context, userID string, snap PipelineSnapshot) {
	p.mu.Lock()
	p.lastSnapshot[userID] = snap
	p.mu.Unlock()

	if p.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("pipeline: failed to marshal snapshot", "user_id", userID, "error", err)
		return
	}
	p.cache.Set(ctx, cache.PipelineSnapshot, userID, data)
}

func (p *Pipeline) bumpConsecutiveErrors(ctx context.Context, userID string) {
	now := time.Now()
	p.mu.Lock()
	a, ok := p.activities[userID]
	if !ok {
		a = &UserActivity{UserID: userID, LastInteractionAt: now}
		p.activities[userID] = a
	}
	a.ConsecutiveErrors++
	if a.ConsecutiveErrors >= 3 {
		a.RefreshPriority = PriorityLow
	}
	snapshot := *a
	p.mu.Unlock()

	if err := p.repo.SaveActivity(ctx, snapshot); err != nil {
		p.logger.Warn("pipeline: failed to persist activity after error", "user_id", userID, "error", err)
	}
}

// refreshSchedulerTick is loop 1 (period 60s): select users whose
// now-last_refresh_at exceeds their priority's interval, bounded by
// max_concurrent_refreshes, and fan out via errgroup.
func (p *Pipeline) refreshSchedulerTick(ctx context.Context) {
	now := time.Now()

	p.mu.RLock()
	due := make([]string, 0, len(p.activities))
	for userID, a := range p.activities {
		if p.isActive(userID) {
			continue
		}
		interval := p.cfg.refreshInterval(a.RefreshPriority)
		if now.Sub(a.LastRefreshAt) >= interval {
			due = append(due, userID)
		}
	}
	p.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, p.cfg.MaxConcurrentRefreshes))
	for _, userID := range due {
		userID := userID
		if !p.markActiveIfFree(userID) {
			continue
		}
		eg.Go(func() error {
			defer p.clearActive(userID)
			if err := p.refreshUser(egCtx, userID, false); err != nil {
				p.logger.Info("pipeline: background refresh failed", "user_id", userID, "error", err)
			}
			return nil // errors are per-user and isolated; never abort siblings
		})
	}
	_ = eg.Wait()
}

// changeDetectorTick is loop 2 (period 5min): compare latest vs previous
// snapshot per user, emit alerts on threshold/milestone crossings, dedup
// per (user, metric, direction) within a 24h window.
func (p *Pipeline) changeDetectorTick(ctx context.Context) {
	p.mu.RLock()
	type pair struct {
		userID   string
		previous map[string]float64
	}
	pairs := make([]pair, 0, len(p.previous))
	for userID, prev := range p.previous {
		pairs = append(pairs, pair{userID, prev})
	}
	p.mu.RUnlock()

	for _, pr := range pairs {
		snap := p.GetEnrichment(ctx, pr.userID)
		if snap.ContextQuality == QualityEmptyFallback {
			continue
		}
		p.detectChanges(ctx, pr.userID, pr.previous, snap.KeyMetrics)
	}
}

func (p *Pipeline) detectChanges(ctx context.Context, userID string, previous, current map[string]float64) {
	now := time.Now()
	for metric, curVal := range current {
		prevVal, ok := previous[metric]
		if !ok || prevVal == 0 {
			continue
		}
		changePct := ((curVal - prevVal) / prevVal) * 100
		abs := changePct
		if abs < 0 {
			abs = -abs
		}

		direction := "up"
		kind := AlertSpike
		if changePct < 0 {
			direction = "down"
			kind = AlertDrop
		}

		if metric == "subscribers" && curVal-prevVal >= p.cfg.MilestoneSubscribers {
			p.emitAlert(ctx, PerformanceAlert{
				UserID: userID, Kind: AlertMilestone, Metric: metric,
				Current: curVal, Previous: prevVal, ChangePct: changePct,
				Significance: SignificanceMedium,
				Message:      fmt.Sprintf("%s gained %.0f subscribers", userID, curVal-prevVal),
				CreatedAt:    now,
			}, direction)
			continue
		}

		if abs < p.cfg.ChangeThresholdPct {
			continue
		}
		significance := SignificanceMedium
		if abs >= p.cfg.AlertThresholdPct {
			significance = SignificanceHigh
		}
		p.emitAlert(ctx, PerformanceAlert{
			UserID: userID, Kind: kind, Metric: metric,
			Current: curVal, Previous: prevVal, ChangePct: changePct,
			Significance: significance,
			Message:      fmt.Sprintf("%s for %s changed %.1f%%", metric, userID, changePct),
			CreatedAt:    now,
		}, direction)
	}
}

func (p *Pipeline) emitAlert(ctx context.Context, alert PerformanceAlert, direction string) {
	since := alert.CreatedAt.Add(-p.cfg.AlertDedupWindow)
	recent, err := p.repo.RecentAlerts(ctx, alert.UserID, since)
	if err == nil {
		for _, r := range recent {
			if r.Metric == alert.Metric && dedupDirection(r) == direction {
				return
			}
		}
	}
	if err := p.repo.SaveAlert(ctx, alert); err != nil {
		p.logger.Warn("pipeline: failed to persist alert", "user_id", alert.UserID, "metric", alert.Metric, "error", err)
	}
}

func dedupDirection(a PerformanceAlert) string {
	if a.ChangePct < 0 {
		return "down"
	}
	return "up"
}

// cacheCleanupTick is loop 3 (period 1h): purge expired local-fallback
// cache entries and prune alerts older than the retention window.
func (p *Pipeline) cacheCleanupTick(ctx context.Context) {
	if p.cache != nil {
		expired := p.cache.Sweep()
		if expired > 0 {
			p.logger.Debug("pipeline: cache cleanup swept expired entries", "count", expired)
		}
	}
	if err := p.repo.PruneAlerts(ctx, time.Now().Add(-p.cfg.AlertRetention)); err != nil {
		p.logger.Warn("pipeline: failed to prune alerts", "error", err)
	}
}
