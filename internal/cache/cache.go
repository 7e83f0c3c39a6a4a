// Package cache implements the category-keyed distributed cache (C2): a
// K/V store with per-category TTLs, backed primarily by a remote store and
// falling back to an in-process LRU when the remote is unreachable. All
// operations are soft-fail — callers never see a cache error, only an
// absence.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Category is one of the enumerated cache categories; each drives a fixed
// TTL (§4.2 of the spec).
type Category string

const (
	AgentResponseQuick    Category = "agent_response_quick"
	AgentResponseStandard Category = "agent_response_standard"
	AgentResponseDeep     Category = "agent_response_deep"
	UserContext           Category = "user_context"
	PipelineSnapshot      Category = "pipeline_snapshot"
	TaskStatus            Category = "task_status"
	BreakerState          Category = "breaker_state"
)

// TTLFor returns the fixed TTL for a category, or zero if the category is
// unrecognized (callers should treat zero as "do not cache").
func TTLFor(c Category) time.Duration {
	switch c {
	case AgentResponseQuick:
		return 15 * time.Minute
	case AgentResponseStandard:
		return 2 * time.Hour
	case AgentResponseDeep:
		return 4 * time.Hour
	case UserContext:
		return time.Hour
	case PipelineSnapshot:
		return 15 * time.Minute
	case TaskStatus:
		return time.Hour
	case BreakerState:
		return 60 * time.Second
	default:
		return 0
	}
}

// Store is the minimal contract a backing K/V implementation must satisfy.
// Both the remote (NATS KV) and local (LRU) implementations satisfy it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys currently held, used by invalidate(prefix) and
	// by cache-cleanup sweeps. Implementations may return a snapshot.
	Keys(ctx context.Context) ([]string, error)
	// Name identifies the store for logging ("remote" or "local").
	Name() string
}

// Prober is implemented by remote stores that can be health-checked on a
// background interval to decide whether to stop routing to the fallback.
type Prober interface {
	Ping(ctx context.Context) error
}

// Cache is the C2 façade: soft-fail reads/writes routed to a primary
// remote store, or to a local fallback when the remote is absent or
// unreachable. Mirrors llm.CallStore's role as a thin wrapper over a
// jetstream.KeyValue bucket, generalized to many categories and a second
// tier.
type Cache struct {
	logger *slog.Logger

	remote Store // may be nil if no remote configured
	local  Store // always present

	probeInterval time.Duration
	cancelProbe   context.CancelFunc

	remoteUp atomic.Bool
}

// New constructs a Cache. remote may be nil, in which case every operation
// routes to the local fallback from the start. If remote is non-nil, a
// background probe (ticking every probeInterval, default 30s) flips
// routing back to remote once it becomes reachable; fallback contents are
// never promoted into remote on reconnect (they are not authoritative).
func New(remote Store, local Store, logger *slog.Logger, probeInterval time.Duration) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	c := &Cache{
		logger:        logger,
		remote:        remote,
		local:         local,
		probeInterval: probeInterval,
	}
	c.remoteUp.Store(remote != nil)
	if remote != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelProbe = cancel
		go c.probeLoop(ctx)
	}
	return c
}

// Close stops the background reconnect probe, if any.
func (c *Cache) Close() {
	if c.cancelProbe != nil {
		c.cancelProbe()
	}
}

func (c *Cache) active() Store {
	if c.remote != nil && c.remoteUp.Load() {
		return c.remote
	}
	return c.local
}

func (c *Cache) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()
	prober, ok := c.remote.(Prober)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ok {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := prober.Ping(pctx)
			cancel()
			up := err == nil
			if up != c.remoteUp.Load() {
				c.logger.Info("cache remote reachability changed", "reachable", up)
			}
			c.remoteUp.Store(up)
		}
	}
}

// Get returns the cached value for key under category, or (nil, false) on
// miss or any store error. Never returns an error — soft-fail is the
// contract. category is required (not just at Set time) because the
// remote store routes to one bucket per category; this is a deliberate
// adaptation of the design-level get(key) operation to a statically
// bucketed backing store.
func (c *Cache) Get(ctx context.Context, category Category, key string) ([]byte, bool) {
	store := c.active()
	v, ok, err := store.Get(ctx, CompositeKey(category, key))
	if err != nil {
		c.logger.Warn("cache get failed, treating as miss", "store", store.Name(), "error", err)
		return nil, false
	}
	return v, ok
}

// Set writes value under key with the TTL for category. Returns false on
// any failure; callers must treat false as non-fatal.
func (c *Cache) Set(ctx context.Context, category Category, key string, value []byte) bool {
	ttl := TTLFor(category)
	if ttl == 0 {
		c.logger.Warn("cache set with unrecognized category, skipping", "category", category)
		return false
	}
	store := c.active()
	if err := store.Set(ctx, CompositeKey(category, key), value, ttl); err != nil {
		c.logger.Warn("cache set failed", "store", store.Name(), "error", err)
		return false
	}
	return true
}

// Delete removes key from category in the active store. Returns false on
// any failure.
func (c *Cache) Delete(ctx context.Context, category Category, key string) bool {
	store := c.active()
	if err := store.Delete(ctx, CompositeKey(category, key)); err != nil {
		c.logger.Warn("cache delete failed", "store", store.Name(), "error", err)
		return false
	}
	return true
}

// Invalidate deletes every key in category whose suffix has the given
// prefix, best-effort.
func (c *Cache) Invalidate(ctx context.Context, category Category, prefix string) int {
	store := c.active()
	keys, err := store.Keys(ctx)
	if err != nil {
		c.logger.Warn("cache invalidate: list keys failed", "store", store.Name(), "error", err)
		return 0
	}
	full := CompositeKey(category, prefix)
	n := 0
	for _, k := range keys {
		if len(k) < len(full) || k[:len(full)] != full {
			continue
		}
		if err := store.Delete(ctx, k); err == nil {
			n++
		}
	}
	return n
}

// Sweep purges cache entries past their TTL from whichever store is local
// (the remote store enforces bucket TTL itself; only the LRU fallback
// needs an explicit sweep). Used by the pipeline's cache-cleanup loop.
func (c *Cache) Sweep() int {
	if ls, ok := c.local.(*LocalStore); ok {
		return ls.Sweep()
	}
	return 0
}

// NewKey builds a cache key for the specialist-adapter lookup shape used
// by C7: (specialist_id, user_id, hash(query_type, context_digest, depth)).
// Kept here rather than in internal/specialist since key construction is a
// cache concern shared by any caller that needs a stable key.
func NewKey(parts ...string) string {
	digest := uuid.NewSHA1(uuid.NameSpaceOID, []byte(joinParts(parts)))
	return digest.String()
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x1f"
		}
		out += p
	}
	return out
}
