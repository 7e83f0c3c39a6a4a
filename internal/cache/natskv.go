package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RemoteStore is the primary cache store: one JetStream KV bucket per
// category, each created with a bucket-level TTL matching TTLFor(category).
// Grounded on llm/store.go's CallStore, which wraps a single
// jetstream.KeyValue bucket with CreateOrUpdateKeyValue; this generalizes
// that to one bucket per cache category.
type RemoteStore struct {
	js      jetstream.JetStream
	buckets map[Category]jetstream.KeyValue
}

// bucketName derives a stable JetStream bucket name from a category.
func bucketName(c Category) string {
	return "CACHE_" + strings.ToUpper(string(c))
}

// NewRemoteStore creates or reuses a KV bucket for every known category.
func NewRemoteStore(ctx context.Context, js jetstream.JetStream) (*RemoteStore, error) {
	if js == nil {
		return nil, errors.New("jetstream context required")
	}
	rs := &RemoteStore{js: js, buckets: make(map[Category]jetstream.KeyValue)}

	categories := []Category{
		AgentResponseQuick, AgentResponseStandard, AgentResponseDeep,
		UserContext, PipelineSnapshot, TaskStatus, BreakerState,
	}
	for _, cat := range categories {
		bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketName(cat),
			Description: fmt.Sprintf("corehub cache category %s", cat),
			TTL:         TTLFor(cat),
		})
		if err != nil {
			return nil, fmt.Errorf("create/update kv bucket %s: %w", cat, err)
		}
		rs.buckets[cat] = bucket
	}
	return rs, nil
}

func (r *RemoteStore) Name() string { return "remote" }

// Ping satisfies Prober by fetching the status of the user_context bucket.
func (r *RemoteStore) Ping(ctx context.Context) error {
	bucket, ok := r.buckets[UserContext]
	if !ok {
		return errors.New("no buckets configured")
	}
	_, err := bucket.Status(ctx)
	return err
}

// splitCompositeKey parses the "<category>:<key>" composite key used by Get/Set
// below so a single RemoteStore can satisfy the flat cache.Store
// interface while routing to per-category buckets underneath.
func splitCompositeKey(key string) (Category, string, bool) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return "", "", false
	}
	return Category(key[:idx]), key[idx+1:], true
}

// CompositeKey builds the "<category>:<key>" form RemoteStore expects.
// Callers that go through Cache never need this directly — Cache always
// knows its category at Set time — but exposing it keeps the bucket
// routing convention in one documented place.
func CompositeKey(category Category, key string) string {
	return string(category) + ":" + key
}

func (r *RemoteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cat, raw, ok := splitCompositeKey(key)
	if !ok {
		return nil, false, fmt.Errorf("malformed cache key %q: missing category prefix", key)
	}
	bucket, ok := r.buckets[cat]
	if !ok {
		return nil, false, fmt.Errorf("unknown cache category %q", cat)
	}
	entry, err := bucket.Get(ctx, sanitizeKVKey(raw))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (r *RemoteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cat, raw, ok := splitCompositeKey(key)
	if !ok {
		return fmt.Errorf("malformed cache key %q: missing category prefix", key)
	}
	bucket, ok := r.buckets[cat]
	if !ok {
		return fmt.Errorf("unknown cache category %q", cat)
	}
	// ttl is accepted for interface symmetry; actual expiry is enforced by
	// the bucket's own TTL set at creation time (see NewRemoteStore).
	_ = ttl
	_, err := bucket.Put(ctx, sanitizeKVKey(raw), value)
	return err
}

func (r *RemoteStore) Delete(ctx context.Context, key string) error {
	cat, raw, ok := splitCompositeKey(key)
	if !ok {
		return fmt.Errorf("malformed cache key %q: missing category prefix", key)
	}
	bucket, ok := r.buckets[cat]
	if !ok {
		return fmt.Errorf("unknown cache category %q", cat)
	}
	return bucket.Delete(ctx, sanitizeKVKey(raw))
}

func (r *RemoteStore) Keys(ctx context.Context) ([]string, error) {
	var all []string
	for cat, bucket := range r.buckets {
		keys, err := bucket.Keys(ctx)
		if err != nil {
			if errors.Is(err, jetstream.ErrNoKeysFound) {
				continue
			}
			return nil, err
		}
		for _, k := range keys {
			all = append(all, CompositeKey(cat, k))
		}
	}
	return all, nil
}

// sanitizeKVKey replaces colons, which NATS KV keys disallow, with dots —
// the same separator llm/store.go joins its trace_id.request_id keys with.
func sanitizeKVKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
