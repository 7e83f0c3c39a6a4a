package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	globalCallStore   *CallStore
	globalCallStoreMu sync.RWMutex
	initOnce          sync.Once
	initErr           error
)

// LLMCallsBucket is the KV bucket name for storing LLM call records.
const LLMCallsBucket = "LLM_CALLS"

// DefaultLLMCallsTTL is the default TTL for LLM call records (7 days).
const DefaultLLMCallsTTL = 7 * 24 * time.Hour

// CallRecord represents a single LLM API call with full context for
// trajectory tracking (kept as optional instrumentation, not load-bearing
// for dispatch itself).
type CallRecord struct {
	RequestID        string    `json:"request_id"`
	TraceID          string    `json:"trace_id"`
	LoopID           string    `json:"loop_id,omitempty"`
	Capability       string    `json:"capability"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Messages         []Message `json:"messages"`
	Response         string    `json:"response"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ContextBudget    int       `json:"context_budget,omitempty"`
	ContextTruncated bool      `json:"context_truncated,omitempty"`
	FinishReason     string    `json:"finish_reason"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMs       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
	Retries          int       `json:"retries"`
	FallbacksUsed    []string  `json:"fallbacks_used,omitempty"`
}

// CallStore persists LLM call records to a JetStream KV bucket for
// trajectory tracking. Built directly on nats.go/jetstream, the same
// dependency internal/cache's remote store uses, rather than a
// natsclient wrapper.
type CallStore struct {
	bucket jetstream.KeyValue
	ttl    time.Duration
	logger *slog.Logger
}

// CallStoreOption configures a CallStore.
type CallStoreOption func(*CallStore)

// WithCallsTTL sets the TTL for LLM call records.
func WithCallsTTL(ttl time.Duration) CallStoreOption {
	return func(s *CallStore) {
		s.ttl = ttl
	}
}

// WithStoreLogger sets the logger for the LLM call store.
func WithStoreLogger(logger *slog.Logger) CallStoreOption {
	return func(s *CallStore) {
		s.logger = logger
	}
}

// NewCallStore creates a new LLM call store. The context is used for the
// initial bucket creation/update operation.
func NewCallStore(ctx context.Context, js jetstream.JetStream, opts ...CallStoreOption) (*CallStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context required")
	}

	s := &CallStore{
		ttl:    DefaultLLMCallsTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      LLMCallsBucket,
		Description: "LLM call records for trajectory tracking",
		TTL:         s.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	s.bucket = bucket
	return s, nil
}

// InitGlobalCallStore initializes the global LLM call store. Safe to call
// multiple times; subsequent calls return the cached result. If
// initialization fails, GlobalCallStore returns nil, which gracefully
// disables trajectory tracking rather than failing the caller.
func InitGlobalCallStore(ctx context.Context, js jetstream.JetStream, opts ...CallStoreOption) error {
	initOnce.Do(func() {
		store, err := NewCallStore(ctx, js, opts...)
		if err != nil {
			initErr = err
			return
		}
		globalCallStoreMu.Lock()
		globalCallStore = store
		globalCallStoreMu.Unlock()
	})
	return initErr
}

// GlobalCallStore returns the global LLM call store, or nil if
// InitGlobalCallStore hasn't been called.
func GlobalCallStore() *CallStore {
	globalCallStoreMu.RLock()
	defer globalCallStoreMu.RUnlock()
	return globalCallStore
}

// Store saves an LLM call record, keyed by trace_id.request_id (dot
// separator since NATS KV keys don't support colons) to enable prefix
// queries by trace.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	key := record.RequestID
	if record.TraceID != "" {
		key = fmt.Sprintf("%s.%s", record.TraceID, record.RequestID)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get retrieves an LLM call record by its key.
func (s *CallStore) Get(ctx context.Context, key string) (*CallRecord, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var record CallRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

// GetByTraceID retrieves all LLM call records for a given trace ID, in
// chronological order.
func (s *CallStore) GetByTraceID(ctx context.Context, traceID string) ([]*CallRecord, error) {
	if traceID == "" {
		return nil, fmt.Errorf("trace_id is required")
	}

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []*CallRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := traceID + "."
	var records []*CallRecord
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				s.logger.Warn("Failed to get key", "key", key, "error", err)
			}
			continue
		}
		var record CallRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			s.logger.Warn("Failed to unmarshal record", "key", key, "error", err)
			continue
		}
		records = append(records, &record)
	}

	SortByStartTime(records)
	return records, nil
}

// Delete removes an LLM call record by its key.
func (s *CallStore) Delete(ctx context.Context, key string) error {
	return s.bucket.Delete(ctx, key)
}

// SortByStartTime sorts records chronologically by StartedAt.
func SortByStartTime(records []*CallRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// TraceContext holds trace information extracted from context.
type TraceContext struct {
	TraceID string
	LoopID  string
}

type traceContextKey struct{}

// WithTraceContext adds trace information to a context.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext extracts trace information from a context.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}
