// Package breaker implements the per-endpoint circuit breaker (C3): a
// closed/open/half-open gate in front of every specialist call, one state
// machine per specialist kind, each behind its own mutex.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vidalytics/corehub/internal/corerr"
)

// Config configures every breaker minted by a Registry. expected_kind from
// the spec (which error kinds count as failures) is modeled as a
// predicate so callers can pass corerr.Kind values without the registry
// hardcoding the taxonomy.
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	// CountsAsFailure decides whether an error returned by the guarded call
	// should count against the breaker. Defaults to "every non-nil error".
	CountsAsFailure func(error) bool
}

// DefaultConfig matches the spec's defaults: failure_threshold 5,
// recovery_timeout 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Registry owns one gobreaker instance per logical endpoint name (here,
// specialist kind), created lazily on first use. Grounded on
// model/health.go's healthState{mu, statuses map[string]*EndpointHealth}
// shape — same per-name mutex-guarded map — but delegates the actual
// state machine to sony/gobreaker rather than hand-rolling it a second
// time in this repo (gobreaker usage itself grounded on
// jordigilh-kubernaut's test/integration/notification/suite_test.go).
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewRegistry creates a breaker registry. Zero-value Config fields fall
// back to DefaultConfig's values.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.CountsAsFailure == nil {
		cfg.CountsAsFailure = func(err error) bool { return err != nil }
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte])}
}

func (r *Registry) breakerFor(name string) *gobreaker.CircuitBreaker[[]byte] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !r.cfg.CountsAsFailure(err)
		},
	}
	b := gobreaker.NewCircuitBreaker[[]byte](settings)
	r.breakers[name] = b
	return b
}

// State reports the current breaker state for a name without side
// effects, for stats/health endpoints.
func (r *Registry) State(name string) string {
	return r.breakerFor(name).State().String()
}

// Execute runs fn through the named breaker. If the breaker is open, fn is
// never called and Execute returns a corerr SpecialistUnavailable error.
// Otherwise fn's own error (if any) is recorded against the breaker and
// returned to the caller unchanged so upstream typed-error handling still
// sees the original kind.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	b := r.breakerFor(name)

	result, err := b.Execute(func() ([]byte, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, corerr.New(corerr.SpecialistUnavailable, "specialist temporarily unavailable", err).
				WithDetails(map[string]any{"specialist": name, "breaker_state": r.State(name)})
		}
		return nil, err
	}
	return result, nil
}
