package specialist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vidalytics/corehub/internal/breaker"
	"github.com/vidalytics/corehub/internal/cache"
	"github.com/vidalytics/corehub/internal/credential"
	"github.com/vidalytics/corehub/internal/tasks"
)

type fakeHandler struct {
	process func(ctx context.Context, req Request) (Response, error)
}

func (f fakeHandler) Process(ctx context.Context, req Request) (Response, error) {
	return f.process(ctx, req)
}

func successResponse(requestID string, domainMatch bool) Response {
	return Response{
		AgentType: "growth", RequestID: requestID, DomainMatch: domainMatch,
		Confidence: 0.9, Analysis: Analysis{Summary: "ok"}, ForDispatcherOnly: true,
	}
}

func newTestAdapter(t *testing.T, handlers map[string]Handler) (*Adapter, *breaker.Registry) {
	t.Helper()
	minter, err := credential.New([]byte("top-secret"), time.Minute)
	if err != nil {
		t.Fatalf("credential.New() error = %v", err)
	}
	c := cache.New(nil, cache.NewLocalStore(32), nil, 0)
	t.Cleanup(func() { c.Close() })
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	engine := tasks.New(tasks.Config{Workers: 2}, nil, nil, nil)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine.Start() error = %v", err)
	}
	t.Cleanup(func() { engine.Stop(5 * time.Second) })

	return New(minter, c, breakers, engine, handlers, nil), breakers
}

func TestCallReturnsErrorForUnknownSpecialist(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]Handler{})

	r := a.Call(context.Background(), "ghost", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r.Outcome != OutcomeError {
		t.Fatalf("Outcome = %q, want %q", r.Outcome, OutcomeError)
	}
}

func TestCallReturnsErrorWhenCredentialMintFails(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]Handler{
		"growth": fakeHandler{process: func(context.Context, Request) (Response, error) {
			t.Fatal("handler must not be called when credential minting fails")
			return Response{}, nil
		}},
	})

	// Mint rejects an empty request_id (see internal/credential), which is
	// the only practical way to make step 1 fail without a bad secret.
	r := a.Call(context.Background(), "growth", "", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r.Outcome != OutcomeError {
		t.Fatalf("Outcome = %q, want %q", r.Outcome, OutcomeError)
	}
}

func TestCallSucceedsAndCachesOnDomainMatch(t *testing.T) {
	calls := 0
	a, _ := newTestAdapter(t, map[string]Handler{
		"growth": fakeHandler{process: func(_ context.Context, req Request) (Response, error) {
			calls++
			return successResponse(req.RequestID, true), nil
		}},
	})

	r1 := a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r1.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %q, want %q", r1.Outcome, OutcomeSuccess)
	}
	if r1.Response.CacheInfo.Hit {
		t.Fatal("first call reported a cache hit")
	}

	r2 := a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r2.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %q, want %q", r2.Outcome, OutcomeSuccess)
	}
	if !r2.Response.CacheInfo.Hit {
		t.Fatal("second identical call did not hit the cache")
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1 (second call should be served from cache)", calls)
	}
}

func TestCallReportsDomainMismatchWithoutCaching(t *testing.T) {
	calls := 0
	a, _ := newTestAdapter(t, map[string]Handler{
		"growth": fakeHandler{process: func(_ context.Context, req Request) (Response, error) {
			calls++
			return successResponse(req.RequestID, false), nil
		}},
	})

	r := a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r.Outcome != OutcomeDomainMismatch {
		t.Fatalf("Outcome = %q, want %q", r.Outcome, OutcomeDomainMismatch)
	}

	a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if calls != 2 {
		t.Fatalf("handler called %d times, want 2 (a domain mismatch must not be cached)", calls)
	}
}

func TestCallReportsProtocolViolationOnMissingForDispatcherOnly(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]Handler{
		"growth": fakeHandler{process: func(_ context.Context, req Request) (Response, error) {
			resp := successResponse(req.RequestID, true)
			resp.ForDispatcherOnly = false
			return resp, nil
		}},
	})

	r := a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r.Outcome != OutcomeProtocolViolation {
		t.Fatalf("Outcome = %q, want %q", r.Outcome, OutcomeProtocolViolation)
	}
}

func TestCallReportsProtocolViolationOnRequestIDMismatch(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]Handler{
		"growth": fakeHandler{process: func(context.Context, Request) (Response, error) {
			return successResponse("some-other-request", true), nil
		}},
	})

	r := a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r.Outcome != OutcomeProtocolViolation {
		t.Fatalf("Outcome = %q, want %q", r.Outcome, OutcomeProtocolViolation)
	}
}

// TestCallReclassifiesBreakerOpenViaTypedErrKind is the regression test for
// the fix that replaced string-matching on result.Err with a switch on the
// typed result.ErrKind carried through from the task engine.
func TestCallReclassifiesBreakerOpenViaTypedErrKind(t *testing.T) {
	boom := errors.New("boom")
	a, breakers := newTestAdapter(t, map[string]Handler{
		"growth": fakeHandler{process: func(context.Context, Request) (Response, error) {
			return Response{}, boom
		}},
	})

	r1 := a.Call(context.Background(), "growth", "req-1", "user-1", "q", nil, DepthQuick, tasks.Normal)
	if r1.Outcome != OutcomeError {
		t.Fatalf("first call Outcome = %q, want %q", r1.Outcome, OutcomeError)
	}
	if got := breakers.State("growth"); got != "open" {
		t.Fatalf("breaker State() = %q after a failure with threshold 1, want %q", got, "open")
	}

	r2 := a.Call(context.Background(), "growth", "req-2", "user-1", "q2", nil, DepthQuick, tasks.Normal)
	if r2.Outcome != OutcomeBreakerOpen {
		t.Fatalf("second call Outcome = %q, want %q (breaker must be reclassified via the typed kind, not string-matched)", r2.Outcome, OutcomeBreakerOpen)
	}
}
