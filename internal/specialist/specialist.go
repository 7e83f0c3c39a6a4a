// Package specialist implements the uniform specialist adapter (C7): the
// single call site wrapping every black-box domain specialist with
// credential minting, cache-check, breaker-gating, task-engine dispatch,
// deadline enforcement, and response validation.
package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidalytics/corehub/internal/breaker"
	"github.com/vidalytics/corehub/internal/cache"
	"github.com/vidalytics/corehub/internal/corerr"
	"github.com/vidalytics/corehub/internal/credential"
	"github.com/vidalytics/corehub/internal/tasks"
)

// AnalysisDepth is one of the three depth tiers; it drives token budget,
// cache category, and default deadline.
type AnalysisDepth string

const (
	DepthQuick    AnalysisDepth = "quick"
	DepthStandard AnalysisDepth = "standard"
	DepthDeep     AnalysisDepth = "deep"
)

// TokenBudget is the {input, output} pair per §4.8 step 3.
type TokenBudget struct {
	Input  int
	Output int
}

func tokenBudgetFor(depth AnalysisDepth) TokenBudget {
	switch depth {
	case DepthStandard:
		return TokenBudget{Input: 3500, Output: 1750}
	case DepthDeep:
		return TokenBudget{Input: 5000, Output: 2500}
	default:
		return TokenBudget{Input: 2000, Output: 1000}
	}
}

func deadlineFor(depth AnalysisDepth) time.Duration {
	switch depth {
	case DepthStandard:
		return 30 * time.Second
	case DepthDeep:
		return 90 * time.Second
	default:
		return 10 * time.Second
	}
}

func cacheCategoryFor(depth AnalysisDepth) cache.Category {
	switch depth {
	case DepthStandard:
		return cache.AgentResponseStandard
	case DepthDeep:
		return cache.AgentResponseDeep
	default:
		return cache.AgentResponseQuick
	}
}

// Request is the uniform envelope handed to a specialist's process().
type Request struct {
	RequestID     string
	QueryType     string
	Context       map[string]any
	TokenBudget   TokenBudget
	AnalysisDepth AnalysisDepth
	Credential    string
}

// CacheInfo reports whether a response came from cache.
type CacheInfo struct {
	Hit          bool
	TTLRemaining time.Duration
}

// Analysis is the specialist's substantive output.
type Analysis struct {
	Summary           string
	KeyInsights       []string
	Recommendations   []string
	Metrics           map[string]float64
	DetailedAnalysis  string
}

// Response is the uniform envelope every specialist must return.
type Response struct {
	AgentType         string
	RequestID         string
	DomainMatch       bool
	Confidence        float64
	Analysis          Analysis
	TokenUsage        int
	CacheInfo         CacheInfo
	ProcessingTimeMs  int64
	ForDispatcherOnly bool
}

// Handler is the interface every specialist implements (spec.md §9's
// duck-typed-dict-of-callables redesigned as an interface plus a keyed
// registry).
type Handler interface {
	Process(ctx context.Context, req Request) (Response, error)
}

// Outcome classifies how a specialist call ended, for the dispatcher's
// agents_failed bookkeeping.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeDomainMismatch Outcome = "domain_mismatch"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeBreakerOpen    Outcome = "breaker_open"
	OutcomeError          Outcome = "error"
	OutcomeProtocolViolation Outcome = "protocol_violation"
)

// Result pairs a call's outcome with its response (when there is one).
type Result struct {
	SpecialistID string
	Outcome      Outcome
	Response     *Response
	Err          error
}

// Adapter wires the four cross-cutting primitives around a registry of
// specialist Handlers.
type Adapter struct {
	minter   *credential.Minter
	cache    *cache.Cache
	breakers *breaker.Registry
	engine   *tasks.Engine
	logger   *slog.Logger

	handlers map[string]Handler
}

// New constructs an Adapter over a fixed specialist registry.
func New(minter *credential.Minter, c *cache.Cache, breakers *breaker.Registry, engine *tasks.Engine, handlers map[string]Handler, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{minter: minter, cache: c, breakers: breakers, engine: engine, handlers: handlers, logger: logger}
}

// Call is the uniform call site from §4.7, steps 1-7.
func (a *Adapter) Call(ctx context.Context, specialistID string, requestID, userID string, queryType string, reqCtx map[string]any, depth AnalysisDepth, priority tasks.Priority) Result {
	handler, known := a.handlers[specialistID]
	if !known {
		return Result{SpecialistID: specialistID, Outcome: OutcomeError,
			Err: corerr.New(corerr.Validation, "unknown specialist", nil).WithDetails(map[string]any{"specialist": specialistID})}
	}

	// Step 1: mint credential.
	token, err := a.minter.Mint(requestID, specialistID)
	if err != nil {
		return Result{SpecialistID: specialistID, Outcome: OutcomeError, Err: err}
	}

	// Step 2: cache check.
	key := cacheKey(specialistID, userID, queryType, reqCtx, depth)
	category := cacheCategoryFor(depth)
	if data, ok := a.cache.Get(ctx, category, key); ok {
		var cached Response
		if err := json.Unmarshal(data, &cached); err == nil {
			cached.CacheInfo = CacheInfo{Hit: true, TTLRemaining: cache.TTLFor(category)}
			return Result{SpecialistID: specialistID, Outcome: OutcomeSuccess, Response: &cached}
		}
	}

	req := Request{
		RequestID:     requestID,
		QueryType:     queryType,
		Context:       reqCtx,
		TokenBudget:   tokenBudgetFor(depth),
		AnalysisDepth: depth,
		Credential:    token,
	}
	deadline := deadlineFor(depth)

	// Step 3 + 4: breaker-gate, then dispatch through the task engine at
	// the inherited priority, enforcing the depth-derived deadline (step 5).
	taskID, err := a.engine.Submit(ctx, func(taskCtx context.Context) (any, error) {
		raw, err := a.breakers.Execute(taskCtx, specialistID, func(bctx context.Context) ([]byte, error) {
			resp, err := handler.Process(bctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		})
		if err != nil {
			return nil, err
		}
		return raw, nil
	}, tasks.SubmitOptions{Priority: priority, Timeout: deadline})
	if err != nil {
		if corerr.As(err, corerr.SpecialistUnavailable) {
			return Result{SpecialistID: specialistID, Outcome: OutcomeBreakerOpen, Err: err}
		}
		return Result{SpecialistID: specialistID, Outcome: OutcomeError, Err: err}
	}

	result, ok := a.engine.GetResult(ctx, taskID, true, deadline+time.Second)
	if !ok {
		return Result{SpecialistID: specialistID, Outcome: OutcomeTimeout,
			Err: corerr.New(corerr.SpecialistTimeout, "specialist call timed out", nil).
				WithDetails(map[string]any{"specialist": specialistID})}
	}

	switch result.Status {
	case tasks.StatusTimeout:
		return Result{SpecialistID: specialistID, Outcome: OutcomeTimeout,
			Err: corerr.New(corerr.SpecialistTimeout, "specialist call timed out", nil)}
	case tasks.StatusFailed, tasks.StatusCancelled:
		if result.ErrKind == corerr.SpecialistUnavailable {
			return Result{SpecialistID: specialistID, Outcome: OutcomeBreakerOpen,
				Err: corerr.New(corerr.SpecialistUnavailable, result.Err, nil)}
		}
		return Result{SpecialistID: specialistID, Outcome: OutcomeError,
			Err: corerr.New(corerr.SpecialistUnavailable, result.Err, nil)}
	}

	raw, ok := result.Value.([]byte)
	if !ok {
		return Result{SpecialistID: specialistID, Outcome: OutcomeError,
			Err: corerr.New(corerr.System, "specialist returned malformed payload", nil)}
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{SpecialistID: specialistID, Outcome: OutcomeError, Err: corerr.New(corerr.System, "failed to decode specialist response", err)}
	}

	// Step 6: validate.
	if !resp.ForDispatcherOnly {
		return Result{SpecialistID: specialistID, Outcome: OutcomeProtocolViolation,
			Err: corerr.New(corerr.Validation, "specialist response missing for_dispatcher_only", nil)}
	}
	if resp.RequestID != requestID {
		return Result{SpecialistID: specialistID, Outcome: OutcomeProtocolViolation,
			Err: corerr.New(corerr.Validation, "specialist response request_id mismatch", nil)}
	}
	if !resp.DomainMatch {
		return Result{SpecialistID: specialistID, Outcome: OutcomeDomainMismatch, Response: &resp}
	}

	// Step 7: cache on success with domain_match=true.
	if data, err := json.Marshal(resp); err == nil {
		a.cache.Set(ctx, category, key, data)
	}

	return Result{SpecialistID: specialistID, Outcome: OutcomeSuccess, Response: &resp}
}

// cacheKey derives the C7 key shape: (specialist_id, user_id,
// hash(query_type, context_digest, analysis_depth)).
func cacheKey(specialistID, userID, queryType string, reqCtx map[string]any, depth AnalysisDepth) string {
	ctxBytes, _ := json.Marshal(reqCtx)
	h := sha256.Sum256(append([]byte(queryType+"|"+string(depth)+"|"), ctxBytes...))
	return fmt.Sprintf("%s/%s/%s", specialistID, userID, hex.EncodeToString(h[:]))
}
