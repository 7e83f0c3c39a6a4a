package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidalytics/corehub/internal/corerr"
	"github.com/vidalytics/corehub/internal/pipeline"
	"github.com/vidalytics/corehub/internal/specialist"
	"github.com/vidalytics/corehub/internal/tasks"
)

// Enricher is the enrichment read path the dispatcher depends on; satisfied
// by *pipeline.Pipeline in production and faked in tests.
type Enricher interface {
	GetEnrichment(ctx context.Context, userID string) pipeline.PipelineSnapshot
}

// SpecialistCaller is the uniform specialist call site the dispatcher fans
// out over; satisfied by *specialist.Adapter in production and faked in
// tests.
type SpecialistCaller interface {
	Call(ctx context.Context, specialistID, requestID, userID, queryType string, reqCtx map[string]any, depth specialist.AnalysisDepth, priority tasks.Priority) specialist.Result
}

// Dispatcher is the composition of the enrich/classify/dispatch/collect/
// synthesize pipeline over a fixed specialist registry.
type Dispatcher struct {
	cfg Config

	pipeline    Enricher
	adapter     SpecialistCaller
	classifier  Classifier
	synthesizer Synthesizer

	// allSpecialists is the full registered set, used for the
	// "comprehensive" intent tag and as the universe the classifier's
	// suggestions are validated against.
	allSpecialists []string

	logger *slog.Logger
}

// New wires a Dispatcher. classifier/synthesizer may be nil only if the
// caller intends to override HandleQuery's behavior some other way; the
// composition root (internal/corehub) always supplies the LLM-backed
// defaults from classify.go.
func New(cfg Config, p Enricher, adapter SpecialistCaller, allSpecialists []string, classifier Classifier, synthesizer Synthesizer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultDeadline <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		cfg:            cfg,
		pipeline:       p,
		adapter:        adapter,
		classifier:     classifier,
		synthesizer:    synthesizer,
		allSpecialists: allSpecialists,
		logger:         logger,
	}
}

// HandleQuery is the dispatcher's sole external operation (§4.8). It never
// raises: any internal failure is absorbed into a degraded FinalResponse.
func (d *Dispatcher) HandleQuery(ctx context.Context, userID, message string, metadata map[string]any) (resp FinalResponse) {
	start := time.Now()
	requestID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher panic recovered", "request_id", requestID, "panic", r)
			resp = d.degradedResponse(requestID, start, corerr.New(corerr.System, "internal dispatcher error", nil))
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DefaultDeadline)
	defer cancel()

	// Step 1: enrich.
	snapshot := d.pipeline.GetEnrichment(dctx, userID)

	// Step 2: classify, applying the confidence-banded selection policy.
	intent, selected := d.classify(dctx, message, snapshot)

	// Step 3+4: select/dispatch and collect, fanned out with per-specialist
	// isolation so one failure never blocks the others (§4.8 steps 3-4).
	var results []specialist.Result
	if len(selected) > 0 {
		results = d.fanOut(dctx, requestID, userID, message, selected, snapshot, metadata)
	}

	sources := make([]string, 0, len(results))
	agentsFailed := make(map[string]string)
	tokenUsage := 0
	successes := make([]specialist.Result, 0, len(results))
	for _, r := range results {
		switch r.Outcome {
		case specialist.OutcomeSuccess:
			successes = append(successes, r)
			sources = append(sources, r.SpecialistID)
			if r.Response != nil {
				tokenUsage += r.Response.TokenUsage
			}
		case specialist.OutcomeDomainMismatch:
			// Still billed: the specialist ran and spent tokens even
			// though its answer doesn't apply.
			agentsFailed[r.SpecialistID] = string(specialist.OutcomeDomainMismatch)
			if r.Response != nil {
				tokenUsage += r.Response.TokenUsage
			}
		default:
			agentsFailed[r.SpecialistID] = string(r.Outcome)
		}
	}

	degraded := len(selected) > 0 && len(successes) == 0

	// Step 5: synthesize, always — even from zero successes.
	text, err := d.synthesize(dctx, message, snapshot, successes)
	if err != nil {
		degraded = true
	}

	return FinalResponse{
		RequestID:        requestID,
		Text:             text,
		Intent:           intent.Tag,
		Sources:          sources,
		TokenUsage:       tokenUsage,
		AgentsFailed:     agentsFailed,
		Degraded:         degraded,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

// classify applies §4.8 step 2's confidence bands on top of the
// Classifier's raw suggestion, returning the specialist set to dispatch.
func (d *Dispatcher) classify(ctx context.Context, message string, snapshot pipeline.PipelineSnapshot) (Intent, []string) {
	if d.classifier == nil {
		return Intent{Tag: "general"}, nil
	}

	intent, err := d.classifier(ctx, message, snapshot)
	if err != nil {
		d.logger.Warn("intent classification failed, falling back to general", "err", err)
		return Intent{Tag: "general"}, nil
	}

	switch {
	case intent.Tag == "general" || intent.Confidence < d.cfg.MidConfidence:
		return intent, nil
	case intent.Tag == "comprehensive":
		return intent, d.allSpecialists
	case intent.Confidence >= d.cfg.HighConfidence:
		return intent, intent.SuggestedSpecialists
	default:
		if len(intent.SuggestedSpecialists) == 0 {
			return intent, nil
		}
		return intent, intent.SuggestedSpecialists[:1]
	}
}

// fanOut dispatches to every selected specialist concurrently, one
// goroutine each, joined by a sync.WaitGroup: a failing specialist records
// its own Result and never cancels its siblings — only the caller's own
// context deadline does that.
func (d *Dispatcher) fanOut(ctx context.Context, requestID, userID, message string, selected []string, snapshot pipeline.PipelineSnapshot, metadata map[string]any) []specialist.Result {
	results := make([]specialist.Result, len(selected))
	reqCtx := buildSpecialistContext(message, snapshot, metadata)

	var wg sync.WaitGroup
	wg.Add(len(selected))
	for i, id := range selected {
		i, id := i, id
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("specialist call panicked", "specialist", id, "panic", r)
					results[i] = specialist.Result{SpecialistID: id, Outcome: specialist.OutcomeError}
				}
			}()
			results[i] = d.adapter.Call(ctx, id, requestID, userID, d.queryTypeFor(id), reqCtx, specialist.DepthStandard, tasks.High)
		}()
	}
	wg.Wait()
	return results
}

// queryTypeFor is a hook point for routing per specialist; by default the
// specialist ID doubles as its query type since the dispatcher has no
// finer-grained taxonomy of its own.
func (d *Dispatcher) queryTypeFor(specialistID string) string {
	return specialistID
}

func buildSpecialistContext(message string, snapshot pipeline.PipelineSnapshot, metadata map[string]any) map[string]any {
	ctx := map[string]any{
		"message":         message,
		"key_metrics":     snapshot.KeyMetrics,
		"data_freshness":  snapshot.DataFreshness,
		"context_quality": snapshot.ContextQuality,
	}
	for k, v := range metadata {
		ctx[k] = v
	}
	return ctx
}

func (d *Dispatcher) synthesize(ctx context.Context, message string, snapshot pipeline.PipelineSnapshot, successes []specialist.Result) (string, error) {
	if d.synthesizer == nil {
		return fallbackSynthesis(successes), nil
	}
	text, err := d.synthesizer(ctx, message, snapshot, successes)
	if err != nil {
		return fallbackSynthesis(successes), err
	}
	return text, nil
}

// fallbackSynthesis is the last-resort text used when synthesis itself
// fails or is unavailable; it never errors, keeping the "dispatcher never
// raises" contract at the very end of the pipeline.
func fallbackSynthesis(successes []specialist.Result) string {
	if len(successes) == 0 {
		return "I wasn't able to reach any specialists for this request. Please try again shortly."
	}
	return successes[0].Response.Analysis.Summary
}

func (d *Dispatcher) degradedResponse(requestID string, start time.Time, err error) FinalResponse {
	return FinalResponse{
		RequestID:        requestID,
		Text:             "Something went wrong processing this request.",
		Intent:           "general",
		Sources:          nil,
		TokenUsage:       0,
		AgentsFailed:     map[string]string{"dispatcher": err.Error()},
		Degraded:         true,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}
