package dispatcher

import (
	"context"
	"testing"

	"github.com/vidalytics/corehub/internal/pipeline"
	"github.com/vidalytics/corehub/internal/specialist"
	"github.com/vidalytics/corehub/internal/tasks"
)

type fakeEnricher struct{ snapshot pipeline.PipelineSnapshot }

func (f fakeEnricher) GetEnrichment(context.Context, string) pipeline.PipelineSnapshot {
	return f.snapshot
}

type fakeCaller struct {
	results map[string]specialist.Result
}

func (f fakeCaller) Call(_ context.Context, specialistID, requestID, _, _ string, _ map[string]any, _ specialist.AnalysisDepth, _ tasks.Priority) specialist.Result {
	r, ok := f.results[specialistID]
	if !ok {
		return specialist.Result{SpecialistID: specialistID, Outcome: specialist.OutcomeError}
	}
	r.SpecialistID = specialistID
	if r.Response != nil {
		r.Response.RequestID = requestID
	}
	return r
}

func successResult(summary string, tokens int, domainMatch bool) specialist.Result {
	outcome := specialist.OutcomeSuccess
	if !domainMatch {
		outcome = specialist.OutcomeDomainMismatch
	}
	return specialist.Result{
		Outcome: outcome,
		Response: &specialist.Response{
			DomainMatch: domainMatch,
			TokenUsage:  tokens,
			Analysis:    specialist.Analysis{Summary: summary},
		},
	}
}

func TestHandleQuery_HighConfidenceDispatchesAllSuggested(t *testing.T) {
	caller := fakeCaller{results: map[string]specialist.Result{
		"growth":  successResult("subscribers up 10%", 120, true),
		"content": successResult("top video trending", 90, true),
	}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{Tag: "growth", Confidence: 0.9, SuggestedSpecialists: []string{"growth", "content"}}, nil
	}
	synthesizer := func(_ context.Context, _ string, _ pipeline.PipelineSnapshot, successes []specialist.Result) (string, error) {
		if len(successes) != 2 {
			t.Fatalf("expected 2 successes in synthesis, got %d", len(successes))
		}
		return "synthesized answer", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth", "content", "monetization"}, classifier, synthesizer, nil)
	resp := d.HandleQuery(context.Background(), "user-1", "how is my channel doing?", nil)

	if resp.Degraded {
		t.Error("expected non-degraded response")
	}
	if resp.TokenUsage != 210 {
		t.Errorf("expected token usage 210, got %d", resp.TokenUsage)
	}
	if len(resp.Sources) != 2 {
		t.Errorf("expected 2 sources, got %v", resp.Sources)
	}
	if resp.Text != "synthesized answer" {
		t.Errorf("unexpected text: %q", resp.Text)
	}
}

func TestHandleQuery_MidConfidenceNarrowsToTopSpecialist(t *testing.T) {
	var called []string
	caller := fakeCaller{results: map[string]specialist.Result{
		"growth": successResult("ok", 10, true),
	}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{Tag: "growth", Confidence: 0.5, SuggestedSpecialists: []string{"growth", "content"}}, nil
	}
	synthesizer := func(_ context.Context, _ string, _ pipeline.PipelineSnapshot, successes []specialist.Result) (string, error) {
		for _, s := range successes {
			called = append(called, s.SpecialistID)
		}
		return "ok", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth", "content"}, classifier, synthesizer, nil)
	d.HandleQuery(context.Background(), "user-1", "msg", nil)

	if len(called) != 1 || called[0] != "growth" {
		t.Errorf("expected only the top suggested specialist to run, got %v", called)
	}
}

func TestHandleQuery_LowConfidenceSkipsDispatch(t *testing.T) {
	caller := fakeCaller{results: map[string]specialist.Result{}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{Tag: "growth", Confidence: 0.1, SuggestedSpecialists: []string{"growth"}}, nil
	}
	synthCalled := false
	synthesizer := func(_ context.Context, _ string, _ pipeline.PipelineSnapshot, successes []specialist.Result) (string, error) {
		synthCalled = true
		if len(successes) != 0 {
			t.Fatalf("expected zero successes, got %d", len(successes))
		}
		return "general answer", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth"}, classifier, synthesizer, nil)
	resp := d.HandleQuery(context.Background(), "user-1", "msg", nil)

	if !synthCalled {
		t.Error("synthesizer should still run on the general path")
	}
	if resp.Degraded {
		t.Error("skipping dispatch on low confidence is not itself degraded")
	}
	if len(resp.Sources) != 0 {
		t.Errorf("expected no sources, got %v", resp.Sources)
	}
}

func TestHandleQuery_ComprehensiveDispatchesFullSet(t *testing.T) {
	var dispatched []string
	caller := fakeCaller{results: map[string]specialist.Result{
		"growth":       successResult("a", 1, true),
		"content":      successResult("b", 1, true),
		"monetization": successResult("c", 1, true),
	}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{Tag: "comprehensive", Confidence: 0.95}, nil
	}
	synthesizer := func(_ context.Context, _ string, _ pipeline.PipelineSnapshot, successes []specialist.Result) (string, error) {
		for _, s := range successes {
			dispatched = append(dispatched, s.SpecialistID)
		}
		return "full picture", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth", "content", "monetization"}, classifier, synthesizer, nil)
	d.HandleQuery(context.Background(), "user-1", "give me everything", nil)

	if len(dispatched) != 3 {
		t.Errorf("expected all 3 specialists dispatched, got %v", dispatched)
	}
}

func TestHandleQuery_AllSpecialistsFailIsDegraded(t *testing.T) {
	caller := fakeCaller{results: map[string]specialist.Result{
		"growth": {Outcome: specialist.OutcomeTimeout},
	}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{Tag: "growth", Confidence: 0.9, SuggestedSpecialists: []string{"growth"}}, nil
	}
	synthesizer := func(context.Context, string, pipeline.PipelineSnapshot, []specialist.Result) (string, error) {
		return "best effort", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth"}, classifier, synthesizer, nil)
	resp := d.HandleQuery(context.Background(), "user-1", "msg", nil)

	if !resp.Degraded {
		t.Error("expected degraded response when every specialist fails")
	}
	if resp.AgentsFailed["growth"] != string(specialist.OutcomeTimeout) {
		t.Errorf("expected growth recorded as timeout, got %v", resp.AgentsFailed)
	}
}

func TestHandleQuery_DomainMismatchStillCountsTokens(t *testing.T) {
	caller := fakeCaller{results: map[string]specialist.Result{
		"growth": successResult("not my domain", 50, false),
	}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{Tag: "growth", Confidence: 0.9, SuggestedSpecialists: []string{"growth"}}, nil
	}
	synthesizer := func(context.Context, string, pipeline.PipelineSnapshot, []specialist.Result) (string, error) {
		return "fallback answer", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth"}, classifier, synthesizer, nil)
	resp := d.HandleQuery(context.Background(), "user-1", "msg", nil)

	if resp.TokenUsage != 50 {
		t.Errorf("expected domain-mismatch tokens still billed, got %d", resp.TokenUsage)
	}
	if resp.AgentsFailed["growth"] != string(specialist.OutcomeDomainMismatch) {
		t.Errorf("expected domain_mismatch recorded, got %v", resp.AgentsFailed)
	}
}

func TestHandleQuery_ClassifierErrorFallsBackToGeneral(t *testing.T) {
	caller := fakeCaller{results: map[string]specialist.Result{}}
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		return Intent{}, context.DeadlineExceeded
	}
	synthesizer := func(context.Context, string, pipeline.PipelineSnapshot, []specialist.Result) (string, error) {
		return "general fallback", nil
	}

	d := New(DefaultConfig(), fakeEnricher{}, caller, []string{"growth"}, classifier, synthesizer, nil)
	resp := d.HandleQuery(context.Background(), "user-1", "msg", nil)

	if resp.Intent != "general" {
		t.Errorf("expected general intent on classifier error, got %q", resp.Intent)
	}
	if resp.Degraded {
		t.Error("classifier fallback to general is not itself degraded")
	}
}

func TestHandleQuery_NeverPanics(t *testing.T) {
	classifier := func(context.Context, string, pipeline.PipelineSnapshot) (Intent, error) {
		panic("boom")
	}
	d := New(DefaultConfig(), fakeEnricher{}, fakeCaller{}, nil, classifier, nil, nil)

	resp := d.HandleQuery(context.Background(), "user-1", "msg", nil)
	if !resp.Degraded {
		t.Error("expected degraded response after recovering from a panic")
	}
	if resp.ProcessingTimeMs < 0 {
		t.Error("expected non-negative processing time")
	}
}
