package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vidalytics/corehub/internal/corerr"
	"github.com/vidalytics/corehub/internal/pipeline"
	"github.com/vidalytics/corehub/internal/specialist"
	"github.com/vidalytics/corehub/llm"
	"github.com/vidalytics/corehub/model"
)

// classifyPrompt is the system prompt steering the classification call
// toward the fixed JSON contract NewLLMClassifier parses.
const classifyPrompt = `You are the intent router for a creator-analytics assistant. Given a user
message and a short summary of their current metrics, respond with a single
JSON object and nothing else:

{"tag": "<one word: performance|growth|content|monetization|comprehensive|general>",
 "confidence": <0.0-1.0>,
 "specialists": ["<specialist id>", ...]}

"comprehensive" means the question spans multiple domains at once.
"general" means no specialist applies; leave "specialists" empty.`

// synthesizePrompt steers the final-answer call.
const synthesizePrompt = `You are synthesizing a creator-analytics assistant's final answer from the
outputs of one or more domain specialists. Write a concise, direct answer
in plain text for the user. Do not mention specialists, tokens, or
internal process.`

// NewLLMClassifier builds a Classifier backed by an llm.Completer resolved
// through the capability "intent_classification".
func NewLLMClassifier(client llm.Completer) Classifier {
	return func(ctx context.Context, message string, enrichment pipeline.PipelineSnapshot) (Intent, error) {
		resp, err := client.Complete(ctx, llm.Request{
			Capability: string(model.CapabilityIntentClassification),
			Messages: []llm.Message{
				{Role: "system", Content: classifyPrompt},
				{Role: "user", Content: fmt.Sprintf("metrics: %s\n\nmessage: %s", summarizeMetrics(enrichment), message)},
			},
			MaxTokens: 300,
		})
		if err != nil {
			return Intent{}, corerr.New(corerr.ExternalAPI, "intent classification call failed", err).WithStatus(llmErrStatus(err))
		}
		return parseIntent(resp.Content)
	}
}

// NewLLMSynthesizer builds a Synthesizer backed by an llm.Completer resolved
// through the capability "response_synthesis".
func NewLLMSynthesizer(client llm.Completer) Synthesizer {
	return func(ctx context.Context, message string, enrichment pipeline.PipelineSnapshot, successes []specialist.Result) (string, error) {
		resp, err := client.Complete(ctx, llm.Request{
			Capability: string(model.CapabilityResponseSynthesis),
			Messages: []llm.Message{
				{Role: "system", Content: synthesizePrompt},
				{Role: "user", Content: fmt.Sprintf("user question: %s\n\nmetrics: %s\n\nspecialist findings:\n%s",
					message, summarizeMetrics(enrichment), summarizeFindings(successes))},
			},
			MaxTokens: 800,
		})
		if err != nil {
			return "", corerr.New(corerr.ExternalAPI, "response synthesis call failed", err).WithStatus(llmErrStatus(err))
		}
		return resp.Content, nil
	}
}

// llmErrStatus maps the llm package's transient/fatal distinction onto the
// HTTP-ish status corerr.Error.Retryable checks for ExternalAPI errors, so
// a fatal LLM failure (bad request, auth) isn't retried the way a
// transient one (rate limit, 5xx, network) is.
func llmErrStatus(err error) int {
	if llm.IsFatal(err) {
		return 400
	}
	return 503
}

func summarizeMetrics(s pipeline.PipelineSnapshot) string {
	if len(s.KeyMetrics) == 0 {
		return fmt.Sprintf("(no live metrics, freshness=%s, quality=%s)", s.DataFreshness, s.ContextQuality)
	}
	var b strings.Builder
	first := true
	for k, v := range s.KeyMetrics {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strconv.FormatFloat(v, 'f', 2, 64))
	}
	return b.String()
}

func summarizeFindings(successes []specialist.Result) string {
	if len(successes) == 0 {
		return "(none — answer from the metrics summary alone)"
	}
	var b strings.Builder
	for _, r := range successes {
		fmt.Fprintf(&b, "- %s: %s\n", r.SpecialistID, r.Response.Analysis.Summary)
	}
	return b.String()
}

type rawIntent struct {
	Tag         string   `json:"tag"`
	Confidence  float64  `json:"confidence"`
	Specialists []string `json:"specialists"`
}

// parseIntent extracts the classifier's JSON object, tolerating a model
// that wraps it in prose, a fenced code block, trailing commas, or
// // comments.
func parseIntent(content string) (Intent, error) {
	extracted := llm.ExtractJSON(content)
	if extracted == "" {
		return Intent{}, corerr.New(corerr.BusinessLogic, "classifier response was not JSON", nil).
			WithDetails(map[string]any{"content": content})
	}
	var raw rawIntent
	if err := json.Unmarshal([]byte(extracted), &raw); err != nil {
		return Intent{}, corerr.New(corerr.BusinessLogic, "classifier response failed to parse", err)
	}
	return Intent{Tag: raw.Tag, Confidence: raw.Confidence, SuggestedSpecialists: raw.Specialists}, nil
}
