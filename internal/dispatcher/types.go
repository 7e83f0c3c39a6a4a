// Package dispatcher implements the hierarchical multi-agent dispatcher
// (C8): the single entry point that enriches a query with the real-time
// pipeline's per-user snapshot, classifies intent, selects and fans out to
// domain specialists through the uniform adapter, collects partial
// results, and synthesizes one FinalResponse.
//
// Fan-out and collection are grounded on
// theRebelliousNerd-codenerd/internal/campaign/intelligence_gatherer.go's
// idiom of every goroutine recording its own outcome out of band,
// implemented with a sync.WaitGroup rather than errgroup — a single
// specialist's failure never aborts the others, and the dispatcher itself
// never raises.
package dispatcher

import (
	"context"
	"time"

	"github.com/vidalytics/corehub/internal/pipeline"
	"github.com/vidalytics/corehub/internal/specialist"
)

// Intent is the classifier's judgment about what the query needs.
type Intent struct {
	Tag                  string
	Confidence           float64
	SuggestedSpecialists []string
}

// FinalResponse is the dispatcher's sole return type; it is always
// well-formed, even when every specialist failed.
type FinalResponse struct {
	RequestID        string            `json:"request_id"`
	Text             string            `json:"text"`
	Intent           string            `json:"intent"`
	Sources          []string          `json:"sources"`
	TokenUsage       int               `json:"token_usage"`
	AgentsFailed     map[string]string `json:"agents_failed"`
	Degraded         bool              `json:"degraded"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
}

// Config holds the dispatcher's tunables (§6 configuration table).
type Config struct {
	// DefaultDeadline bounds the whole handle_query call, independent of
	// any one specialist's own deadline.
	DefaultDeadline time.Duration

	// HighConfidence and MidConfidence are the §4.8 step-2 thresholds:
	// >= HighConfidence dispatches every suggested specialist as-is,
	// [MidConfidence, HighConfidence) narrows to the top suggestion only,
	// below MidConfidence (or tag "general") skips dispatch entirely.
	HighConfidence float64
	MidConfidence  float64
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 60 * time.Second,
		HighConfidence:  0.7,
		MidConfidence:   0.4,
	}
}

// Classifier turns a raw message plus enrichment into an Intent. The
// default implementation (classify.go) is LLM-backed; tests and
// alternative hosts can supply their own.
type Classifier func(ctx context.Context, message string, enrichment pipeline.PipelineSnapshot) (Intent, error)

// Synthesizer turns the collected specialist successes (possibly empty)
// into the final natural-language text. Called even when zero specialists
// ran or all of them failed — it must always produce something, grounded
// on enrichment alone if nothing else is available.
type Synthesizer func(ctx context.Context, message string, enrichment pipeline.PipelineSnapshot, successes []specialist.Result) (string, error)
