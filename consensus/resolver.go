package consensus

import (
	"fmt"
	"slices"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/logging"
)

// strategyFunc reduces a non-empty response set to one result. It fills
// the strategy specific fields; Resolve adds the shared ones.
type strategyFunc func(responses []core.ModelResponse, cfg Config) *core.ConsensusResult

var strategies = map[core.Strategy]strategyFunc{
	core.StrategyWeighted:     weighted,
	core.StrategyMajority:     majority,
	core.StrategyUnanimous:    unanimous,
	core.StrategyBestOfN:      bestOfN,
	core.StrategyHierarchical: hierarchical,
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Logger logging.Logger
}

// Resolver turns model responses into a single ConsensusResult. It is
// stateless and safe for concurrent use; equal inputs give equal outputs.
type Resolver struct {
	logger logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(optFns ...func(o *ResolverOptions)) *Resolver {
	opts := ResolverOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Resolver{logger: opts.Logger}
}

// Resolve applies strategy to responses. It returns core.ErrNoResponses for
// an empty set and a *core.ValidationError for an unknown strategy. The
// empty strategy selects weighted.
//
// The result's RequestID, ProcessingTime and CompletedAt are left for the
// caller to fill.
func (r *Resolver) Resolve(responses []core.ModelResponse, strategy core.Strategy, cfg Config) (*core.ConsensusResult, error) {
	if len(responses) == 0 {
		return nil, core.ErrNoResponses
	}
	if strategy == "" {
		strategy = core.StrategyWeighted
	}
	fn, ok := strategies[strategy]
	if !ok {
		return nil, &core.ValidationError{Field: "strategy", Value: string(strategy), Message: "unknown consensus strategy"}
	}

	res := fn(responses, cfg)
	res.Strategy = strategy
	res.TotalResponses = len(responses)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["all_responses"] = slices.Clone(responses)
	res.Metadata["agreement"] = AnalyzeAgreement(responses)

	r.logger.Debug("Consensus resolved",
		"strategy", string(strategy),
		"responses", len(responses),
		"confidence", res.Confidence,
		"participating", len(res.ParticipatingModels),
	)

	return res, nil
}

// Supported reports whether strategy can be resolved.
func Supported(strategy core.Strategy) bool {
	_, ok := strategies[strategy]
	return ok
}

func modelNames(responses []core.ModelResponse) []string {
	names := make([]string, len(responses))
	for i, r := range responses {
		names[i] = r.Model
	}
	return names
}

// mostConfident returns the first response with maximal confidence.
func mostConfident(responses []core.ModelResponse) core.ModelResponse {
	best := responses[0]
	for _, r := range responses[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best
}

func meanConfidence(responses []core.ModelResponse) float64 {
	sum := 0.0
	for _, r := range responses {
		sum += r.Confidence
	}
	return sum / float64(len(responses))
}

// ModelScore pairs a model with a strategy specific score.
type ModelScore struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
}

func (s ModelScore) String() string { return fmt.Sprintf("%s=%.4f", s.Model, s.Score) }
