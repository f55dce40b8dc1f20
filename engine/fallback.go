package engine

import (
	"context"
	"slices"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/fanout"
	"github.com/hupe1980/quorum/model"
)

const (
	// FallbackConfidenceFactor discounts a single model answer.
	FallbackConfidenceFactor = 0.8
	// ErrorFallbackConfidence is reported when every model failed.
	ErrorFallbackConfidence = 0.1

	FallbackReasonConsensusFailed = "consensus_failed"
	FallbackReasonAllModelsFailed = "all_models_failed"

	// ErrorFallbackMessage is the response text of an exhausted fallback.
	ErrorFallbackMessage = "I'm experiencing technical difficulties with all AI models. Please try again or contact support."
)

// fallback asks one model at a time, in fallback order, until one answers.
// It always returns a result; when every attempt failed the result is the
// error fallback and ErrAllModelsFailed is returned with it.
func (e *Engine) fallback(ctx context.Context, req *core.ConsensusRequest, clients []model.Client, fr fanout.Request) (*core.ConsensusResult, error) {
	limiter := core.NewAttemptLimiter(e.config.MaxFallbackAttempts)
	var failures []string

	for _, c := range orderForFallback(clients, e.config.FallbackOrder) {
		if ctx.Err() != nil {
			break
		}
		if err := limiter.Increment(); err != nil {
			e.logger.Warn("Fallback attempts exhausted", "request_id", req.ID, "error", err)
			break
		}
		name := c.Info().Name
		resp, err := e.executor.Call(ctx, c, fr)
		if err != nil {
			e.logger.Warn("Fallback model failed", "request_id", req.ID, "model", name,
				"remaining_attempts", limiter.Remaining(), "error", err)
			failures = append(failures, name)
			continue
		}

		e.logger.Info("Fallback model answered", "request_id", req.ID, "model", name, "attempt", limiter.Count())
		return &core.ConsensusResult{
			Response:            resp.Response,
			Confidence:          resp.Confidence * FallbackConfidenceFactor,
			Strategy:            core.StrategyFallbackSingle,
			ParticipatingModels: []string{name},
			TotalResponses:      1,
			Metadata: map[string]any{
				"all_responses":     []core.ModelResponse{resp},
				"fallback_attempts": limiter.Count(),
				"failed_models":     failures,
			},
			FallbackReason: FallbackReasonConsensusFailed,
			FallbackModel:  name,
		}, nil
	}

	return &core.ConsensusResult{
		Response:            ErrorFallbackMessage,
		Confidence:          ErrorFallbackConfidence,
		Strategy:            core.StrategyErrorFallback,
		ParticipatingModels: []string{},
		TotalResponses:      0,
		Metadata: map[string]any{
			"all_responses":     []core.ModelResponse{},
			"fallback_attempts": limiter.Count(),
			"failed_models":     failures,
		},
		Error:          ErrAllModelsFailed.Error(),
		FallbackReason: FallbackReasonAllModelsFailed,
	}, ErrAllModelsFailed
}

// orderForFallback puts clients named in order first, in that order; the
// remaining clients follow in their original order.
func orderForFallback(clients []model.Client, order []string) []model.Client {
	out := make([]model.Client, 0, len(clients))
	used := make([]bool, len(clients))
	for _, name := range order {
		idx := slices.IndexFunc(clients, func(c model.Client) bool { return c.Info().Name == name })
		if idx >= 0 && !used[idx] {
			out = append(out, clients[idx])
			used[idx] = true
		}
	}
	for i, c := range clients {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}
