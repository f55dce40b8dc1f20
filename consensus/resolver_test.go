package consensus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/internal/testutil"
)

func TestResolve_WeightedExample(t *testing.T) {
	responses := testutil.Responses(
		testutil.NewResponse("A").Text("answer a").Confidence(0.9),
		testutil.NewResponse("B").Text("answer b").Confidence(0.6),
	)
	cfg := Config{VotingWeights: map[string]float64{"A": 0.5, "B": 0.5}}

	res, err := NewResolver().Resolve(responses, core.StrategyWeighted, cfg)
	require.NoError(t, err)

	assert.InDelta(t, 0.75, res.Confidence, 1e-9)
	assert.Equal(t, "answer a", res.Response)
	assert.Equal(t, core.StrategyWeighted, res.Strategy)
	assert.Equal(t, []string{"A", "B"}, res.ParticipatingModels)
	assert.Equal(t, 2, res.TotalResponses)
	assert.Equal(t, "A", res.Metadata["top_model"])
	assert.Len(t, res.Metadata["all_responses"], 2)
}

func TestResolve_WeightedDefaults(t *testing.T) {
	responses := testutil.Responses(
		testutil.NewResponse("gpt-4").Text("g").Confidence(0.5),
		testutil.NewResponse("unknown").Text("u").Confidence(1.0),
	)

	// unknown gets 1/4 of the declared models, gpt-4 keeps 0.3
	res, err := NewResolver().Resolve(responses, "", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "u", res.Response)
	assert.InDelta(t, (0.5*0.3+1.0*0.25)/0.55, res.Confidence, 1e-9)

	// zero total weight
	res, err = NewResolver().Resolve(responses, core.StrategyWeighted, Config{
		VotingWeights: map[string]float64{"gpt-4": 0, "unknown": 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Equal(t, "g", res.Response)
}

func TestResolve_Majority(t *testing.T) {
	responses := testutil.Responses(
		testutil.NewResponse("m1").Text("London is large").Confidence(0.99),
		testutil.NewResponse("m2").Text("The capital of France is Paris").Confidence(0.7),
		testutil.NewResponse("m3").Text("the capital of france is Paris").Confidence(0.9),
	)

	res, err := NewResolver().Resolve(responses, core.StrategyMajority, Config{})
	require.NoError(t, err)
	assert.Equal(t, "the capital of france is Paris", res.Response)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Equal(t, []string{"m2", "m3"}, res.ParticipatingModels)
	assert.Equal(t, 2, res.Metadata["response_groups"])
	assert.Equal(t, 2, res.Metadata["consensus_size"])
	assert.Equal(t, 3, res.TotalResponses)
}

func TestResolve_Unanimous(t *testing.T) {
	agree := testutil.Responses(
		testutil.NewResponse("a").Text("Paris is the capital").Confidence(0.8),
		testutil.NewResponse("b").Text("paris is the capital").Confidence(0.9),
	)
	res, err := NewResolver().Resolve(agree, core.StrategyUnanimous, Config{})
	require.NoError(t, err)
	assert.Equal(t, true, res.Metadata["unanimous"])
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, "paris is the capital", res.Response)

	disagree := testutil.Responses(
		testutil.NewResponse("a").Text("Paris is the capital").Confidence(0.8),
		testutil.NewResponse("b").Text("I would say Lyon").Confidence(0.9),
	)
	res, err = NewResolver().Resolve(disagree, core.StrategyUnanimous, Config{})
	require.NoError(t, err)
	assert.Equal(t, false, res.Metadata["unanimous"])
	assert.Equal(t, true, res.Metadata["requires_review"])
	assert.Equal(t, 2, res.Metadata["disagreement_groups"])
	assert.Equal(t, 0.3, res.Confidence)
	assert.Equal(t, DisagreementMessage, res.Response)
	assert.Equal(t, []string{"a", "b"}, res.ParticipatingModels)
}

func TestResolve_BestOfN(t *testing.T) {
	responses := testutil.Responses(
		testutil.NewResponse("fast").Text("x").Confidence(0.85).Latency(time.Second),
		testutil.NewResponse("thorough").Text("0123456789").Confidence(0.8).
			Reasoning("a reasoning longer than twenty chars"),
	)

	assert.InDelta(t, 0.85+0.001-0.02, QualityScore(responses[0]), 1e-9)
	assert.InDelta(t, 0.8+0.01+0.05, QualityScore(responses[1]), 1e-9)

	res, err := NewResolver().Resolve(responses, core.StrategyBestOfN, Config{})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", res.Response)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, "thorough", res.Metadata["winning_model"])
}

func TestResolve_Hierarchical(t *testing.T) {
	responses := testutil.Responses(
		testutil.NewResponse("gpt-4").Text("from gpt").Confidence(0.9),
		testutil.NewResponse("claude-3-sonnet").Text("from claude").Confidence(0.9),
		testutil.NewResponse("custom").Text("from custom").Confidence(1.0),
	)
	cfg := DefaultConfig()
	cfg.TaskType = "conversation"

	res, err := NewResolver().Resolve(responses, core.StrategyHierarchical, cfg)
	require.NoError(t, err)
	assert.Equal(t, "from claude", res.Response)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, "claude-3-sonnet", res.Metadata["selected_model"])
	assert.Equal(t, "conversation", res.Metadata["task_type"])

	// unknown task type: everybody gets the default expertise
	cfg.TaskType = "poetry"
	res, err = NewResolver().Resolve(responses, core.StrategyHierarchical, cfg)
	require.NoError(t, err)
	assert.Equal(t, "from custom", res.Response)
}

func TestResolve_Errors(t *testing.T) {
	_, err := NewResolver().Resolve(nil, core.StrategyMajority, Config{})
	assert.ErrorIs(t, err, core.ErrNoResponses)

	responses := testutil.Responses(testutil.NewResponse("a"))
	_, err = NewResolver().Resolve(responses, core.Strategy("coin_flip"), Config{})
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestResolve_Deterministic(t *testing.T) {
	responses := testutil.Responses(
		testutil.NewResponse("gpt-4").Text("Paris is the capital of France").Confidence(0.9),
		testutil.NewResponse("claude-3-sonnet").Text("paris is the capital of france").Confidence(0.9),
		testutil.NewResponse("grok-2").Text("Lyon").Confidence(0.95).Alternatives("Paris"),
		testutil.NewResponse("gemini-2.5-flash").Text("It is Paris").Confidence(0.4),
	)
	cfg := DefaultConfig()
	cfg.TaskType = "analysis"
	r := NewResolver()

	for _, s := range core.Strategies {
		first, err := r.Resolve(responses, s, cfg)
		require.NoError(t, err)
		second, err := r.Resolve(responses, s, cfg)
		require.NoError(t, err)

		b1, err := json.Marshal(first)
		require.NoError(t, err)
		b2, err := json.Marshal(second)
		require.NoError(t, err)
		assert.Equal(t, string(b1), string(b2), s)
	}
}

func TestSimilarityAndGrouping(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("A b", "b a"))
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.InDelta(t, 1.0/3.0, Similarity("a b", "b c"), 1e-9)

	groups := GroupSimilar(testutil.Responses(
		testutil.NewResponse("1").Text("x y"),
		testutil.NewResponse("2").Text("z"),
		testutil.NewResponse("3").Text("y x"),
	), 0.7)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)

	agreement := AnalyzeAgreement(testutil.Responses(
		testutil.NewResponse("1").Text("x y"),
		testutil.NewResponse("2").Text("z"),
		testutil.NewResponse("3").Text("y x"),
		testutil.NewResponse("4").Text("x y"),
	))
	assert.Equal(t, Agreement{Score: 0.75, Disagreements: 1, ConsensusGroups: 2, LargestGroupSize: 3}, agreement)
	assert.Equal(t, 1.0, AnalyzeAgreement(nil).Score)
}
