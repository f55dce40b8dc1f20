package consensus

import (
	"maps"
	"sort"
	"unicode/utf8"

	"github.com/hupe1980/quorum/core"
)

// DisagreementMessage is returned by the unanimous strategy when the models
// split into more than one group.
const DisagreementMessage = "Multiple models disagree on this response. Human review recommended."

// Confidence reported for a failed unanimity check.
const disagreementConfidence = 0.3

func weightFor(model string, cfg Config, n int) float64 {
	if w, ok := cfg.VotingWeights[model]; ok {
		return w
	}
	if len(cfg.Models) > 0 {
		return 1 / float64(len(cfg.Models))
	}
	return 1 / float64(n)
}

// weighted picks the response with the highest confidence times model
// weight and reports the weight-normalized mean confidence.
func weighted(responses []core.ModelResponse, cfg Config) *core.ConsensusResult {
	scores := make([]ModelScore, len(responses))
	totalWeight, weightedSum := 0.0, 0.0
	top := 0
	for i, r := range responses {
		w := weightFor(r.Model, cfg, len(responses))
		scores[i] = ModelScore{Model: r.Model, Score: r.Confidence * w}
		totalWeight += w
		weightedSum += r.Confidence * w
		if scores[i].Score > scores[top].Score {
			top = i
		}
	}

	confidence := 0.5
	if totalWeight > 0 {
		confidence = weightedSum / totalWeight
	}

	sorted := make([]ModelScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	return &core.ConsensusResult{
		Response:            responses[top].Response,
		Confidence:          confidence,
		ParticipatingModels: modelNames(responses),
		Metadata: map[string]any{
			"weighted_scores": sorted,
			"top_model":       responses[top].Model,
		},
	}
}

// majority returns the most confident member of the largest similarity
// group together with the group's mean confidence.
func majority(responses []core.ModelResponse, cfg Config) *core.ConsensusResult {
	groups := GroupSimilar(responses, cfg.similarityThreshold())
	group := largestGroup(groups)
	best := mostConfident(group)

	return &core.ConsensusResult{
		Response:            best.Response,
		Confidence:          meanConfidence(group),
		ParticipatingModels: modelNames(group),
		Metadata: map[string]any{
			"response_groups": len(groups),
			"consensus_size":  len(group),
			"group_sizes":     groupSizes(groups),
		},
	}
}

// unanimous succeeds only when every response falls into one group under
// the stricter threshold; otherwise it flags the request for review.
func unanimous(responses []core.ModelResponse, cfg Config) *core.ConsensusResult {
	groups := GroupSimilar(responses, cfg.unanimousThreshold())
	if len(groups) == 1 {
		best := mostConfident(groups[0])
		return &core.ConsensusResult{
			Response:            best.Response,
			Confidence:          meanConfidence(groups[0]),
			ParticipatingModels: modelNames(groups[0]),
			Metadata: map[string]any{
				"unanimous": true,
			},
		}
	}

	return &core.ConsensusResult{
		Response:            DisagreementMessage,
		Confidence:          disagreementConfidence,
		ParticipatingModels: modelNames(responses),
		Metadata: map[string]any{
			"unanimous":           false,
			"requires_review":     true,
			"disagreement_groups": len(groups),
			"group_sizes":         groupSizes(groups),
		},
	}
}

// QualityScore is the best-of-n score of a single response.
func QualityScore(r core.ModelResponse) float64 {
	score := r.Confidence
	score += min(0.1, float64(utf8.RuneCountInString(r.Response))/1000)
	if utf8.RuneCountInString(r.Reasoning) > 20 {
		score += 0.05
	}
	if len(r.Alternatives) > 0 {
		score += 0.03
	}
	if r.Latency.Seconds() < 2 {
		score -= 0.02
	}
	return score
}

// bestOfN returns the highest quality response verbatim with its own
// confidence.
func bestOfN(responses []core.ModelResponse, _ Config) *core.ConsensusResult {
	scores := make([]ModelScore, len(responses))
	best := 0
	for i, r := range responses {
		scores[i] = ModelScore{Model: r.Model, Score: QualityScore(r)}
		if scores[i].Score > scores[best].Score {
			best = i
		}
	}

	return &core.ConsensusResult{
		Response:            responses[best].Response,
		Confidence:          responses[best].Confidence,
		ParticipatingModels: modelNames(responses),
		Metadata: map[string]any{
			"quality_scores": scores,
			"winning_model":  responses[best].Model,
		},
	}
}

// hierarchical scales each confidence by the model's expertise for the task
// type and reports the winner's raw confidence.
func hierarchical(responses []core.ModelResponse, cfg Config) *core.ConsensusResult {
	table := cfg.ModelExpertise
	if table == nil {
		table = DefaultModelExpertise()
	}
	expertise := table[cfg.TaskType]

	scores := make([]ModelScore, len(responses))
	best := 0
	for i, r := range responses {
		level, ok := expertise[r.Model]
		if !ok {
			level = DefaultExpertise
		}
		scores[i] = ModelScore{Model: r.Model, Score: r.Confidence * level}
		if scores[i].Score > scores[best].Score {
			best = i
		}
	}

	levels := maps.Clone(expertise)
	if levels == nil {
		levels = map[string]float64{}
	}

	return &core.ConsensusResult{
		Response:            responses[best].Response,
		Confidence:          responses[best].Confidence,
		ParticipatingModels: modelNames(responses),
		Metadata: map[string]any{
			"hierarchical_scores": scores,
			"expertise_levels":    levels,
			"selected_model":      responses[best].Model,
			"task_type":           cfg.TaskType,
		},
	}
}

func groupSizes(groups [][]core.ModelResponse) []int {
	sizes := make([]int, len(groups))
	for i, g := range groups {
		sizes[i] = len(g)
	}
	return sizes
}
