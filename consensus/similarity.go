package consensus

import (
	"strings"

	"github.com/hupe1980/quorum/core"
)

// Similarity returns the Jaccard similarity of the lower-cased whitespace
// token sets of a and b. Two texts without tokens have similarity 0.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	union := len(ta)
	inter := 0
	for tok := range tb {
		if _, ok := ta[tok]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// GroupSimilar partitions responses into groups of similar texts. Each
// response joins the first existing group whose first member is at least
// threshold similar, otherwise it starts a new group. Groups and their
// members keep input order.
func GroupSimilar(responses []core.ModelResponse, threshold float64) [][]core.ModelResponse {
	var groups [][]core.ModelResponse
	for _, r := range responses {
		placed := false
		for i := range groups {
			if Similarity(r.Response, groups[i][0].Response) >= threshold {
				groups[i] = append(groups[i], r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []core.ModelResponse{r})
		}
	}
	return groups
}

// largestGroup returns the first group of maximal size.
func largestGroup(groups [][]core.ModelResponse) []core.ModelResponse {
	var best []core.ModelResponse
	for _, g := range groups {
		if len(g) > len(best) {
			best = g
		}
	}
	return best
}

// Agreement summarizes how far the models agree.
type Agreement struct {
	Score            float64 `json:"agreement_score"`
	Disagreements    int     `json:"disagreements"`
	ConsensusGroups  int     `json:"consensus_groups"`
	LargestGroupSize int     `json:"largest_group_size"`
}

// AnalyzeAgreement groups responses with the default similarity threshold
// and reports the share held by the largest group. Fewer than two responses
// count as full agreement.
func AnalyzeAgreement(responses []core.ModelResponse) Agreement {
	if len(responses) < 2 {
		return Agreement{Score: 1, ConsensusGroups: len(responses), LargestGroupSize: len(responses)}
	}
	groups := GroupSimilar(responses, DefaultSimilarityThreshold)
	largest := len(largestGroup(groups))
	return Agreement{
		Score:            float64(largest) / float64(len(responses)),
		Disagreements:    len(groups) - 1,
		ConsensusGroups:  len(groups),
		LargestGroupSize: largest,
	}
}
