package core

import "strings"

// Strategy names a consensus algorithm.
type Strategy string

const (
	StrategyWeighted     Strategy = "weighted"
	StrategyMajority     Strategy = "majority"
	StrategyUnanimous    Strategy = "unanimous"
	StrategyBestOfN      Strategy = "best_of_n"
	StrategyHierarchical Strategy = "hierarchical"

	// Strategies only ever reported on results produced by the fallback path.
	StrategyFallbackSingle Strategy = "fallback_single"
	StrategyErrorFallback  Strategy = "error_fallback"
)

// Strategies lists the selectable strategies.
var Strategies = []Strategy{
	StrategyWeighted,
	StrategyMajority,
	StrategyUnanimous,
	StrategyBestOfN,
	StrategyHierarchical,
}

// ParseStrategy resolves a strategy name. The empty string selects
// StrategyWeighted; unknown names yield a *ValidationError.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	if s == "" {
		return StrategyWeighted, nil
	}
	for _, known := range Strategies {
		if s == known {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "strategy", Value: name, Message: "unknown consensus strategy"}
}
