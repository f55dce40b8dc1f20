// Package consensus reduces a set of model responses to one decision.
//
// Five strategies are available through Resolver.Resolve: weighted,
// majority, unanimous, best_of_n and hierarchical. Resolution is pure and
// deterministic: the same responses, strategy and Config always produce the
// same result. Response grouping uses Jaccard similarity over lower-cased
// whitespace tokens.
//
// The package also parses per-request configuration (ParseConfig) and
// enriches prompts with task type instructions (EnhancePrompt).
package consensus
