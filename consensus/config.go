package consensus

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hupe1980/quorum/core"
)

// Default thresholds for response grouping.
const (
	DefaultSimilarityThreshold = 0.7
	DefaultUnanimousThreshold  = 0.8
	DefaultExpertise           = 0.8
)

// MaxTimeoutSeconds bounds timeout_seconds and per_call_timeout_seconds.
const MaxTimeoutSeconds = 3600

// Config parameterizes one resolution. Zero values fall back to defaults.
type Config struct {
	// Models is the declared model set; it sizes the equal weight share
	// given to models without an explicit voting weight.
	Models []string
	// TaskType selects the expertise column for the hierarchical strategy
	// and the instructions added by EnhancePrompt.
	TaskType            string
	VotingWeights       map[string]float64
	ModelExpertise      map[string]map[string]float64
	SimilarityThreshold float64
	UnanimousThreshold  float64
	// Timeout overrides the overall fan-out deadline when positive.
	Timeout time.Duration
	// PerCallTimeout overrides the per-call deadline when positive.
	PerCallTimeout time.Duration
	TaskConfig     map[string]any
}

// DefaultVotingWeights are the built-in per-model weights.
func DefaultVotingWeights() map[string]float64 {
	return map[string]float64{
		"gpt-4":            0.3,
		"claude-3-sonnet":  0.3,
		"grok-2":           0.2,
		"gemini-2.5-flash": 0.2,
	}
}

// DefaultModelExpertise is the built-in task type by model expertise table.
func DefaultModelExpertise() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"conversation":       {"gpt-4": 0.9, "claude-3-sonnet": 0.95, "grok-beta": 0.85, "gemini-2.5-flash": 0.85},
		"qualification":      {"gpt-4": 0.95, "claude-3-sonnet": 0.85, "grok-beta": 0.9, "gemini-2.5-flash": 0.9},
		"analysis":           {"gpt-4": 0.9, "claude-3-sonnet": 0.9, "grok-beta": 0.95, "gemini-2.5-flash": 0.95},
		"objection_handling": {"gpt-4": 0.85, "claude-3-sonnet": 0.9, "grok-beta": 0.8, "gemini-2.5-flash": 0.85},
		"booking":            {"gpt-4": 0.9, "claude-3-sonnet": 0.85, "grok-beta": 0.85, "gemini-2.5-flash": 0.85},
	}
}

// DefaultConfig returns the built-in resolver configuration.
func DefaultConfig() Config {
	return Config{
		Models:              []string{"gpt-4", "claude-3-sonnet", "grok-2", "gemini-2.5-flash"},
		VotingWeights:       DefaultVotingWeights(),
		ModelExpertise:      DefaultModelExpertise(),
		SimilarityThreshold: DefaultSimilarityThreshold,
		UnanimousThreshold:  DefaultUnanimousThreshold,
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Models = slices.Clone(c.Models)
	out.VotingWeights = maps.Clone(c.VotingWeights)
	if c.ModelExpertise != nil {
		out.ModelExpertise = make(map[string]map[string]float64, len(c.ModelExpertise))
		for task, row := range c.ModelExpertise {
			out.ModelExpertise[task] = maps.Clone(row)
		}
	}
	out.TaskConfig = maps.Clone(c.TaskConfig)
	return out
}

func (c Config) similarityThreshold() float64 {
	if c.SimilarityThreshold > 0 {
		return c.SimilarityThreshold
	}
	return DefaultSimilarityThreshold
}

func (c Config) unanimousThreshold() float64 {
	if c.UnanimousThreshold > 0 {
		return c.UnanimousThreshold
	}
	return DefaultUnanimousThreshold
}

// ParseConfig overlays a request's free-form config onto base. Recognized
// keys are models, voting_weights, model_expertise, timeout_seconds,
// per_call_timeout_seconds, similarity_threshold, unanimous_threshold and
// task_config; other keys are ignored. Malformed values yield a
// *core.ValidationError.
func ParseConfig(raw map[string]any, base Config) (Config, error) {
	cfg := base.Clone()
	if len(raw) == 0 {
		return cfg, nil
	}

	if v, ok := raw["models"]; ok {
		models, err := stringList("config.models", v)
		if err != nil {
			return Config{}, err
		}
		cfg.Models = models
	}

	if v, ok := raw["voting_weights"]; ok {
		weights, err := floatMap("config.voting_weights", v)
		if err != nil {
			return Config{}, err
		}
		for model, w := range weights {
			if w < 0 {
				return Config{}, invalid("config.voting_weights", w, fmt.Sprintf("weight for %s must not be negative", model))
			}
		}
		cfg.VotingWeights = weights
	}

	if v, ok := raw["model_expertise"]; ok {
		table, ok := v.(map[string]any)
		if !ok {
			return Config{}, invalid("config.model_expertise", v, "must be an object of task types")
		}
		expertise := make(map[string]map[string]float64, len(table))
		for task, row := range table {
			scores, err := floatMap("config.model_expertise."+task, row)
			if err != nil {
				return Config{}, err
			}
			expertise[task] = scores
		}
		cfg.ModelExpertise = expertise
	}

	for key, dst := range map[string]*time.Duration{
		"timeout_seconds":          &cfg.Timeout,
		"per_call_timeout_seconds": &cfg.PerCallTimeout,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		secs, ok := toFloat(v)
		if !ok || secs <= 0 || secs > MaxTimeoutSeconds {
			return Config{}, invalid("config."+key, v, fmt.Sprintf("must be a number of seconds within (0, %d]", MaxTimeoutSeconds))
		}
		*dst = time.Duration(secs * float64(time.Second))
	}

	for key, dst := range map[string]*float64{
		"similarity_threshold": &cfg.SimilarityThreshold,
		"unanimous_threshold":  &cfg.UnanimousThreshold,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok || f <= 0 || f > 1 {
			return Config{}, invalid("config."+key, v, "must be a number within (0, 1]")
		}
		*dst = f
	}

	if v, ok := raw["task_config"]; ok {
		tc, ok := v.(map[string]any)
		if !ok {
			return Config{}, invalid("config.task_config", v, "must be an object")
		}
		if _, err := json.Marshal(tc); err != nil {
			return Config{}, invalid("config.task_config", nil, "must be JSON serializable")
		}
		cfg.TaskConfig = tc
	}

	return cfg, nil
}

func invalid(field string, value any, msg string) error {
	return &core.ValidationError{Field: field, Value: value, Message: msg}
}

func stringList(field string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return slices.Clone(list), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, invalid(field, v, "must be a list of model ids")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalid(field, v, "must be a list of model ids")
	}
}

func floatMap(field string, v any) (map[string]float64, error) {
	switch m := v.(type) {
	case map[string]float64:
		return maps.Clone(m), nil
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, raw := range m {
			f, ok := toFloat(raw)
			if !ok {
				return nil, invalid(field, v, fmt.Sprintf("value for %s must be a number", k))
			}
			out[k] = f
		}
		return out, nil
	default:
		return nil, invalid(field, v, "must be an object of numbers")
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
