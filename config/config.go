// Package config models quorum.yml (or quorum.toml): server, storage,
// provider models, consensus defaults and pipeline timing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/quorum/core"
)

// Config is the root configuration document.
type Config struct {
	Server    Server    `yaml:"server" toml:"server"`
	Store     Store     `yaml:"store" toml:"store"`
	Logging   Logging   `yaml:"logging" toml:"logging"`
	Models    []Model   `yaml:"models" toml:"models"`
	Consensus Consensus `yaml:"consensus" toml:"consensus"`
	Pipeline  Pipeline  `yaml:"pipeline" toml:"pipeline"`
}

// Server configures the HTTP API.
type Server struct {
	Addr     string `yaml:"addr" toml:"addr"`
	BasePath string `yaml:"base_path" toml:"base_path"`
	// JWTSecretEnv names the environment variable holding the HS256 secret.
	JWTSecretEnv string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	// AllowAnonymous accepts requests without a bearer token.
	AllowAnonymous bool `yaml:"allow_anonymous" toml:"allow_anonymous"`
}

// Store selects the request store.
type Store struct {
	Driver string `yaml:"driver" toml:"driver"` // memory or sqlite
	Path   string `yaml:"path" toml:"path"`
}

// Logging configures the structured logger.
type Logging struct {
	Level     string `yaml:"level" toml:"level"`
	Format    string `yaml:"format" toml:"format"` // json or text
	AddSource bool   `yaml:"add_source" toml:"add_source"`
}

// Model declares one provider adapter.
type Model struct {
	ID          string  `yaml:"id" toml:"id"`
	Provider    string  `yaml:"provider" toml:"provider"`
	Model       string  `yaml:"model" toml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env" toml:"api_key_env"`
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens" toml:"max_tokens"`
}

// APIKey returns the key read from APIKeyEnv, if any.
func (m Model) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// Available reports whether the model can be called: mock models always
// can, provider models need their API key.
func (m Model) Available() bool {
	return m.Provider == "mock" || m.APIKey() != ""
}

// Consensus holds resolver defaults.
type Consensus struct {
	Strategy            string                        `yaml:"strategy" toml:"strategy"`
	VotingWeights       map[string]float64            `yaml:"voting_weights" toml:"voting_weights"`
	ModelExpertise      map[string]map[string]float64 `yaml:"model_expertise" toml:"model_expertise"`
	FallbackOrder       []string                      `yaml:"fallback_order" toml:"fallback_order"`
	SimilarityThreshold float64                       `yaml:"similarity_threshold" toml:"similarity_threshold"`
	UnanimousThreshold  float64                       `yaml:"unanimous_threshold" toml:"unanimous_threshold"`
}

// Pipeline configures the async runner.
type Pipeline struct {
	PacingDelaySeconds     map[string]float64 `yaml:"pacing_delay_seconds" toml:"pacing_delay_seconds"`
	TimeoutSeconds         map[string]float64 `yaml:"timeout_seconds" toml:"timeout_seconds"`
	PerCallTimeoutSeconds  float64            `yaml:"per_call_timeout_seconds" toml:"per_call_timeout_seconds"`
	MaxConcurrentRuns      int                `yaml:"max_concurrent_runs" toml:"max_concurrent_runs"`
	MaxFallbackAttempts    int                `yaml:"max_fallback_attempts" toml:"max_fallback_attempts"`
	CallbackTimeoutSeconds float64            `yaml:"callback_timeout_seconds" toml:"callback_timeout_seconds"`
	GuardMaxFailures       int                `yaml:"guard_max_failures" toml:"guard_max_failures"`
	GuardCooldownSeconds   float64            `yaml:"guard_cooldown_seconds" toml:"guard_cooldown_seconds"`
}

// PacingDelay returns the configured delay for p.
func (p Pipeline) PacingDelay(pri core.Priority) time.Duration {
	return seconds(p.PacingDelaySeconds[string(pri)])
}

// Timeout returns the overall fan-out deadline for p.
func (p Pipeline) Timeout(pri core.Priority) time.Duration {
	return seconds(p.TimeoutSeconds[string(pri)])
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Seconds converts a float number of seconds into a Duration.
func Seconds(v float64) time.Duration { return seconds(v) }

var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"xai":       true,
	"gemini":    true,
	"mock":      true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config.store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("config.store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("config.models must declare at least one model")
	}

	ids := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config.models[%d].id is required", i)
		}
		if ids[m.ID] {
			return fmt.Errorf("config.models contains duplicate id %s", m.ID)
		}
		ids[m.ID] = true
		if !knownProviders[m.Provider] {
			return fmt.Errorf("model %s has unknown provider %q", m.ID, m.Provider)
		}
		if m.Temperature < 0 || m.Temperature > 2 {
			return fmt.Errorf("model %s temperature must be within [0, 2]", m.ID)
		}
	}

	if _, err := core.ParseStrategy(c.Consensus.Strategy); err != nil {
		return fmt.Errorf("config.consensus.strategy: %w", err)
	}
	for id, w := range c.Consensus.VotingWeights {
		if w < 0 {
			return fmt.Errorf("voting weight for %s must not be negative", id)
		}
	}
	for _, id := range c.Consensus.FallbackOrder {
		if !ids[id] {
			return fmt.Errorf("config.consensus.fallback_order references unknown model %s", id)
		}
	}
	for name, v := range map[string]float64{
		"similarity_threshold": c.Consensus.SimilarityThreshold,
		"unanimous_threshold":  c.Consensus.UnanimousThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.consensus.%s must be within [0, 1]", name)
		}
	}

	for pri, v := range c.Pipeline.PacingDelaySeconds {
		if core.ParsePriority(pri) != core.Priority(pri) {
			return fmt.Errorf("config.pipeline.pacing_delay_seconds has unknown priority %s", pri)
		}
		if v < 0 {
			return fmt.Errorf("pacing delay for %s must not be negative", pri)
		}
	}
	for pri, v := range c.Pipeline.TimeoutSeconds {
		if core.ParsePriority(pri) != core.Priority(pri) {
			return fmt.Errorf("config.pipeline.timeout_seconds has unknown priority %s", pri)
		}
		if v <= 0 {
			return fmt.Errorf("timeout for %s must be positive", pri)
		}
	}
	if c.Pipeline.PerCallTimeoutSeconds <= 0 {
		return fmt.Errorf("config.pipeline.per_call_timeout_seconds must be positive")
	}
	if c.Pipeline.MaxConcurrentRuns < 0 {
		return fmt.Errorf("config.pipeline.max_concurrent_runs must not be negative")
	}
	return nil
}

// ModelIDs returns the declared model ids in order.
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		ids = append(ids, m.ID)
	}
	return ids
}

// AvailableModelIDs returns the ids of models whose credentials are present.
func (c *Config) AvailableModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		if m.Available() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// FindModel returns the model declaration with id.
func (c *Config) FindModel(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(DefaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return finish(&cfg)
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields from Default. Declaring models
// replaces the default model set together with its fallback order.
func (c *Config) ApplyDefaults() {
	def := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = def.Server.BasePath
	}
	if c.Server.JWTSecretEnv == "" {
		c.Server.JWTSecretEnv = def.Server.JWTSecretEnv
	}
	if c.Store.Driver == "" {
		c.Store = def.Store
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if len(c.Models) == 0 {
		c.Models = def.Models
		if c.Consensus.FallbackOrder == nil {
			c.Consensus.FallbackOrder = def.Consensus.FallbackOrder
		}
	}
	if c.Consensus.Strategy == "" {
		c.Consensus.Strategy = def.Consensus.Strategy
	}
	if c.Consensus.VotingWeights == nil {
		c.Consensus.VotingWeights = def.Consensus.VotingWeights
	}
	if c.Consensus.SimilarityThreshold == 0 {
		c.Consensus.SimilarityThreshold = def.Consensus.SimilarityThreshold
	}
	if c.Consensus.UnanimousThreshold == 0 {
		c.Consensus.UnanimousThreshold = def.Consensus.UnanimousThreshold
	}

	p, dp := &c.Pipeline, def.Pipeline
	if p.PacingDelaySeconds == nil {
		p.PacingDelaySeconds = dp.PacingDelaySeconds
	}
	if p.TimeoutSeconds == nil {
		p.TimeoutSeconds = dp.TimeoutSeconds
	}
	if p.PerCallTimeoutSeconds == 0 {
		p.PerCallTimeoutSeconds = dp.PerCallTimeoutSeconds
	}
	if p.MaxFallbackAttempts == 0 {
		p.MaxFallbackAttempts = dp.MaxFallbackAttempts
	}
	if p.CallbackTimeoutSeconds == 0 {
		p.CallbackTimeoutSeconds = dp.CallbackTimeoutSeconds
	}
	if p.GuardMaxFailures == 0 {
		p.GuardMaxFailures = dp.GuardMaxFailures // negative disables the guard
	}
	if p.GuardCooldownSeconds == 0 {
		p.GuardCooldownSeconds = dp.GuardCooldownSeconds
	}
}

// FromFile reads config from path, choosing the decoder by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FromTOML(data)
	default:
		return FromYAML(data)
	}
}

// LoadOptional reads path if it exists and falls back to Default otherwise.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := FromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// DefaultTemplate is the configuration written by `quorum config init`.
const DefaultTemplate = `server:
  addr: ":8080"
  base_path: /api/consensus
  jwt_secret_env: QUORUM_JWT_SECRET
  allow_anonymous: false

store:
  driver: sqlite
  path: quorum.db

logging:
  level: info
  format: json

models:
  - id: gpt-4
    provider: openai
    model: gpt-4
    api_key_env: OPENAI_API_KEY
    temperature: 0.7
    max_tokens: 4096
  - id: claude-3-sonnet
    provider: anthropic
    model: claude-3-5-sonnet-20241022
    api_key_env: ANTHROPIC_API_KEY
    temperature: 0.7
    max_tokens: 4096
  - id: grok-2
    provider: xai
    model: grok-2
    api_key_env: GROK_API_KEY
    temperature: 0.7
    max_tokens: 4096
  - id: gemini-2.5-flash
    provider: gemini
    model: gemini-2.5-flash
    api_key_env: GEMINI_API_KEY
    temperature: 0.7
    max_tokens: 4096

consensus:
  strategy: weighted
  voting_weights:
    gpt-4: 0.3
    claude-3-sonnet: 0.3
    grok-2: 0.2
    gemini-2.5-flash: 0.2
  fallback_order: [gpt-4, claude-3-sonnet, gemini-2.5-flash, grok-2]
  similarity_threshold: 0.7
  unanimous_threshold: 0.8

pipeline:
  pacing_delay_seconds:
    urgent: 0
    high: 5
    normal: 10
  timeout_seconds:
    urgent: 45
    high: 90
    normal: 150
  per_call_timeout_seconds: 45
  max_concurrent_runs: 8
  max_fallback_attempts: 4
  callback_timeout_seconds: 10
  guard_max_failures: 3
  guard_cooldown_seconds: 60
`
