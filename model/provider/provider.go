// Package provider builds model clients from configuration. Each provider
// name maps to a constructor so adding a vendor never touches call sites.
package provider

import (
	"fmt"
	"sort"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/quorum/config"
	"github.com/hupe1980/quorum/model"
	"github.com/hupe1980/quorum/model/anthropic"
	"github.com/hupe1980/quorum/model/openai"
)

// Constructor builds a client for a model declaration.
type Constructor func(m config.Model) (model.Client, error)

var (
	mu           sync.RWMutex
	constructors = map[string]Constructor{
		"openai":    newOpenAI("openai", ""),
		"xai":       newOpenAI("xai", openai.XAIBaseURL),
		"gemini":    newOpenAI("gemini", openai.GeminiBaseURL),
		"anthropic": newAnthropic,
		"mock":      newMock,
	}
)

// Register installs or replaces the constructor for a provider name.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	constructors[name] = c
}

// Names returns the registered provider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the client declared by m.
func New(m config.Model) (model.Client, error) {
	mu.RLock()
	c, ok := constructors[m.Provider]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q for model %s", m.Provider, m.ID)
	}
	return c(m)
}

// Factory returns a model.Factory resolving registry keys against the
// declared models. Only models whose credentials are available are built.
func Factory(models []config.Model) model.Factory {
	byID := make(map[string]config.Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	return func(key model.Key) (model.Client, error) {
		m, ok := byID[key.Kind]
		if !ok {
			return nil, fmt.Errorf("model %s is not configured", key.Kind)
		}
		if !m.Available() {
			return nil, fmt.Errorf("model %s is unavailable: %s is not set", m.ID, m.APIKeyEnv)
		}
		return New(m)
	}
}

func newOpenAI(provider, baseURL string) Constructor {
	return func(m config.Model) (model.Client, error) {
		return openai.NewModel(func(o *openai.Options) {
			o.Name = m.ID
			o.Provider = provider
			o.APIKey = m.APIKey()
			o.BaseURL = baseURL
			if m.BaseURL != "" {
				o.BaseURL = m.BaseURL
			}
			if m.Model != "" {
				o.Model = m.Model
			}
			if m.Temperature > 0 {
				o.Temperature = m.Temperature
			}
			if m.MaxTokens > 0 {
				o.MaxCompletionTokens = m.MaxTokens
			}
			o.UseMaxTokens = provider != "openai"
		}), nil
	}
}

func newAnthropic(m config.Model) (model.Client, error) {
	return anthropic.NewModel(func(o *anthropic.Options) {
		o.Name = m.ID
		o.APIKey = m.APIKey()
		o.BaseURL = m.BaseURL
		if m.Model != "" {
			o.Model = anthropicsdk.Model(m.Model)
		}
		if m.Temperature > 0 {
			o.Temperature = m.Temperature
		}
		if m.MaxTokens > 0 {
			o.MaxTokens = m.MaxTokens
		}
	}), nil
}

func newMock(m config.Model) (model.Client, error) {
	return model.NewMock(m.ID), nil
}
