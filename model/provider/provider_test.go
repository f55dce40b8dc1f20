package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum/config"
	"github.com/hupe1980/quorum/model"
)

func TestNew(t *testing.T) {
	c, err := New(config.Model{ID: "grok-2", Provider: "xai", Model: "grok-2", APIKeyEnv: "QUORUM_TEST_XAI"})
	require.NoError(t, err)
	assert.Equal(t, model.Info{Name: "grok-2", Provider: "xai"}, c.Info())

	c, err = New(config.Model{ID: "claude-3-sonnet", Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-sonnet", c.Info().Name)

	_, err = New(config.Model{ID: "x", Provider: "cohere"})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	t.Setenv("QUORUM_TEST_OPENAI", "sk-test")
	f := Factory([]config.Model{
		{ID: "gpt-4", Provider: "openai", APIKeyEnv: "QUORUM_TEST_OPENAI"},
		{ID: "gemini", Provider: "gemini", APIKeyEnv: "QUORUM_TEST_GEMINI_UNSET"},
		{ID: "local", Provider: "mock"},
	})

	c, err := f(model.Key{TenantID: "t1", Kind: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Info().Provider)

	_, err = f(model.Key{Kind: "gemini"})
	assert.ErrorContains(t, err, "unavailable")

	_, err = f(model.Key{Kind: "nope"})
	assert.ErrorContains(t, err, "not configured")

	c, err = f(model.Key{Kind: "local"})
	require.NoError(t, err)
	assert.IsType(t, &model.Mock{}, c)
}

func TestRegister(t *testing.T) {
	Register("custom", func(m config.Model) (model.Client, error) { return model.NewMock(m.ID), nil })
	assert.Contains(t, Names(), "custom")

	c, err := New(config.Model{ID: "c1", Provider: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "c1", c.Info().Name)
}
