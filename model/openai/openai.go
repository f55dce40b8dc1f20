// Package openai adapts the OpenAI Chat Completions API to model.Client.
// OpenAI-compatible endpoints (xAI Grok, Google Gemini) reuse it through
// Options.BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/quorum/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Base URLs of OpenAI-compatible providers.
const (
	XAIBaseURL    = "https://api.x.ai/v1/"
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

var errNoChoices = errors.New("no choices returned")

// Options configures a Model. APIKey falls back to OPENAI_API_KEY.
type Options struct {
	// Name is reported by Info instead of Model when set.
	Name string
	// Provider is reported by Info and prefixes errors.
	Provider            string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
	// UseMaxTokens sends max_tokens instead of max_completion_tokens, which
	// some compatible endpoints still require.
	UseMaxTokens bool
}

func buildOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Provider:            "openai",
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Model is a single chat model behind model.Client.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a Model with its own SDK client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := buildOptions(optFns)

	var ro []option.RequestOption
	if opts.APIKey != "" {
		ro = append(ro, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(ro...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a Model sharing an existing SDK client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: buildOptions(optFns)}
}

// Respond performs one non-streaming completion and returns the first choice.
func (m *Model) Respond(ctx context.Context, req model.Request) (model.Reply, error) {
	completion, err := m.client.Chat.Completions.New(ctx, m.params(req))
	if err != nil {
		return model.Reply{}, fmt.Errorf("%s: %w", m.opts.Provider, err)
	}
	if len(completion.Choices) == 0 {
		return model.Reply{}, fmt.Errorf("%s: %w", m.opts.Provider, errNoChoices)
	}

	choice := completion.Choices[0]
	if choice.Message.Content == "" {
		return model.Reply{}, model.ErrEmptyReply
	}

	u := completion.Usage
	return model.Reply{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

func (m *Model) params(req model.Request) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	p := openai.ChatCompletionNewParams{
		Model:       m.opts.Model,
		Messages:    msgs,
		Temperature: openai.Float(m.opts.Temperature),
	}
	switch limit := m.opts.MaxCompletionTokens; {
	case limit <= 0:
	case m.opts.UseMaxTokens:
		p.MaxTokens = openai.Int(limit)
	default:
		p.MaxCompletionTokens = openai.Int(limit)
	}
	return p
}

// Info implements model.Client.
func (m *Model) Info() model.Info {
	name := m.opts.Name
	if name == "" {
		name = m.opts.Model
	}
	return model.Info{Name: name, Provider: m.opts.Provider}
}
