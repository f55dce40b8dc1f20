// Package anthropic adapts the Anthropic Messages API to model.Client.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/quorum/model"
)

// Options configures a Model. APIKey falls back to ANTHROPIC_API_KEY.
type Options struct {
	// Name is reported by Info instead of Model when set.
	Name        string
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

func buildOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Model is a single Claude model behind model.Client.
type Model struct {
	client *anthropic.Client
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
	client := anthropic.NewClient(ro...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a Model sharing an existing SDK client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: buildOptions(optFns)}
}

// Respond sends req as one user turn and concatenates the text blocks of the reply.
func (m *Model) Respond(ctx context.Context, req model.Request) (model.Reply, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.Reply{}, fmt.Errorf("anthropic: %w", err)
	}

	parts := make([]string, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.AsText().Text)
		}
	}
	text := strings.Join(parts, "")
	if text == "" {
		return model.Reply{}, model.ErrEmptyReply
	}

	reason := string(msg.StopReason)
	if reason == "" {
		reason = "stop"
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)

	return model.Reply{
		Text:         text,
		FinishReason: reason,
		Usage:        &model.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// Info implements model.Client.
func (m *Model) Info() model.Info {
	if m.opts.Name != "" {
		return model.Info{Name: m.opts.Name, Provider: "anthropic"}
	}
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic"}
}
