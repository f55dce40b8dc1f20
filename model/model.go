package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEmptyReply is returned when a provider answers with no text.
var ErrEmptyReply = errors.New("empty model reply")

// Request is the normalized input for a single model call.
type Request struct {
	Instructions string `json:"instructions,omitempty"` // system prompt
	Prompt       string `json:"prompt"`
}

// TokenUsage captures token usage statistics for a reply.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is the raw text answer of a provider.
type Reply struct {
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason,omitempty"` // "stop", "length", ...
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a client implementation.
type Info struct {
	Name     string `json:"name"`     // configured model id, used for weights and expertise
	Provider string `json:"provider"` // "openai", "anthropic", "xai", "gemini", "mock", ...
}

// Client is the uniform contract every provider adapter satisfies. Respond
// must honor ctx cancellation and deadline; adapters are stateless per call
// and safe for concurrent use.
type Client interface {
	Respond(ctx context.Context, req Request) (Reply, error)

	// Info returns information about the client implementation.
	Info() Info
}

// Mock is a lightweight in-memory Client useful for tests and examples.
type Mock struct {
	info      Info
	mu        sync.RWMutex
	responses map[string]string
	reply     string
	err       error
	delay     time.Duration
	panicWith any
	calls     atomic.Int64
}

// MockOption configures a Mock.
type MockOption func(m *Mock)

// WithReply sets the text returned for prompts without a canned response.
func WithReply(text string) MockOption { return func(m *Mock) { m.reply = text } }

// WithError makes every call fail with err.
func WithError(err error) MockOption { return func(m *Mock) { m.err = err } }

// WithDelay makes every call wait d (or until ctx is done) before answering.
func WithDelay(d time.Duration) MockOption { return func(m *Mock) { m.delay = d } }

// WithPanic makes every call panic with v.
func WithPanic(v any) MockOption { return func(m *Mock) { m.panicWith = v } }

// NewMock constructs a Mock client.
func NewMock(name string, opts ...MockOption) *Mock {
	m := &Mock{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddResponse registers a deterministic canned reply for an input prompt.
func (m *Mock) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Calls returns how many times Respond was invoked.
func (m *Mock) Calls() int { return int(m.calls.Load()) }

// Respond implements Client.
func (m *Mock) Respond(ctx context.Context, req Request) (Reply, error) {
	m.calls.Add(1)

	if m.panicWith != nil {
		panic(m.panicWith)
	}

	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-timer.C:
		}
	}

	if m.err != nil {
		return Reply{}, m.err
	}

	m.mu.RLock()
	text, ok := m.responses[req.Prompt]
	m.mu.RUnlock()

	if !ok {
		text = m.reply
	}
	if text == "" {
		text = fmt.Sprintf("Mock response to: %s", req.Prompt)
	}

	return Reply{Text: text, FinishReason: "stop"}, nil
}

// Info implements Client.
func (m *Mock) Info() Info { return m.info }
