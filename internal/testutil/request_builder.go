package testutil

import (
	"time"

	"github.com/hupe1980/quorum/core"
)

// RequestBuilder offers a fluent way to create consensus requests for tests.
type RequestBuilder struct {
	req core.ConsensusRequest
}

// NewRequest creates a pending normal priority request with the given id.
func NewRequest(id string) *RequestBuilder {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &RequestBuilder{req: core.ConsensusRequest{
		ID:                  id,
		Prompt:              "What is the capital of France?",
		TaskType:            "conversation",
		Strategy:            core.StrategyWeighted,
		Priority:            core.PriorityNormal,
		Status:              core.StatusPending,
		RequesterID:         "user-1",
		CreatedAt:           now,
		UpdatedAt:           now,
		EstimatedCompletion: now.Add(core.PriorityNormal.EstimatedWait()),
	}}
}

// Prompt sets the prompt (chainable).
func (b *RequestBuilder) Prompt(p string) *RequestBuilder { b.req.Prompt = p; return b }

// Strategy sets the strategy (chainable).
func (b *RequestBuilder) Strategy(s core.Strategy) *RequestBuilder { b.req.Strategy = s; return b }

// Priority sets the priority (chainable).
func (b *RequestBuilder) Priority(p core.Priority) *RequestBuilder { b.req.Priority = p; return b }

// Status sets the status (chainable).
func (b *RequestBuilder) Status(s core.Status) *RequestBuilder { b.req.Status = s; return b }

// Requester sets requester and tenant (chainable).
func (b *RequestBuilder) Requester(user, tenant string) *RequestBuilder {
	b.req.RequesterID = user
	b.req.TenantID = tenant
	return b
}

// CreatedAt sets creation and update time (chainable).
func (b *RequestBuilder) CreatedAt(t time.Time) *RequestBuilder {
	b.req.CreatedAt = t
	b.req.UpdatedAt = t
	return b
}

// Config sets the request config (chainable).
func (b *RequestBuilder) Config(c map[string]any) *RequestBuilder { b.req.Config = c; return b }

// Build returns a pointer to a fresh copy of the request.
func (b *RequestBuilder) Build() *core.ConsensusRequest { return b.req.Clone() }
