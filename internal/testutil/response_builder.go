package testutil

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/quorum/core"
)

// ResponseBuilder provides a fluent helper for constructing model responses
// in tests. Example:
//
//	r := NewResponse("gpt-4").Text("Paris").Confidence(0.9).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type ResponseBuilder struct {
	resp core.ModelResponse
}

// NewResponse creates a builder for model with confidence 0.8 and a 3s latency.
func NewResponse(model string) *ResponseBuilder {
	return &ResponseBuilder{resp: core.ModelResponse{
		Model:      model,
		Response:   "response from " + model,
		Confidence: 0.8,
		Latency:    3 * time.Second,
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
}

// Text sets the response text (chainable).
func (b *ResponseBuilder) Text(t string) *ResponseBuilder { b.resp.Response = t; return b }

// Confidence sets the confidence (chainable).
func (b *ResponseBuilder) Confidence(c float64) *ResponseBuilder { b.resp.Confidence = c; return b }

// Reasoning sets the reasoning text (chainable).
func (b *ResponseBuilder) Reasoning(r string) *ResponseBuilder { b.resp.Reasoning = r; return b }

// Alternatives sets the alternatives (chainable).
func (b *ResponseBuilder) Alternatives(a ...string) *ResponseBuilder {
	b.resp.Alternatives = a
	return b
}

// Latency sets the call latency (chainable).
func (b *ResponseBuilder) Latency(d time.Duration) *ResponseBuilder { b.resp.Latency = d; return b }

// Build returns the constructed response.
func (b *ResponseBuilder) Build() core.ModelResponse { return b.resp }

// Responses builds several responses at once.
func Responses(builders ...*ResponseBuilder) []core.ModelResponse {
	out := make([]core.ModelResponse, len(builders))
	for i, b := range builders {
		out[i] = b.Build()
	}
	return out
}

// Envelope renders the structured JSON reply a model would send.
func Envelope(response string, confidence float64) string {
	b, _ := json.Marshal(map[string]any{
		"response":   response,
		"confidence": confidence,
		"reasoning":  "test reasoning",
	})
	return string(b)
}
