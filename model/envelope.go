package model

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// DefaultConfidence is assigned when a reply carries no usable confidence.
	DefaultConfidence = 0.7

	// UnstructuredReasoning marks responses synthesized from free-form text.
	UnstructuredReasoning = "Response not in structured format"
)

// EnvelopeInstructions asks a model to answer in the structured envelope
// understood by ParseEnvelope.
const EnvelopeInstructions = `Please provide your response in the following JSON format:
{
    "response": "your main response here",
    "confidence": 0.85,
    "reasoning": "brief explanation of your reasoning",
    "alternatives": ["alternative response 1", "alternative response 2"]
}`

// ErrMalformedEnvelope is returned when a reply has no decodable envelope.
var ErrMalformedEnvelope = errors.New("malformed reply envelope")

// Envelope is the decoded structured reply.
type Envelope struct {
	Response     string
	Confidence   float64
	Reasoning    string
	Alternatives []string
	// Structured is false when the envelope was synthesized from raw text.
	Structured bool
}

// WithEnvelopeInstructions appends the envelope format request to prompt.
func WithEnvelopeInstructions(prompt string) string {
	return prompt + "\n\n" + EnvelopeInstructions
}

// ParseEnvelope decodes the JSON envelope embedded in a reply. It tolerates
// markdown code fences and prose around the JSON object. Confidence is
// clamped to [0, 1]; a missing or unreadable confidence becomes
// DefaultConfidence.
func ParseEnvelope(text string) (Envelope, error) {
	raw, ok := extractObject(text)
	if !ok {
		return Envelope{}, ErrMalformedEnvelope
	}

	doc := gjson.Parse(raw)

	resp := doc.Get("response")
	if !resp.Exists() || strings.TrimSpace(resp.String()) == "" {
		return Envelope{}, ErrMalformedEnvelope
	}

	env := Envelope{
		Response:   resp.String(),
		Confidence: parseConfidence(doc.Get("confidence")),
		Reasoning:  doc.Get("reasoning").String(),
		Structured: true,
	}

	for _, alt := range doc.Get("alternatives").Array() {
		if s := strings.TrimSpace(alt.String()); s != "" {
			env.Alternatives = append(env.Alternatives, s)
		}
	}

	return env, nil
}

// DecodeReply never fails: when the envelope cannot be parsed the raw text
// becomes the response with DefaultConfidence.
func DecodeReply(text string) Envelope {
	if env, err := ParseEnvelope(text); err == nil {
		return env
	}
	return Envelope{
		Response:   strings.TrimSpace(text),
		Confidence: DefaultConfidence,
		Reasoning:  UnstructuredReasoning,
	}
}

func extractObject(text string) (string, bool) {
	s := strings.TrimSpace(text)

	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		s = strings.TrimSpace(body)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}

	candidate := s[start : end+1]
	if !gjson.Valid(candidate) || !gjson.Parse(candidate).IsObject() {
		return "", false
	}

	return candidate, true
}

func parseConfidence(r gjson.Result) float64 {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return DefaultConfidence
		}
		v = f
	default:
		return DefaultConfidence
	}
	return ClampConfidence(v)
}

// ClampConfidence bounds v to [0, 1]. NaN becomes DefaultConfidence.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultConfidence
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
