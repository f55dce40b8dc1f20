package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_Respond(t *testing.T) {
	m := NewMock("gpt-4")
	m.AddResponse("hi", "hello")

	reply, err := m.Respond(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text)

	reply, err = m.Respond(context.Background(), Request{Prompt: "other"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", reply.Text)
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, Info{Name: "gpt-4", Provider: "mock"}, m.Info())
}

func TestMock_DelayHonorsContext(t *testing.T) {
	m := NewMock("slow", WithDelay(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Respond(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseEnvelope(t *testing.T) {
	text := "Sure! ```json\n{\"response\":\"Paris\",\"confidence\":0.92,\"reasoning\":\"capital\",\"alternatives\":[\"Lyon\",\"\"]}\n```"

	env, err := ParseEnvelope(text)
	require.NoError(t, err)
	assert.True(t, env.Structured)
	assert.Equal(t, "Paris", env.Response)
	assert.InDelta(t, 0.92, env.Confidence, 1e-9)
	assert.Equal(t, "capital", env.Reasoning)
	assert.Equal(t, []string{"Lyon"}, env.Alternatives)
}

func TestParseEnvelope_ConfidenceHandling(t *testing.T) {
	cases := map[string]float64{
		`{"response":"a"}`:                    DefaultConfidence,
		`{"response":"a","confidence":"0.4"}`: 0.4,
		`{"response":"a","confidence":"hi"}`:  DefaultConfidence,
		`{"response":"a","confidence":7}`:     1,
		`{"response":"a","confidence":-1}`:    0,
	}
	for in, want := range cases {
		env, err := ParseEnvelope(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, env.Confidence, 1e-9, in)
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	for _, in := range []string{"plain text", `{"confidence":0.9}`, `{"response":`, `[1,2]`} {
		_, err := ParseEnvelope(in)
		assert.ErrorIs(t, err, ErrMalformedEnvelope, in)
	}
}

func TestDecodeReply_Fallback(t *testing.T) {
	env := DecodeReply("  just words  ")
	assert.False(t, env.Structured)
	assert.Equal(t, "just words", env.Response)
	assert.Equal(t, DefaultConfidence, env.Confidence)
	assert.Equal(t, UnstructuredReasoning, env.Reasoning)
}

func TestGuard(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(2, time.Minute)
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow())
	g.RecordFailure()
	assert.True(t, g.Allow())
	g.RecordFailure()
	assert.False(t, g.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, g.Allow())

	g.RecordSuccess()
	assert.Zero(t, g.Failures())
	assert.True(t, g.DisabledUntil().IsZero())

	var nilGuard *Guard
	assert.True(t, nilGuard.Allow())
}

func TestGuardSet_For(t *testing.T) {
	s := NewGuardSet(1, time.Minute)
	g := s.For("a")
	assert.Same(t, g, s.For("a"))
	g.RecordFailure()
	assert.False(t, s.For("a").Allow())
	assert.True(t, s.For("b").Allow())

	var nilSet *GuardSet
	assert.Nil(t, nilSet.For("a"))
}

func TestRegistry(t *testing.T) {
	built := 0
	r := NewRegistry(func(k Key) (Client, error) {
		if k.Kind == "broken" {
			return nil, errors.New("no api key")
		}
		built++
		return NewMock(k.Kind), nil
	})

	a1, err := r.Get(Key{TenantID: "t1", Kind: "gpt-4"})
	require.NoError(t, err)
	a2, err := r.Get(Key{TenantID: "t1", Kind: "gpt-4"})
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, built)

	clients, failed := r.Resolve("t2", []string{"gpt-4", "broken", "claude"})
	assert.Len(t, clients, 2)
	assert.Contains(t, failed, "broken")
	assert.Equal(t, "claude", clients[1].Info().Name)

	assert.Equal(t, 2, r.Cleanup("t2"))
	assert.Equal(t, []Key{{TenantID: "t1", Kind: "gpt-4"}}, r.Keys())
}

func TestRegistry_SharedFallback(t *testing.T) {
	r := NewRegistry(nil)
	shared := NewMock("gpt-4")
	r.Register(Key{Kind: "gpt-4"}, shared)

	c, err := r.Get(Key{TenantID: "acme", Kind: "gpt-4"})
	require.NoError(t, err)
	assert.Same(t, shared, c)

	_, err = r.Get(Key{TenantID: "acme", Kind: "grok-2"})
	assert.EqualError(t, err, fmt.Sprintf("no client registered for %s", Key{TenantID: "acme", Kind: "grok-2"}))
}
