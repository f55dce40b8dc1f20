package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/store/memory"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(store core.RequestStore) *Manager {
	n := 0
	return New(store, func(o *Options) {
		o.Now = func() time.Time { return fixedNow }
		o.NewID = func() string { n++; return fmt.Sprintf("req-%d", n) }
	})
}

type failingCounter struct {
	*memory.Store
}

func (failingCounter) CountActive(context.Context, []core.Priority) (int, error) {
	return 0, errors.New("db offline")
}

func (failingCounter) Stats(context.Context) (core.QueueStats, error) {
	return core.QueueStats{}, errors.New("db offline")
}

func TestSubmit(t *testing.T) {
	store := memory.New()
	m := newManager(store)
	ctx := context.Background()

	receipt, req, err := m.Submit(ctx, core.SubmitInput{
		Prompt:      "What is the capital of France?",
		Strategy:    "majority",
		Priority:    "HIGH",
		RequesterID: "alice",
		CallbackURL: "https://example.com/hook",
	})
	require.NoError(t, err)

	assert.Equal(t, "req-1", receipt.RequestID)
	assert.Equal(t, core.StatusPending, receipt.Status)
	assert.Equal(t, fixedNow.Add(2*time.Minute), receipt.EstimatedCompletion)
	assert.Equal(t, 1, receipt.QueuePosition)
	assert.Equal(t, "Consensus request req-1 queued for processing", receipt.Message)
	assert.Equal(t, core.StrategyMajority, req.Strategy)
	assert.Equal(t, core.PriorityHigh, req.Priority)

	stored, err := m.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, "alice", stored.RequesterID)
}

func TestSubmit_DefaultsAndQueuePosition(t *testing.T) {
	m := newManager(memory.New())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := m.Submit(ctx, core.SubmitInput{Prompt: "p", Priority: "urgent"})
		require.NoError(t, err)
	}

	receipt, req, err := m.Submit(ctx, core.SubmitInput{Prompt: "p", Priority: "whenever"})
	require.NoError(t, err)
	assert.Equal(t, core.PriorityNormal, req.Priority)
	assert.Equal(t, core.StrategyWeighted, req.Strategy)
	assert.Equal(t, fixedNow.Add(3*time.Minute), receipt.EstimatedCompletion)
	assert.Equal(t, 3, receipt.QueuePosition)

	receipt, _, err = m.Submit(ctx, core.SubmitInput{Prompt: "p", Priority: "urgent"})
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.QueuePosition)
	assert.Equal(t, fixedNow.Add(time.Minute), receipt.EstimatedCompletion)
}

func TestSubmit_QueuePositionDegrades(t *testing.T) {
	m := newManager(failingCounter{memory.New()})

	receipt, _, err := m.Submit(context.Background(), core.SubmitInput{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.QueuePosition)

	assert.Equal(t, core.QueueStats{}, m.QueueStats(context.Background()))
}

func TestSubmit_Validation(t *testing.T) {
	store := memory.New()
	m := newManager(store)

	cases := map[string]core.SubmitInput{
		"prompt":       {Prompt: "   "},
		"strategy":     {Prompt: "p", Strategy: "coin_flip"},
		"config":       {Prompt: "p", Config: map[string]any{"voting_weights": "heavy"}},
		"callback_url": {Prompt: "p", CallbackURL: "ftp://example.com"},
		"relative url": {Prompt: "p", CallbackURL: "/hook"},
	}
	for name, in := range cases {
		_, _, err := m.Submit(context.Background(), in)
		var verr *core.ValidationError
		require.ErrorAs(t, err, &verr, name)
		assert.ErrorIs(t, err, core.ErrValidation, name)
	}
	assert.Equal(t, 0, store.Len())
}

func TestTransition_Graph(t *testing.T) {
	assert.True(t, CanTransition(core.StatusPending, core.StatusQueued))
	assert.True(t, CanTransition(core.StatusQueued, core.StatusProcessing))
	assert.True(t, CanTransition(core.StatusProcessing, core.StatusCompleted))
	assert.False(t, CanTransition(core.StatusPending, core.StatusCompleted))
	assert.False(t, CanTransition(core.StatusCompleted, core.StatusFailed))
	assert.False(t, CanTransition(core.StatusQueued, core.StatusPending))
}

func TestTransition(t *testing.T) {
	m := newManager(memory.New())
	ctx := context.Background()
	_, _, err := m.Submit(ctx, core.SubmitInput{Prompt: "p"})
	require.NoError(t, err)

	req, err := m.Transition(ctx, "req-1", core.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, req.Status)

	_, err = m.Transition(ctx, "req-1", core.StatusCompleted)
	var terr *core.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, core.StatusQueued, terr.From)

	_, err = m.Transition(ctx, "req-1", core.StatusProcessing)
	require.NoError(t, err)

	res := &core.ConsensusResult{RequestID: "req-1", Response: "Paris", Confidence: 0.9}
	req, err = m.Transition(ctx, "req-1", core.StatusCompleted, WithResult(res))
	require.NoError(t, err)
	assert.Equal(t, "Paris", req.Result.Response)

	// terminal states are final
	for _, to := range []core.Status{core.StatusFailed, core.StatusCancelled, core.StatusProcessing, core.StatusPending} {
		_, err = m.Transition(ctx, "req-1", to, WithError("late"))
		assert.ErrorIs(t, err, core.ErrInvalidTransition, to)
	}
	got, err := m.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Empty(t, got.Error)

	_, err = m.Transition(ctx, "missing", core.StatusQueued)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCancel(t *testing.T) {
	m := newManager(memory.New())
	ctx := context.Background()
	_, _, err := m.Submit(ctx, core.SubmitInput{Prompt: "p"})
	require.NoError(t, err)

	req, err := m.Cancel(ctx, "req-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, req.Status)

	_, err = m.Cancel(ctx, "req-1", "alice")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = m.Cancel(ctx, "missing", "alice")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.Transition(ctx, "req-1", core.StatusProcessing)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestCancel_CompletedIsInvalidState(t *testing.T) {
	m := newManager(memory.New())
	ctx := context.Background()
	_, _, err := m.Submit(ctx, core.SubmitInput{Prompt: "p"})
	require.NoError(t, err)
	_, err = m.Transition(ctx, "req-1", core.StatusProcessing)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "req-1", core.StatusCompleted)
	require.NoError(t, err)

	_, err = m.Cancel(ctx, "req-1", "alice")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	got, err := m.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
}

func TestHistory(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	clock := fixedNow
	n := 0
	m := New(store, func(o *Options) {
		o.Now = func() time.Time { clock = clock.Add(time.Second); return clock }
		o.NewID = func() string { n++; return fmt.Sprintf("req-%d", n) }
	})
	for i := 0; i < 3; i++ {
		_, _, err := m.Submit(ctx, core.SubmitInput{Prompt: "p", RequesterID: "alice"})
		require.NoError(t, err)
	}
	_, _, err := m.Submit(ctx, core.SubmitInput{Prompt: "p", RequesterID: "bob"})
	require.NoError(t, err)

	page, err := m.History(ctx, core.HistoryFilter{RequesterID: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "req-3", page[0].ID)
	assert.Equal(t, "req-2", page[1].ID)

	page, err = m.History(ctx, core.HistoryFilter{RequesterID: "alice", Offset: -5})
	require.NoError(t, err)
	assert.Len(t, page, 3)

	_, err = m.History(ctx, core.HistoryFilter{Status: "exploded"})
	assert.ErrorIs(t, err, core.ErrValidation)

	stats := m.QueueStats(ctx)
	assert.Equal(t, 4, stats.Pending)
}
