// Package storetest holds the behavioural suite every core.RequestStore
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/internal/testutil"
)

// Run exercises newStore against the RequestStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) core.RequestStore) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("UpdateStatus", func(t *testing.T) { testUpdateStatus(t, newStore(t)) })
	t.Run("ConcurrentTransition", func(t *testing.T) { testConcurrentTransition(t, newStore(t)) })
	t.Run("CountActive", func(t *testing.T) { testCountActive(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
}

func testCreateGet(t *testing.T, s core.RequestStore) {
	ctx := context.Background()
	req := testutil.NewRequest("r1").
		Config(map[string]any{"timeout_seconds": 20.0}).
		Requester("alice", "acme").
		Build()
	req.CallbackURL = "https://example.com/hook"
	require.NoError(t, s.Create(ctx, req))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, req.Prompt, got.Prompt)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, "alice", got.RequesterID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, 20.0, got.Config["timeout_seconds"])
	assert.Equal(t, req.CallbackURL, got.CallbackURL)
	assert.True(t, req.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, req.EstimatedCompletion.Equal(got.EstimatedCompletion))

	got.Prompt = "mutated"
	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Prompt)

	assert.Error(t, s.Create(ctx, req))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testUpdateStatus(t *testing.T, s core.RequestStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testutil.NewRequest("r1").Build()))

	at := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)
	updated, err := s.UpdateStatus(ctx, "r1", []core.Status{core.StatusPending}, core.StatusUpdate{
		Status: core.StatusQueued, UpdatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, updated.Status)
	assert.True(t, at.Equal(updated.UpdatedAt))

	_, err = s.UpdateStatus(ctx, "r1", []core.Status{core.StatusPending}, core.StatusUpdate{Status: core.StatusProcessing})
	var terr *core.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, core.StatusQueued, terr.From)
	assert.Equal(t, core.StatusProcessing, terr.To)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = s.UpdateStatus(ctx, "missing", []core.Status{core.StatusPending}, core.StatusUpdate{Status: core.StatusQueued})
	assert.ErrorIs(t, err, core.ErrNotFound)

	result := &core.ConsensusResult{
		RequestID:           "r1",
		Response:            "Paris",
		Confidence:          0.9,
		Strategy:            core.StrategyMajority,
		ParticipatingModels: []string{"a", "b"},
		TotalResponses:      2,
		ProcessingTime:      1500 * time.Millisecond,
		Metadata:            map[string]any{"consensus_size": 2.0},
	}
	_, err = s.UpdateStatus(ctx, "r1", []core.Status{core.StatusQueued}, core.StatusUpdate{
		Status: core.StatusCompleted, UpdatedAt: at.Add(time.Second), Result: result,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Paris", got.Result.Response)
	assert.Equal(t, []string{"a", "b"}, got.Result.ParticipatingModels)
	assert.Equal(t, 1500*time.Millisecond, got.Result.ProcessingTime)
	assert.Equal(t, 2.0, got.Result.Metadata["consensus_size"])
	assert.Empty(t, got.Error)
}

func testConcurrentTransition(t *testing.T, s core.RequestStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testutil.NewRequest("r1").Status(core.StatusProcessing).Build()))

	targets := []core.Status{core.StatusCompleted, core.StatusFailed, core.StatusCancelled}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []core.Status
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(to core.Status) {
			defer wg.Done()
			_, err := s.UpdateStatus(ctx, "r1", []core.Status{core.StatusProcessing}, core.StatusUpdate{
				Status: to, UpdatedAt: time.Now(), Error: fmt.Sprintf("by %s", to),
			})
			if err == nil {
				mu.Lock()
				wins = append(wins, to)
				mu.Unlock()
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.Status)
	assert.Equal(t, fmt.Sprintf("by %s", wins[0]), got.Error)
}

func testCountActive(t *testing.T, s core.RequestStore) {
	ctx := context.Background()
	for _, r := range []*core.ConsensusRequest{
		testutil.NewRequest("u1").Priority(core.PriorityUrgent).Build(),
		testutil.NewRequest("h1").Priority(core.PriorityHigh).Status(core.StatusQueued).Build(),
		testutil.NewRequest("n1").Status(core.StatusProcessing).Build(),
		testutil.NewRequest("n2").Status(core.StatusCompleted).Build(),
		testutil.NewRequest("h2").Priority(core.PriorityHigh).Status(core.StatusCancelled).Build(),
	} {
		require.NoError(t, s.Create(ctx, r))
	}

	n, err := s.CountActive(ctx, core.PriorityUrgent.AtOrAbove())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountActive(ctx, core.PriorityHigh.AtOrAbove())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountActive(ctx, core.PriorityNormal.AtOrAbove())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testStats(t *testing.T, s core.RequestStore) {
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.QueueStats{}, empty)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []*core.ConsensusRequest{
		testutil.NewRequest("p1").Build(),
		testutil.NewRequest("q1").Status(core.StatusQueued).Build(),
		testutil.NewRequest("x1").Status(core.StatusProcessing).Build(),
		testutil.NewRequest("c1").Status(core.StatusProcessing).Build(),
		testutil.NewRequest("c2").Status(core.StatusProcessing).Build(),
		testutil.NewRequest("f1").Status(core.StatusProcessing).Build(),
	} {
		require.NoError(t, s.Create(ctx, r))
	}
	finish := func(id string, status core.Status, d time.Duration, at time.Time) {
		update := core.StatusUpdate{Status: status, UpdatedAt: at}
		if status == core.StatusCompleted {
			update.Result = &core.ConsensusResult{RequestID: id, Response: "ok", ProcessingTime: d}
		} else {
			update.Error = "boom"
		}
		_, err := s.UpdateStatus(ctx, id, []core.Status{core.StatusProcessing}, update)
		require.NoError(t, err)
	}
	finish("c1", core.StatusCompleted, 2*time.Second, base.Add(time.Minute))
	finish("c2", core.StatusCompleted, 4*time.Second, base.Add(2*time.Minute))
	finish("f1", core.StatusFailed, 0, base.Add(3*time.Minute))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Cancelled)
	assert.InDelta(t, 3.0, stats.AvgProcessingTimeSeconds, 1e-6)
	require.NotNil(t, stats.LastCompletedAt)
	assert.True(t, base.Add(2*time.Minute).Equal(*stats.LastCompletedAt))
}

func testList(t *testing.T, s core.RequestStore) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b := testutil.NewRequest(fmt.Sprintf("a%d", i)).
			Requester("alice", "").
			CreatedAt(base.Add(time.Duration(i) * time.Minute))
		if i == 4 {
			b.Status(core.StatusCompleted)
		}
		require.NoError(t, s.Create(ctx, b.Build()))
	}
	require.NoError(t, s.Create(ctx, testutil.NewRequest("b0").Requester("bob", "").Build()))

	page, err := s.List(ctx, core.HistoryFilter{RequesterID: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a4", page[0].ID)
	assert.Equal(t, "a3", page[1].ID)

	page, err = s.List(ctx, core.HistoryFilter{RequesterID: "alice", Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a1", page[0].ID)
	assert.Equal(t, "a0", page[1].ID)

	page, err = s.List(ctx, core.HistoryFilter{RequesterID: "alice", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = s.List(ctx, core.HistoryFilter{RequesterID: "alice", Status: core.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a4", page[0].ID)

	all, err := s.List(ctx, core.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}
