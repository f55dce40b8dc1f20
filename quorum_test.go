package quorum

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum/config"
	"github.com/hupe1980/quorum/consensus"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/engine"
	"github.com/hupe1980/quorum/model"
	"github.com/hupe1980/quorum/store/sqlite"
)

const mockConfig = `
store:
  driver: memory
models:
  - id: alpha
    provider: mock
  - id: beta
    provider: mock
consensus:
  strategy: majority
pipeline:
  pacing_delay_seconds: {urgent: 0, high: 0, normal: 0}
  timeout_seconds: {urgent: 5, high: 5, normal: 5}
  per_call_timeout_seconds: 2
  guard_max_failures: -1
`

func newMockConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(mockConfig))
	require.NoError(t, err)
	return cfg
}

func await(t *testing.T, q *Quorum, id string) *core.ConsensusRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := q.AwaitTerminal(ctx, id)
	require.NoError(t, err)
	return req
}

func TestFromConfig_EndToEnd(t *testing.T) {
	ctx := context.Background()
	q, err := FromConfig(ctx, newMockConfig(t))
	require.NoError(t, err)
	defer func() { _ = q.Shutdown(ctx) }()

	assert.Equal(t, []string{"alpha", "beta"}, q.Models())

	events, unsubscribe := q.Subscribe("alice", 64)
	defer unsubscribe()

	receipt, err := q.Submit(ctx, core.SubmitInput{
		Prompt:      "Which plan fits a team of five?",
		RequesterID: "alice",
		Priority:    "urgent",
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, receipt.Status)

	req := await(t, q, receipt.RequestID)
	require.Equal(t, core.StatusCompleted, req.Status)
	require.NotNil(t, req.Result)
	assert.Equal(t, core.StrategyMajority, req.Result.Strategy)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, req.Result.ParticipatingModels)
	assert.Equal(t, 2, req.Result.TotalResponses)

	view, err := q.Status(ctx, receipt.RequestID)
	require.NoError(t, err)
	require.NotNil(t, view.Confidence)
	require.NotNil(t, view.CompletedAt)

	var types []core.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, core.EventQueued, types[0])
	assert.Equal(t, core.EventCompleted, types[len(types)-1])
}

func TestFromConfig_SqliteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quorum.db")

	cfg := newMockConfig(t)
	cfg.Store = config.Store{Driver: "sqlite", Path: path}

	q, err := FromConfig(ctx, cfg)
	require.NoError(t, err)

	receipt, err := q.Submit(ctx, core.SubmitInput{Prompt: "hello", Priority: "urgent", RequesterID: "bob"})
	require.NoError(t, err)
	await(t, q, receipt.RequestID)
	require.NoError(t, q.Shutdown(ctx))

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	req, err := s.Get(ctx, receipt.RequestID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, req.Status)
	require.NotNil(t, req.Result)
	assert.Equal(t, 2, req.Result.TotalResponses)
}

func TestFromConfig_InvalidConfig(t *testing.T) {
	cfg := newMockConfig(t)
	cfg.Store.Driver = "postgres"

	_, err := FromConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func newSlowQuorum(t *testing.T) *Quorum {
	t.Helper()
	registry := model.NewRegistry(nil)
	registry.Register(model.Key{Kind: "slow"}, model.NewMock("slow", model.WithDelay(time.Minute)))

	base := consensus.DefaultConfig()
	base.Models = []string{"slow"}

	q := New(func(o *Options) {
		o.Registry = registry
		o.Consensus = base
		o.Engine = engine.Config{
			Timeouts: map[core.Priority]time.Duration{
				core.PriorityUrgent: time.Minute,
				core.PriorityHigh:   time.Minute,
				core.PriorityNormal: time.Minute,
			},
			PerCallTimeout:      time.Minute,
			MaxFallbackAttempts: 1,
		}
	})
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	return q
}

func TestQuorum_CancelAndHistory(t *testing.T) {
	ctx := context.Background()
	q := newSlowQuorum(t)

	receipt, err := q.Submit(ctx, core.SubmitInput{Prompt: "long question", RequesterID: "carol"})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, receipt.RequestID, "carol"))
	req := await(t, q, receipt.RequestID)
	assert.Equal(t, core.StatusCancelled, req.Status)

	err = q.Cancel(ctx, receipt.RequestID, "carol")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	views, err := q.History(ctx, core.HistoryFilter{RequesterID: "carol"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, core.StatusCancelled, views[0].Status)

	stats := q.QueueStats(ctx)
	assert.Equal(t, 1, stats.Cancelled)
}

func TestQuorum_SubmitValidation(t *testing.T) {
	q := New()
	defer func() { _ = q.Shutdown(context.Background()) }()

	_, err := q.Submit(context.Background(), core.SubmitInput{Prompt: "  "})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestQuorum_SubmitAfterShutdown(t *testing.T) {
	ctx := context.Background()
	q := New()
	require.NoError(t, q.Shutdown(ctx))

	_, err := q.Submit(ctx, core.SubmitInput{Prompt: "too late", RequesterID: "dave"})
	require.ErrorIs(t, err, engine.ErrShuttingDown)

	views, err := q.History(ctx, core.HistoryFilter{RequesterID: "dave"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, core.StatusFailed, views[0].Status)
}

func TestQuorum_StatusUnknown(t *testing.T) {
	q := New()
	defer func() { _ = q.Shutdown(context.Background()) }()

	_, err := q.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
