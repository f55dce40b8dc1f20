package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range ActiveStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, Status("bogus").Valid())
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityUrgent, ParsePriority("URGENT"))
	assert.Equal(t, PriorityHigh, ParsePriority(" high "))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("whenever"))
}

func TestPriority_AtOrAbove(t *testing.T) {
	assert.Equal(t, []Priority{PriorityUrgent}, PriorityUrgent.AtOrAbove())
	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh}, PriorityHigh.AtOrAbove())
	assert.Len(t, PriorityNormal.AtOrAbove(), 3)
	assert.Equal(t, 3*time.Minute, PriorityNormal.EstimatedWait())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyWeighted, s)

	s, err = ParseStrategy("Best_Of_N")
	require.NoError(t, err)
	assert.Equal(t, StrategyBestOfN, s)

	_, err = ParseStrategy("coin_flip")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "strategy", verr.Field)
}

func TestConsensusRequest_Clone(t *testing.T) {
	orig := &ConsensusRequest{
		ID:     "r1",
		Config: map[string]any{"a": 1},
		Result: &ConsensusResult{ParticipatingModels: []string{"m1"}},
	}
	c := orig.Clone()
	c.Config["a"] = 2
	c.Result.ParticipatingModels[0] = "m2"

	assert.Equal(t, 1, orig.Config["a"])
	assert.Equal(t, "m1", orig.Result.ParticipatingModels[0])
	assert.Nil(t, (*ConsensusRequest)(nil).Clone())
}

func TestNewStatusView(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &ConsensusRequest{ID: "r1", Status: StatusPending, Strategy: StrategyMajority, CreatedAt: created}

	v := NewStatusView(req)
	assert.Equal(t, "r1", v.RequestID)
	assert.Nil(t, v.Confidence)
	assert.Nil(t, v.CompletedAt)
	assert.Empty(t, v.ParticipatingModels)

	req.Status = StatusCompleted
	req.UpdatedAt = created.Add(time.Minute)
	req.Result = &ConsensusResult{
		Response:            "ok",
		Confidence:          0.9,
		Strategy:            StrategyMajority,
		ParticipatingModels: []string{"a", "b"},
		TotalResponses:      2,
		ProcessingTime:      1500 * time.Millisecond,
	}

	v = NewStatusView(req)
	require.NotNil(t, v.Confidence)
	assert.InDelta(t, 0.9, *v.Confidence, 1e-9)
	assert.InDelta(t, 1.5, *v.ProcessingTime, 1e-9)
	assert.Equal(t, 2, v.TotalResponses)
	require.NotNil(t, v.CompletedAt)
	assert.Equal(t, req.UpdatedAt, *v.CompletedAt)
}

func TestAttemptLimiter(t *testing.T) {
	l := NewAttemptLimiter(2)
	require.NoError(t, l.Increment())
	require.NoError(t, l.Increment())
	assert.Equal(t, 0, l.Remaining())
	assert.Error(t, l.Increment())
	assert.Equal(t, 3, l.Count())
	assert.Equal(t, 0, l.Remaining())

	assert.Equal(t, -1, NewAttemptLimiter(0).Remaining())
}
