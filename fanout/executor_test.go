package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/internal/testutil"
	"github.com/hupe1980/quorum/model"
)

type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	responses []string
	failures  []string
	done      [2]int
}

func (r *recordingObserver) OnStart(models []string) { r.started = models }
func (r *recordingObserver) OnResponse(resp core.ModelResponse, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp.Model)
}
func (r *recordingObserver) OnFailure(model string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, model)
}
func (r *recordingObserver) OnDone(succeeded, total int) { r.done = [2]int{succeeded, total} }

type promptCapture struct {
	mu     sync.Mutex
	prompt string
}

func (p *promptCapture) Respond(_ context.Context, req model.Request) (model.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompt = req.Prompt
	return model.Reply{Text: testutil.Envelope("ok", 0.9)}, nil
}

func (p *promptCapture) Info() model.Info { return model.Info{Name: "capture", Provider: "test"} }

func TestExecutor_IsolatesFailures(t *testing.T) {
	clients := []model.Client{
		model.NewMock("gpt-4", model.WithReply(testutil.Envelope("Paris", 0.9))),
		model.NewMock("claude-3-sonnet", model.WithError(errors.New("rate limited"))),
		model.NewMock("grok-2", model.WithPanic("boom")),
		model.NewMock("gemini-2.5-flash", model.WithReply(testutil.Envelope("Paris!", 0.8))),
	}
	obs := &recordingObserver{}

	out := New().Run(context.Background(), Request{Prompt: "capital?", OverallTimeout: time.Second}, clients, obs)

	require.Len(t, out, 2)
	assert.Equal(t, "gpt-4", out[0].Model)
	assert.Equal(t, "gemini-2.5-flash", out[1].Model)
	assert.Equal(t, "Paris", out[0].Response)
	assert.Equal(t, 0.9, out[0].Confidence)
	assert.NotEmpty(t, out[0].Raw)

	assert.Len(t, obs.started, 4)
	assert.ElementsMatch(t, []string{"claude-3-sonnet", "grok-2"}, obs.failures)
	assert.Equal(t, [2]int{2, 4}, obs.done)
}

func TestExecutor_OverallDeadlineReturnsPartialResults(t *testing.T) {
	clients := []model.Client{
		model.NewMock("slow", model.WithDelay(5*time.Second)),
		model.NewMock("fast", model.WithReply(testutil.Envelope("quick", 0.6))),
	}

	start := time.Now()
	out := New().Run(context.Background(), Request{Prompt: "p", OverallTimeout: 100 * time.Millisecond}, clients, nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, out, 1)
	assert.Equal(t, "fast", out[0].Model)
}

func TestExecutor_PerCallTimeout(t *testing.T) {
	clients := []model.Client{
		model.NewMock("slow", model.WithDelay(5*time.Second)),
		model.NewMock("fast"),
	}
	obs := &recordingObserver{}

	out := New().Run(context.Background(), Request{Prompt: "p", PerCallTimeout: 50 * time.Millisecond}, clients, obs)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"slow"}, obs.failures)
}

func TestExecutor_UnstructuredReplyFallsBack(t *testing.T) {
	clients := []model.Client{model.NewMock("m", model.WithReply("just some words"))}

	out := New().Run(context.Background(), Request{Prompt: "p"}, clients, nil)

	require.Len(t, out, 1)
	assert.Equal(t, "just some words", out[0].Response)
	assert.Equal(t, model.DefaultConfidence, out[0].Confidence)
	assert.Equal(t, model.UnstructuredReasoning, out[0].Reasoning)
}

func TestExecutor_AppendsEnvelopeInstructions(t *testing.T) {
	capture := &promptCapture{}
	New().Run(context.Background(), Request{Prompt: "question"}, []model.Client{capture}, nil)
	assert.True(t, strings.HasPrefix(capture.prompt, "question"))
	assert.Contains(t, capture.prompt, model.EnvelopeInstructions)

	New(func(o *Options) { o.Envelope = false }).Run(context.Background(), Request{Prompt: "question"}, []model.Client{capture}, nil)
	assert.Equal(t, "question", capture.prompt)
}

func TestExecutor_GuardSkipsUnavailableModels(t *testing.T) {
	failing := model.NewMock("flaky", model.WithError(errors.New("down")))
	healthy := model.NewMock("healthy")
	exec := New(func(o *Options) { o.Guards = model.NewGuardSet(1, time.Hour) })

	out := exec.Run(context.Background(), Request{Prompt: "p"}, []model.Client{failing, healthy}, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, failing.Calls())

	obs := &recordingObserver{}
	out = exec.Run(context.Background(), Request{Prompt: "p"}, []model.Client{failing, healthy}, obs)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, failing.Calls())
	assert.Equal(t, []string{"healthy"}, obs.started)

	_, err := exec.Call(context.Background(), failing, Request{Prompt: "p"})
	var aerr *core.AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "flaky", aerr.Model)
}

func TestExecutor_NoCandidates(t *testing.T) {
	obs := &recordingObserver{done: [2]int{-1, -1}}
	out := New().Run(context.Background(), Request{Prompt: "p"}, nil, obs)
	assert.Empty(t, out)
	assert.Equal(t, [2]int{0, 0}, obs.done)
}

func TestExecutor_Call(t *testing.T) {
	resp, err := New().Call(context.Background(), model.NewMock("m", model.WithReply(testutil.Envelope("hi", 0.4))), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Response)
	assert.Equal(t, 0.4, resp.Confidence)

	_, err = New().Call(context.Background(), model.NewMock("e", model.WithReply(" ")), Request{Prompt: "p"})
	assert.ErrorIs(t, err, model.ErrEmptyReply)
}
