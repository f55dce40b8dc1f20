// Package fanout queries several model clients concurrently under a shared
// deadline and collects whatever succeeds.
package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/logging"
	"github.com/hupe1980/quorum/model"
)

// Request describes one fan-out wave.
type Request struct {
	Prompt       string
	Instructions string
	// PerCallTimeout bounds each client call. Zero means only the overall
	// deadline applies.
	PerCallTimeout time.Duration
	// OverallTimeout bounds the whole wave. Zero means only ctx applies.
	OverallTimeout time.Duration
}

// Options configures an Executor.
type Options struct {
	Logger logging.Logger
	// Guards tracks client availability; nil disables the breaker.
	Guards *model.GuardSet
	// Envelope appends the structured reply instructions to every prompt.
	Envelope bool
}

// Executor coordinates concurrent calls to model clients.
//
// Every candidate runs in its own goroutine and its outcome is isolated:
// errors, panics, empty replies and per-call timeouts are recorded as
// failures without affecting siblings. When the overall deadline expires
// the executor returns the responses collected so far; calls still in
// flight are abandoned and finish into a buffered channel nobody reads.
type Executor struct {
	logger   logging.Logger
	guards   *model.GuardSet
	envelope bool
	now      func() time.Time
}

// New creates an Executor.
func New(optFns ...func(o *Options)) *Executor {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		Envelope: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{
		logger:   opts.Logger,
		guards:   opts.Guards,
		envelope: opts.Envelope,
		now:      time.Now,
	}
}

type outcome struct {
	index int
	resp  core.ModelResponse
	err   error
}

// Run calls every available client with req and returns the successful
// responses in candidate order. An empty result is a valid outcome; Run
// itself never fails.
//
// Observer callbacks run on the caller's goroutine, in completion order.
func (e *Executor) Run(ctx context.Context, req Request, clients []model.Client, obs Observer) []core.ModelResponse {
	if obs == nil {
		obs = NopObserver{}
	}

	candidates := make([]model.Client, 0, len(clients))
	for _, c := range clients {
		name := c.Info().Name
		if !e.guards.For(name).Allow() {
			e.logger.Warn("Skipping unavailable model", "model", name,
				"disabled_until", e.guards.For(name).DisabledUntil())
			continue
		}
		candidates = append(candidates, c)
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Info().Name
	}
	obs.OnStart(names)

	if len(candidates) == 0 {
		obs.OnDone(0, 0)
		return nil
	}

	batchCtx := ctx
	if req.OverallTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, req.OverallTimeout)
		defer cancel()
	}

	prompt := req.Prompt
	if e.envelope {
		prompt = model.WithEnvelopeInstructions(prompt)
	}
	call := model.Request{Instructions: req.Instructions, Prompt: prompt}

	results := make(chan outcome, len(candidates))
	for i, c := range candidates {
		go func(i int, c model.Client) {
			resp, err := e.call(batchCtx, c, call, req.PerCallTimeout)
			results <- outcome{index: i, resp: resp, err: err}
		}(i, c)
	}

	collected := make([]*core.ModelResponse, len(candidates))
	succeeded, pending := 0, len(candidates)

collect:
	for pending > 0 {
		select {
		case o := <-results:
			pending--
			guard := e.guards.For(names[o.index])
			if o.err != nil {
				guard.RecordFailure()
				obs.OnFailure(names[o.index], o.err)
				continue
			}
			guard.RecordSuccess()
			resp := o.resp
			collected[o.index] = &resp
			succeeded++
			obs.OnResponse(resp, succeeded, len(candidates))
		case <-batchCtx.Done():
			e.logger.Warn("Fan-out deadline reached",
				"completed", len(candidates)-pending,
				"abandoned", pending,
				"error", batchCtx.Err(),
			)
			break collect
		}
	}

	out := make([]core.ModelResponse, 0, succeeded)
	for _, r := range collected {
		if r != nil {
			out = append(out, *r)
		}
	}

	obs.OnDone(len(out), len(candidates))

	return out
}

// call performs one isolated client call.
func (e *Executor) call(ctx context.Context, c model.Client, req model.Request, timeout time.Duration) (resp core.ModelResponse, err error) {
	name := c.Info().Name

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := e.now()

	var reply model.Reply
	var pc panics.Catcher
	pc.Try(func() {
		reply, err = c.Respond(callCtx, req)
	})
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("panic: %v", r.Value)
	}

	latency := e.now().Sub(start)

	if err == nil && strings.TrimSpace(reply.Text) == "" {
		err = model.ErrEmptyReply
	}
	if err != nil {
		logging.ModelCall(e.logger, name, 0, latency, err)
		return core.ModelResponse{}, &core.AdapterError{Model: name, Err: err}
	}

	env := model.DecodeReply(reply.Text)
	if !env.Structured {
		e.logger.Debug("Reply not in structured format", "model", name)
	}

	tokens := 0
	if reply.Usage != nil {
		tokens = reply.Usage.TotalTokens
	}
	logging.ModelCall(e.logger, name, tokens, latency, nil)

	return core.ModelResponse{
		Model:        name,
		Response:     env.Response,
		Confidence:   env.Confidence,
		Reasoning:    env.Reasoning,
		Alternatives: env.Alternatives,
		Latency:      latency,
		Timestamp:    start,
		Raw:          reply.Text,
	}, nil
}

// Call performs a single isolated call outside a fan-out wave, as used by
// the fallback path. It shares the guard bookkeeping with Run.
func (e *Executor) Call(ctx context.Context, c model.Client, req Request) (core.ModelResponse, error) {
	prompt := req.Prompt
	if e.envelope {
		prompt = model.WithEnvelopeInstructions(prompt)
	}
	name := c.Info().Name
	guard := e.guards.For(name)
	if !guard.Allow() {
		return core.ModelResponse{}, &core.AdapterError{Model: name, Err: fmt.Errorf("model unavailable until %s", guard.DisabledUntil().Format(time.RFC3339))}
	}

	resp, err := e.call(ctx, c, model.Request{Instructions: req.Instructions, Prompt: prompt}, req.PerCallTimeout)
	if err != nil {
		guard.RecordFailure()
		return core.ModelResponse{}, err
	}
	guard.RecordSuccess()
	return resp, nil
}
