package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/hupe1980/quorum/consensus"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/fanout"
	"github.com/hupe1980/quorum/lifecycle"
	"github.com/hupe1980/quorum/logging"
)

// process drives one request from pending to a terminal status.
func (e *Engine) process(ctx context.Context, req *core.ConsensusRequest) {
	log := e.logger

	if !e.advance(ctx, req, core.StatusQueued) {
		return
	}
	e.emit(ctx, req, core.EventQueued, map[string]any{
		"priority":             req.Priority,
		"estimated_completion": req.EstimatedCompletion,
	})

	if delay := e.config.PacingDelays[req.Priority]; delay > 0 {
		log.Debug("Pacing request", "request_id", req.ID, "priority", req.Priority, "delay", delay)
		if !sleep(ctx, delay) {
			e.interrupted(ctx, req)
			return
		}
	}

	if !e.acquire(ctx) {
		e.interrupted(ctx, req)
		return
	}
	defer e.release()

	started := e.now()
	if !e.advance(ctx, req, core.StatusProcessing) {
		return
	}

	var (
		result *core.ConsensusResult
		runErr error
	)
	var pc panics.Catcher
	pc.Try(func() {
		result, runErr = e.execute(ctx, req)
	})
	if r := pc.Recovered(); r != nil {
		log.Error("Pipeline panic", "request_id", req.ID, "panic", r.Value)
		result, runErr = nil, fmt.Errorf("pipeline panic: %v", r.Value)
	}

	if ctx.Err() != nil {
		e.interrupted(ctx, req)
		return
	}

	e.finalize(ctx, req, result, runErr, started)
}

// execute runs fan-out and resolution. A non-nil result may accompany an
// error when the fallback path was exhausted.
func (e *Engine) execute(ctx context.Context, req *core.ConsensusRequest) (*core.ConsensusResult, error) {
	cfg, err := consensus.ParseConfig(req.Config, e.consensus)
	if err != nil {
		return nil, err
	}
	cfg.TaskType = req.TaskType

	clients, unavailable := e.clients.Resolve(req.TenantID, cfg.Models)
	for kind, err := range unavailable {
		e.logger.Warn("Model unavailable", "request_id", req.ID, "model", kind, "error", err)
	}
	models := make([]string, len(clients))
	for i, c := range clients {
		models[i] = c.Info().Name
	}

	e.emit(ctx, req, core.EventStarted, map[string]any{"models": models})

	prompt, err := consensus.EnhancePrompt(req.Prompt, req.TaskType, cfg.TaskConfig)
	if err != nil {
		return nil, fmt.Errorf("enhance prompt: %w", err)
	}

	cc := &CallbackContext{Request: req.Clone(), Models: models, Metadata: map[string]any{}}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeFanout, cc); err != nil {
		return nil, err
	}

	e.emit(ctx, req, core.EventProgress, map[string]any{
		"stage":        core.StageModelCalls,
		"total_models": len(models),
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeouts[req.Priority]
	}
	perCall := cfg.PerCallTimeout
	if perCall <= 0 {
		perCall = e.config.PerCallTimeout
	}
	fr := fanout.Request{Prompt: prompt, PerCallTimeout: perCall, OverallTimeout: timeout}

	stageStart := e.now()
	responses := e.executor.Run(ctx, fr, clients, e.observer(ctx, req))
	logging.Stage(e.logger, req.ID, core.StageModelCalls, e.now().Sub(stageStart), ctx.Err())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cc.Responses = responses
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterFanout, cc); err != nil {
		return nil, err
	}

	e.emit(ctx, req, core.EventProgress, map[string]any{
		"stage":           core.StageAggregation,
		"total_responses": len(responses),
	})

	stageStart = e.now()
	result, err := e.resolver.Resolve(responses, req.Strategy, cfg)
	logging.Stage(e.logger, req.ID, core.StageAggregation, e.now().Sub(stageStart), err)
	var fallbackErr error
	if errors.Is(err, core.ErrNoResponses) {
		e.logger.Warn("Consensus failed, using fallback", "request_id", req.ID)
		result, fallbackErr = e.fallback(ctx, req, clients, fr)
	} else if err != nil {
		return nil, err
	}

	cc.Result = result
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterResolve, cc); err != nil {
		return result, err
	}
	return result, fallbackErr
}

func (e *Engine) observer(ctx context.Context, req *core.ConsensusRequest) fanout.Observer {
	return fanout.ObserverFuncs{
		Response: func(resp core.ModelResponse, completed, total int) {
			if ctx.Err() != nil {
				return
			}
			e.emit(ctx, req, core.EventProgress, map[string]any{
				"stage":            core.StageModelResult,
				"model":            resp.Model,
				"models_completed": completed,
				"total_models":     total,
			})
		},
		Failure: func(model string, err error) {
			e.logger.Debug("Model failed during fan-out", "request_id", req.ID, "model", model, "error", err)
		},
	}
}

// finalize persists the terminal status, then notifies and delivers the
// callback. Nothing is emitted when the transition loses a race.
func (e *Engine) finalize(ctx context.Context, req *core.ConsensusRequest, result *core.ConsensusResult, runErr error, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	status := core.StatusCompleted
	errText := ""
	if runErr != nil {
		status = core.StatusFailed
		errText = runErr.Error()
		if result == nil {
			result = &core.ConsensusResult{Strategy: req.Strategy, ParticipatingModels: []string{}}
		}
		result.Error = errText
	}
	result.RequestID = req.ID
	result.ProcessingTime = now.Sub(started)
	result.CompletedAt = now.UTC()

	updated, err := e.transition(ctx, req.ID, status, lifecycle.WithResult(result), lifecycle.WithError(errText))
	if err != nil {
		e.logger.Warn("Terminal transition rejected", "request_id", req.ID, "status", status, "error", err)
		return
	}

	if runErr != nil {
		e.logger.Error("Consensus request failed", "request_id", req.ID, "error", runErr)
	}
	e.logDecision(req, result)

	cc := &CallbackContext{Request: updated.Clone(), Result: result, Models: result.ParticipatingModels, Metadata: map[string]any{}}
	var pc panics.Catcher
	pc.Try(func() {
		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnTerminal, cc); err != nil {
			e.logger.Warn("Terminal callback failed", "request_id", req.ID, "error", err)
		}
	})
	if r := pc.Recovered(); r != nil {
		e.logger.Error("Terminal callback panic", "request_id", req.ID, "panic", r.Value)
	}

	event := core.EventCompleted
	payload := map[string]any{
		"response":             result.Response,
		"confidence":           result.Confidence,
		"strategy":             result.Strategy,
		"participating_models": result.ParticipatingModels,
		"processing_time":      result.ProcessingTime.Seconds(),
	}
	if status == core.StatusFailed {
		event = core.EventFailed
		payload["error"] = errText
	}
	e.emit(ctx, req, event, payload)

	e.deliverCallback(ctx, updated, event)
}

// interrupted handles a cancelled run context. User cancellation is already
// persisted by the lifecycle manager; Shutdown records a failure.
func (e *Engine) interrupted(ctx context.Context, req *core.ConsensusRequest) {
	if !errors.Is(context.Cause(ctx), ErrShuttingDown) {
		e.logger.Info("Run cancelled, results discarded", "request_id", req.ID)
		return
	}
	e.abort(ctx, req, ErrShuttingDown)
}

// advance moves req into a non-terminal status. Store errors are retried
// with a short backoff; a request that still cannot advance is failed so it
// never stays pending or queued without a run. A rejected transition means
// another writer (cancel, shutdown) already owns the request.
func (e *Engine) advance(ctx context.Context, req *core.ConsensusRequest, to core.Status) bool {
	_, err := e.transition(ctx, req.ID, to)
	switch {
	case err == nil:
		return true
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrNotFound):
		e.logger.Warn("Request not advanced", "request_id", req.ID, "status", to, "error", err)
		return false
	case ctx.Err() != nil:
		e.interrupted(ctx, req)
		return false
	}
	e.logger.Error("Could not advance request", "request_id", req.ID, "status", to, "error", err)
	e.abort(ctx, req, fmt.Errorf("advance to %s: %w", to, err))
	return false
}

// transition retries lifecycle transitions that failed in the store.
func (e *Engine) transition(ctx context.Context, id string, to core.Status, opts ...lifecycle.TransitionOption) (*core.ConsensusRequest, error) {
	var err error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		if attempt > 0 && !sleep(ctx, time.Duration(attempt)*transitionBackoff) {
			return nil, err
		}
		var req *core.ConsensusRequest
		req, err = e.lifecycle.Transition(ctx, id, to, opts...)
		if err == nil || errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrNotFound) {
			return req, err
		}
		e.logger.Warn("Status transition failed", "request_id", id, "status", to, "attempt", attempt+1, "error", err)
	}
	return nil, err
}

// abort fails req outside the normal finalize path and emits the failed
// notification.
func (e *Engine) abort(ctx context.Context, req *core.ConsensusRequest, cause error) {
	bg := context.WithoutCancel(ctx)
	result := &core.ConsensusResult{
		RequestID:           req.ID,
		Strategy:            req.Strategy,
		ParticipatingModels: []string{},
		Error:               cause.Error(),
		CompletedAt:         e.now().UTC(),
	}
	if _, err := e.transition(bg, req.ID, core.StatusFailed,
		lifecycle.WithError(cause.Error()), lifecycle.WithResult(result)); err != nil {
		e.logger.Error("Could not fail request", "request_id", req.ID, "cause", cause, "error", err)
		return
	}
	e.emit(bg, req, core.EventFailed, map[string]any{"error": cause.Error()})
}

func (e *Engine) deliverCallback(ctx context.Context, req *core.ConsensusRequest, event core.EventType) {
	if req.CallbackURL == "" || e.deliverer == nil {
		return
	}
	if err := e.deliverer.Deliver(ctx, req.CallbackURL, string(event), core.NewStatusView(req)); err != nil {
		e.logger.Warn("Callback delivery failed", "request_id", req.ID, "url", req.CallbackURL, "error", err)
		return
	}
	e.logger.Debug("Callback delivered", "request_id", req.ID, "url", req.CallbackURL)
}

func (e *Engine) logDecision(req *core.ConsensusRequest, result *core.ConsensusResult) {
	args := []any{
		"request_id", req.ID,
		"strategy", result.Strategy,
		"confidence", result.Confidence,
		"participating_models", result.ParticipatingModels,
		"total_responses", result.TotalResponses,
		"processing_time", result.ProcessingTime,
	}
	if a, ok := result.Metadata["agreement"].(consensus.Agreement); ok {
		args = append(args, "agreement_score", a.Score, "consensus_groups", a.ConsensusGroups)
	}
	if result.FallbackReason != "" {
		args = append(args, "fallback_reason", result.FallbackReason, "fallback_model", result.FallbackModel)
	}
	e.logger.Info("Consensus decision", args...)
}

func (e *Engine) emit(ctx context.Context, req *core.ConsensusRequest, typ core.EventType, payload map[string]any) {
	// A cancelled run context means the request was cancelled or the engine
	// is shutting down; terminal events are emitted on a detached context.
	if e.notifier == nil || ctx.Err() != nil {
		return
	}
	e.notifier.Notify(ctx, core.NotificationEvent{
		Type:        typ,
		RequestID:   req.ID,
		RecipientID: req.RequesterID,
		Payload:     payload,
		Timestamp:   e.now().UTC(),
	})
}

func (e *Engine) acquire(ctx context.Context) bool {
	if e.slots == nil {
		return ctx.Err() == nil
	}
	select {
	case e.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) release() {
	if e.slots != nil {
		<-e.slots
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
