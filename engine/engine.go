package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/quorum/consensus"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/fanout"
	"github.com/hupe1980/quorum/lifecycle"
	"github.com/hupe1980/quorum/logging"
	"github.com/hupe1980/quorum/model"
	"github.com/hupe1980/quorum/notify"
)

var (
	// ErrShuttingDown is returned by Enqueue after Shutdown and is the
	// error recorded on requests interrupted by Shutdown.
	ErrShuttingDown = errors.New("engine shutting down")
	// ErrAllModelsFailed is recorded when neither consensus nor any
	// single-model fallback produced an answer.
	ErrAllModelsFailed = errors.New("all models failed to respond")

	errCancelled = errors.New("request cancelled")
)

// Store errors on a status transition are retried this often, backing off
// linearly.
const (
	transitionAttempts = 3
	transitionBackoff  = 50 * time.Millisecond
)

// Config defines the timing and resource limits of the pipeline.
type Config struct {
	// PacingDelays is the wait applied after a request is queued, per
	// priority. Missing priorities start immediately.
	PacingDelays map[core.Priority]time.Duration

	// Timeouts bounds the fan-out wave per priority. A request config
	// timeout_seconds overrides it.
	Timeouts map[core.Priority]time.Duration

	// PerCallTimeout bounds each individual model call. Zero disables it.
	PerCallTimeout time.Duration

	// MaxConcurrentRuns limits how many requests are processing at once.
	// Zero means unlimited.
	MaxConcurrentRuns int

	// MaxFallbackAttempts caps single-model attempts on the fallback path.
	// Zero means one attempt per candidate.
	MaxFallbackAttempts int

	// FallbackOrder is the preferred model order on the fallback path.
	// Models not listed follow in request order.
	FallbackOrder []string
}

// DefaultConfig provides the production timing.
//
// Configuration values:
//   - PacingDelays: urgent 0s, high 5s, normal 10s
//   - Timeouts: urgent 45s, high 90s, normal 150s
//   - PerCallTimeout: 45s
//   - MaxConcurrentRuns: 8
func DefaultConfig() Config {
	return Config{
		PacingDelays: map[core.Priority]time.Duration{
			core.PriorityUrgent: 0,
			core.PriorityHigh:   5 * time.Second,
			core.PriorityNormal: 10 * time.Second,
		},
		Timeouts: map[core.Priority]time.Duration{
			core.PriorityUrgent: 45 * time.Second,
			core.PriorityHigh:   90 * time.Second,
			core.PriorityNormal: 150 * time.Second,
		},
		PerCallTimeout:    45 * time.Second,
		MaxConcurrentRuns: 8,
	}
}

// ClientSource yields the model clients for a tenant. *model.Registry
// implements it.
type ClientSource interface {
	Resolve(tenantID string, kinds []string) ([]model.Client, map[string]error)
}

// Deliverer posts a terminal status to a requester callback URL.
// *notify.CallbackClient implements it.
type Deliverer interface {
	Deliver(ctx context.Context, url string, event string, payload any) error
}

// Options configures an Engine instance using the functional options pattern.
//
// Every dependency except the lifecycle manager and the client source has
// a default, so a minimal engine only needs:
//
//	eng := engine.New(manager, registry)
//
// Production wiring typically overrides the logger, notifier and timing:
//
//	eng := engine.New(manager, registry, func(o *engine.Options) {
//	    o.Logger = logger
//	    o.Notifier = notify.Multi{hub, notify.LogNotifier{Logger: logger}}
//	    o.Config.MaxConcurrentRuns = 16
//	})
type Options struct {
	// Config contains the pipeline timing. Defaults to DefaultConfig().
	Config Config

	// Consensus is the baseline resolver configuration that request
	// configs are overlaid on.
	Consensus consensus.Config

	Executor  *fanout.Executor
	Resolver  *consensus.Resolver
	Notifier  core.Notifier
	Callbacks *CallbackManager
	Deliverer Deliverer

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine runs accepted consensus requests in the background.
//
// Each Enqueue starts one goroutine that drives the request through the
// pipeline: queued, pacing delay, concurrency slot, processing, fan-out,
// resolution (or fallback) and exactly one terminal transition. Status
// changes go through the lifecycle manager, whose conditional updates
// make a concurrent Cancel win or lose atomically: once a request is
// cancelled, the run's later writes are rejected and its results are
// discarded.
//
// Concurrency Model:
//   - one goroutine per request, bounded at processing time by a semaphore
//   - fan-out parallelism is owned by the fanout.Executor
//   - run contexts derive from an engine context that Shutdown cancels
type Engine struct {
	lifecycle *lifecycle.Manager
	clients   ClientSource

	config    Config
	consensus consensus.Config
	executor  *fanout.Executor
	resolver  *consensus.Resolver
	notifier  core.Notifier
	callbacks *CallbackManager
	deliverer Deliverer
	logger    logging.Logger
	now       func() time.Time

	slots chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu      sync.Mutex
	runs    map[string]*run
	closing bool
	wg      sync.WaitGroup
}

// New creates an Engine. The engine does not own manager or clients.
func New(manager *lifecycle.Manager, clients ClientSource, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig(),
		Consensus: consensus.DefaultConfig(),
		Notifier:  notify.Nop{},
		Callbacks: NewCallbackManager(),
		Deliverer: notify.NewCallbackClient(),
		Logger:    logging.NoOpLogger{},
		Now:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Executor == nil {
		opts.Executor = fanout.New(func(o *fanout.Options) { o.Logger = opts.Logger })
	}
	if opts.Resolver == nil {
		opts.Resolver = consensus.NewResolver(func(o *consensus.ResolverOptions) { o.Logger = opts.Logger })
	}

	var slots chan struct{}
	if opts.Config.MaxConcurrentRuns > 0 {
		slots = make(chan struct{}, opts.Config.MaxConcurrentRuns)
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())

	return &Engine{
		lifecycle:  manager,
		clients:    clients,
		config:     opts.Config,
		consensus:  opts.Consensus,
		executor:   opts.Executor,
		resolver:   opts.Resolver,
		notifier:   opts.Notifier,
		callbacks:  opts.Callbacks,
		deliverer:  opts.Deliverer,
		logger:     opts.Logger,
		now:        opts.Now,
		slots:      slots,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*run),
	}
}

// Callbacks returns the stage callback registry.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Enqueue schedules req for background processing and returns
// immediately. A request can be enqueued once.
func (e *Engine) Enqueue(req *core.ConsensusRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrShuttingDown
	}
	if _, ok := e.runs[req.ID]; ok {
		return fmt.Errorf("request %s is already running", req.ID)
	}

	ctx, cancel := context.WithCancelCause(e.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[req.ID] = r
	e.wg.Add(1)

	snapshot := req.Clone()
	go func() {
		defer func() {
			cancel(nil)
			e.mu.Lock()
			delete(e.runs, snapshot.ID)
			e.mu.Unlock()
			close(r.done)
			e.wg.Done()
		}()
		e.process(ctx, snapshot)
	}()
	return nil
}

// Cancel aborts the in-flight run of id, if any. Its results are
// discarded. The status change itself belongs to the lifecycle manager.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		r.cancel(errCancelled)
	}
	return ok
}

// Running reports how many requests are in the pipeline.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Wait blocks until the run of id has finished or ctx is done. It returns
// immediately when id is not running.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests, interrupts every running request
// (recording it as failed with ErrShuttingDown) and waits for the runs to
// finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	e.baseCancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
