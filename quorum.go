// Package quorum wires the consensus service together: request lifecycle,
// background pipeline, model registry and notification hub. A typical
// embedding builds a Quorum with FromConfig, submits prompts, follows them
// through Status, Subscribe or AwaitTerminal, and calls Shutdown on exit.
//
// New without options gives an in-memory setup without models, which is
// what tests and examples start from.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/hupe1980/quorum/config"
	"github.com/hupe1980/quorum/consensus"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/engine"
	"github.com/hupe1980/quorum/fanout"
	"github.com/hupe1980/quorum/lifecycle"
	"github.com/hupe1980/quorum/logging"
	"github.com/hupe1980/quorum/model"
	"github.com/hupe1980/quorum/model/provider"
	"github.com/hupe1980/quorum/notify"
	"github.com/hupe1980/quorum/store/memory"
	"github.com/hupe1980/quorum/store/sqlite"
)

// Options configures the Quorum instance.
type Options struct {
	// Store persists requests. Defaults to an in-memory store.
	Store core.RequestStore

	// Registry provides model clients. Defaults to an empty registry.
	Registry *model.Registry

	// Consensus is the baseline resolver configuration; its Models are the
	// models queried when a request does not name any.
	Consensus consensus.Config

	// DefaultStrategy applies to submissions without a strategy.
	DefaultStrategy core.Strategy

	// Engine carries pipeline timing and limits.
	Engine engine.Config

	// Guards tracks model availability. Nil disables the breaker.
	Guards *model.GuardSet

	// Notifiers receive every notification in addition to the hub.
	Notifiers []core.Notifier

	// CallbackTimeout bounds requester callback delivery.
	CallbackTimeout time.Duration

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Quorum is the high-level façade aggregating lifecycle, engine and hub.
type Quorum struct {
	store    core.RequestStore
	registry *model.Registry
	models   []string
	strategy core.Strategy
	manager  *lifecycle.Manager
	engine   *engine.Engine
	hub      *notify.Hub
	logger   logging.Logger
	closers  []io.Closer
}

// New creates a Quorum with optional overrides. Unset services get
// in-memory defaults.
func New(optFns ...func(o *Options)) *Quorum {
	opts := Options{
		Consensus:       consensus.DefaultConfig(),
		DefaultStrategy: core.StrategyWeighted,
		Engine:          engine.DefaultConfig(),
		CallbackTimeout: notify.DefaultCallbackTimeout,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.Registry == nil {
		opts.Registry = model.NewRegistry(nil)
	}

	hub := notify.NewHub(func(o *notify.HubOptions) { o.Logger = opts.Logger })
	sinks := notify.Multi{hub, notify.LogNotifier{Logger: opts.Logger}}
	sinks = append(sinks, opts.Notifiers...)

	manager := lifecycle.New(opts.Store, func(o *lifecycle.Options) {
		o.Logger = opts.Logger
		o.Consensus = opts.Consensus
	})

	executor := fanout.New(func(o *fanout.Options) {
		o.Logger = opts.Logger
		o.Guards = opts.Guards
	})

	eng := engine.New(manager, opts.Registry, func(o *engine.Options) {
		o.Config = opts.Engine
		o.Consensus = opts.Consensus
		o.Executor = executor
		o.Notifier = sinks
		o.Logger = opts.Logger
		o.Deliverer = notify.NewCallbackClient(func(o *notify.CallbackOptions) {
			o.Timeout = opts.CallbackTimeout
		})
	})

	return &Quorum{
		store:    opts.Store,
		registry: opts.Registry,
		models:   slices.Clone(opts.Consensus.Models),
		strategy: opts.DefaultStrategy,
		manager:  manager,
		engine:   eng,
		hub:      hub,
		logger:   opts.Logger,
	}
}

// FromConfig builds a Quorum from a configuration document: logger,
// store, provider backed registry, consensus defaults and pipeline timing.
func FromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Quorum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.NewSlogLogger(level, cfg.Logging.Format, cfg.Logging.AddSource).WithComponent("quorum")

	var (
		store   core.RequestStore
		closers []io.Closer
	)
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		store = s
		closers = append(closers, s)
	default:
		store = memory.New()
	}

	strategy, err := core.ParseStrategy(cfg.Consensus.Strategy)
	if err != nil {
		return nil, err
	}

	base := consensus.DefaultConfig()
	base.Models = cfg.ModelIDs()
	if len(cfg.Consensus.VotingWeights) > 0 {
		base.VotingWeights = cfg.Consensus.VotingWeights
	}
	if len(cfg.Consensus.ModelExpertise) > 0 {
		base.ModelExpertise = cfg.Consensus.ModelExpertise
	}
	if cfg.Consensus.SimilarityThreshold > 0 {
		base.SimilarityThreshold = cfg.Consensus.SimilarityThreshold
	}
	if cfg.Consensus.UnanimousThreshold > 0 {
		base.UnanimousThreshold = cfg.Consensus.UnanimousThreshold
	}

	p := cfg.Pipeline
	engCfg := engine.Config{
		PacingDelays:        make(map[core.Priority]time.Duration),
		Timeouts:            make(map[core.Priority]time.Duration),
		PerCallTimeout:      config.Seconds(p.PerCallTimeoutSeconds),
		MaxConcurrentRuns:   p.MaxConcurrentRuns,
		MaxFallbackAttempts: p.MaxFallbackAttempts,
		FallbackOrder:       slices.Clone(cfg.Consensus.FallbackOrder),
	}
	for _, pri := range core.PriorityNormal.AtOrAbove() {
		engCfg.PacingDelays[pri] = p.PacingDelay(pri)
		engCfg.Timeouts[pri] = p.Timeout(pri)
	}

	var guards *model.GuardSet
	if p.GuardMaxFailures > 0 {
		guards = model.NewGuardSet(p.GuardMaxFailures, config.Seconds(p.GuardCooldownSeconds))
	}

	available := cfg.AvailableModelIDs()
	if len(available) == 0 {
		logger.Warn("No model credentials found; every request will use the error fallback")
	}

	q := New(append([]func(o *Options){func(o *Options) {
		o.Store = store
		o.Registry = model.NewRegistry(provider.Factory(cfg.Models))
		o.Consensus = base
		o.DefaultStrategy = strategy
		o.Engine = engCfg
		o.Guards = guards
		o.CallbackTimeout = config.Seconds(p.CallbackTimeoutSeconds)
		o.Logger = logger
	}}, optFns...)...)
	q.models = available
	q.closers = closers

	logger.Info("Quorum initialized",
		"store", cfg.Store.Driver,
		"models", available,
		"strategy", strategy,
	)
	return q, nil
}

// Submit validates and persists a request, then hands it to the engine.
// The receipt is returned before any model is called.
func (q *Quorum) Submit(ctx context.Context, in core.SubmitInput) (core.SubmitReceipt, error) {
	if in.Strategy == "" {
		in.Strategy = string(q.strategy)
	}
	receipt, req, err := q.manager.Submit(ctx, in)
	if err != nil {
		return core.SubmitReceipt{}, err
	}
	if err := q.engine.Enqueue(req); err != nil {
		if _, terr := q.manager.Transition(ctx, req.ID, core.StatusFailed, lifecycle.WithError(err.Error())); terr != nil {
			q.logger.Warn("Could not fail unscheduled request", "request_id", req.ID, "error", terr)
		}
		return core.SubmitReceipt{}, err
	}
	return receipt, nil
}

// Get returns the stored request.
func (q *Quorum) Get(ctx context.Context, id string) (*core.ConsensusRequest, error) {
	return q.manager.Get(ctx, id)
}

// Status returns the externally visible view of a request.
func (q *Quorum) Status(ctx context.Context, id string) (core.StatusView, error) {
	req, err := q.manager.Get(ctx, id)
	if err != nil {
		return core.StatusView{}, err
	}
	return core.NewStatusView(req), nil
}

// Cancel cancels a non-terminal request and aborts its run.
func (q *Quorum) Cancel(ctx context.Context, id, requester string) error {
	if _, err := q.manager.Cancel(ctx, id, requester); err != nil {
		return err
	}
	q.engine.Cancel(id)
	return nil
}

// QueueStats summarizes the backlog. It never fails.
func (q *Quorum) QueueStats(ctx context.Context) core.QueueStats {
	return q.manager.QueueStats(ctx)
}

// History returns a requester's requests, newest first.
func (q *Quorum) History(ctx context.Context, filter core.HistoryFilter) ([]core.StatusView, error) {
	reqs, err := q.manager.History(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]core.StatusView, len(reqs))
	for i, r := range reqs {
		views[i] = core.NewStatusView(r)
	}
	return views, nil
}

// Subscribe returns the notification stream of recipient; the empty
// recipient receives all events.
func (q *Quorum) Subscribe(recipient string, buffer int) (<-chan core.NotificationEvent, func()) {
	return q.hub.Subscribe(recipient, buffer)
}

// Models returns the ids of the models that can currently be queried.
func (q *Quorum) Models() []string { return slices.Clone(q.models) }

// Callbacks exposes the pipeline stage hooks.
func (q *Quorum) Callbacks() *engine.CallbackManager { return q.engine.Callbacks() }

// Cleanup evicts the cached model clients of a tenant.
func (q *Quorum) Cleanup(tenantID string) int {
	n := q.registry.Cleanup(tenantID)
	q.logger.Debug("Tenant clients evicted", "tenant_id", tenantID, "count", n)
	return n
}

// AwaitTerminal blocks until the request left the pipeline and returns
// its final record.
func (q *Quorum) AwaitTerminal(ctx context.Context, id string) (*core.ConsensusRequest, error) {
	if err := q.engine.Wait(ctx, id); err != nil {
		return nil, err
	}
	return q.manager.Get(ctx, id)
}

// Shutdown stops the engine and releases the store.
func (q *Quorum) Shutdown(ctx context.Context) error {
	err := q.engine.Shutdown(ctx)
	for _, c := range q.closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
