// Package lifecycle owns the consensus request record: submission,
// validated status transitions, cancellation and read queries.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/quorum/consensus"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/logging"
)

const (
	// DefaultHistoryLimit applies when a history query has no limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 500
)

// allowedFrom maps each target status to the statuses it may be entered from.
var allowedFrom = map[core.Status][]core.Status{
	core.StatusQueued:     {core.StatusPending},
	core.StatusProcessing: {core.StatusPending, core.StatusQueued},
	core.StatusCompleted:  {core.StatusProcessing},
	core.StatusFailed:     {core.StatusPending, core.StatusQueued, core.StatusProcessing},
	core.StatusCancelled:  {core.StatusPending, core.StatusQueued, core.StatusProcessing},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func CanTransition(from, to core.Status) bool {
	return slices.Contains(allowedFrom[to], from)
}

// Options configures a Manager.
type Options struct {
	Logger logging.Logger
	// Consensus is the baseline request config; submitted configs are
	// validated against it.
	Consensus consensus.Config
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// NewID generates request ids. Defaults to uuid.NewString.
	NewID func() string
}

// Manager is the single writer of request status. Every transition is an
// atomic compare-and-set in the store, so concurrent writers cannot both
// win and terminal requests never change again.
type Manager struct {
	store     core.RequestStore
	logger    logging.Logger
	consensus consensus.Config
	now       func() time.Time
	newID     func() string
}

// New creates a Manager on top of store.
func New(store core.RequestStore, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Logger:    logging.NoOpLogger{},
		Consensus: consensus.DefaultConfig(),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		store:     store,
		logger:    opts.Logger,
		consensus: opts.Consensus,
		now:       opts.Now,
		newID:     opts.NewID,
	}
}

// Submit validates in, persists a pending request and returns the receipt
// together with the stored record. Validation failures return a
// *core.ValidationError and nothing is stored.
func (m *Manager) Submit(ctx context.Context, in core.SubmitInput) (core.SubmitReceipt, *core.ConsensusRequest, error) {
	strategy, err := m.validate(in)
	if err != nil {
		return core.SubmitReceipt{}, nil, err
	}

	now := m.now().UTC()
	priority := core.ParsePriority(in.Priority)
	req := &core.ConsensusRequest{
		ID:                  m.newID(),
		Prompt:              in.Prompt,
		TaskType:            strings.TrimSpace(in.TaskType),
		Strategy:            strategy,
		Config:              in.Config,
		CallbackURL:         strings.TrimSpace(in.CallbackURL),
		RequesterID:         in.RequesterID,
		TenantID:            in.TenantID,
		Priority:            priority,
		Status:              core.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
		EstimatedCompletion: now.Add(priority.EstimatedWait()),
	}
	if err := m.store.Create(ctx, req); err != nil {
		return core.SubmitReceipt{}, nil, fmt.Errorf("create consensus request: %w", err)
	}

	position := m.queuePosition(ctx, priority)

	m.logger.Info("Consensus request submitted",
		"request_id", req.ID,
		"requester_id", req.RequesterID,
		"strategy", req.Strategy,
		"priority", req.Priority,
		"queue_position", position,
	)

	return core.SubmitReceipt{
		RequestID:           req.ID,
		Status:              req.Status,
		EstimatedCompletion: req.EstimatedCompletion,
		QueuePosition:       position,
		Message:             fmt.Sprintf("Consensus request %s queued for processing", req.ID),
	}, req.Clone(), nil
}

func (m *Manager) validate(in core.SubmitInput) (core.Strategy, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return "", &core.ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	strategy, err := core.ParseStrategy(in.Strategy)
	if err != nil {
		return "", err
	}
	if len(in.Config) > 0 {
		if _, err := consensus.ParseConfig(in.Config, m.consensus); err != nil {
			return "", err
		}
	}
	if cb := strings.TrimSpace(in.CallbackURL); cb != "" {
		u, err := url.Parse(cb)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", &core.ValidationError{Field: "callback_url", Value: cb, Message: "must be an absolute http(s) URL"}
		}
	}
	return strategy, nil
}

// queuePosition never fails: counting problems degrade to position 1.
func (m *Manager) queuePosition(ctx context.Context, p core.Priority) int {
	n, err := m.store.CountActive(ctx, p.AtOrAbove())
	if err != nil {
		m.logger.Warn("Queue position unavailable", "error", err)
		return 1
	}
	return max(n, 1)
}

// TransitionOption sets optional fields written together with a status.
type TransitionOption func(u *core.StatusUpdate)

// WithError records an error message.
func WithError(msg string) TransitionOption {
	return func(u *core.StatusUpdate) { u.Error = msg }
}

// WithResult attaches the consensus result.
func WithResult(res *core.ConsensusResult) TransitionOption {
	return func(u *core.StatusUpdate) { u.Result = res }
}

// Transition moves request id to status to if the lifecycle graph allows it
// from the stored status. Lost races and moves out of terminal states
// return a *core.TransitionError.
func (m *Manager) Transition(ctx context.Context, id string, to core.Status, opts ...TransitionOption) (*core.ConsensusRequest, error) {
	from, ok := allowedFrom[to]
	if !ok {
		return nil, &core.TransitionError{RequestID: id, To: to}
	}

	update := core.StatusUpdate{Status: to, UpdatedAt: m.now().UTC()}
	for _, opt := range opts {
		opt(&update)
	}

	req, err := m.store.UpdateStatus(ctx, id, from, update)
	if err != nil {
		var terr *core.TransitionError
		if errors.As(err, &terr) {
			m.logger.Warn("Status transition rejected", "request_id", id, "from", terr.From, "to", to)
		}
		return nil, err
	}

	m.logger.Debug("Status transition", "request_id", id, "to", to)
	return req, nil
}

// Get returns the request or core.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*core.ConsensusRequest, error) {
	return m.store.Get(ctx, id)
}

// Cancel moves a non-terminal request to cancelled. Terminal requests are
// left untouched and core.ErrInvalidState is returned. requester is only
// logged; authorization belongs to the caller.
func (m *Manager) Cancel(ctx context.Context, id, requester string) (*core.ConsensusRequest, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request %s is %s", core.ErrInvalidState, id, current.Status)
	}

	req, err := m.Transition(ctx, id, core.StatusCancelled, WithError("cancelled by requester"))
	if err != nil {
		var terr *core.TransitionError
		if errors.As(err, &terr) {
			return nil, fmt.Errorf("%w: request %s is %s", core.ErrInvalidState, id, terr.From)
		}
		return nil, err
	}

	m.logger.Info("Consensus request cancelled", "request_id", id, "requester_id", requester)
	return req, nil
}

// QueueStats is best effort: store errors yield zero values.
func (m *Manager) QueueStats(ctx context.Context) core.QueueStats {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("Queue stats unavailable", "error", err)
		return core.QueueStats{}
	}
	return stats
}

// History returns a requester's requests, newest first.
func (m *Manager) History(ctx context.Context, filter core.HistoryFilter) ([]*core.ConsensusRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &core.ValidationError{Field: "status", Value: filter.Status, Message: "unknown status"}
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultHistoryLimit
	case filter.Limit > MaxHistoryLimit:
		filter.Limit = MaxHistoryLimit
	}
	return m.store.List(ctx, filter)
}
