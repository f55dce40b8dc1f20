// Package memory provides a volatile, process local RequestStore.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/quorum/core"
)

var _ core.RequestStore = (*Store)(nil)

// Store keeps consensus requests in a map. It is safe for concurrent access
// and best suited for tests and single process deployments. Every returned
// request is cloned so callers can never mutate stored state.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*core.ConsensusRequest
}

// New constructs an empty store.
func New() *Store {
	return &Store{requests: make(map[string]*core.ConsensusRequest)}
}

// Create stores a copy of req. Ids must be unique.
func (s *Store) Create(_ context.Context, req *core.ConsensusRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("memory store: request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("memory store: request %s already exists", req.ID)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get returns a clone of the stored request.
func (s *Store) Get(_ context.Context, id string) (*core.ConsensusRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return req.Clone(), nil
}

// UpdateStatus applies update only when the stored status is one of from.
func (s *Store) UpdateStatus(_ context.Context, id string, from []core.Status, update core.StatusUpdate) (*core.ConsensusRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if !slices.Contains(from, req.Status) {
		return nil, &core.TransitionError{RequestID: id, From: req.Status, To: update.Status}
	}
	req.Status = update.Status
	req.UpdatedAt = update.UpdatedAt
	if update.Error != "" {
		req.Error = update.Error
	}
	if update.Result != nil {
		req.Result = update.Result.Clone()
	}
	return req.Clone(), nil
}

// CountActive counts non-terminal requests having one of the priorities.
func (s *Store) CountActive(_ context.Context, priorities []core.Priority) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, req := range s.requests {
		if !req.Status.IsTerminal() && slices.Contains(priorities, req.Priority) {
			n++
		}
	}
	return n, nil
}

// Stats aggregates counts per status and the mean processing time of
// completed requests.
func (s *Store) Stats(_ context.Context) (core.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		stats     core.QueueStats
		total     time.Duration
		measured  int
		lastFinal time.Time
	)
	for _, req := range s.requests {
		switch req.Status {
		case core.StatusPending, core.StatusQueued:
			stats.Pending++
		case core.StatusProcessing:
			stats.Processing++
		case core.StatusCompleted:
			stats.Completed++
			if req.Result != nil {
				total += req.Result.ProcessingTime
				measured++
			}
			if req.UpdatedAt.After(lastFinal) {
				lastFinal = req.UpdatedAt
			}
		case core.StatusFailed:
			stats.Failed++
		case core.StatusCancelled:
			stats.Cancelled++
		}
	}
	if measured > 0 {
		stats.AvgProcessingTimeSeconds = (total / time.Duration(measured)).Seconds()
	}
	if !lastFinal.IsZero() {
		stats.LastCompletedAt = &lastFinal
	}
	return stats, nil
}

// List returns requests matching filter, newest first.
func (s *Store) List(_ context.Context, filter core.HistoryFilter) ([]*core.ConsensusRequest, error) {
	s.mu.RLock()
	matched := make([]*core.ConsensusRequest, 0)
	for _, req := range s.requests {
		if filter.RequesterID != "" && req.RequesterID != filter.RequesterID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		matched = append(matched, req.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *core.ConsensusRequest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*core.ConsensusRequest{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Len returns the number of stored requests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}
