package core

import (
	"context"
	"time"
)

// StatusUpdate describes the fields written by a status transition.
type StatusUpdate struct {
	Status    Status
	UpdatedAt time.Time
	// Error replaces the stored error text when non-empty.
	Error string
	// Result is attached when non-nil.
	Result *ConsensusResult
}

// RequestStore persists consensus requests.
//
// Implementations must make UpdateStatus an atomic compare-and-set keyed on
// the current status: the update is applied only if the stored status is one
// of from. On mismatch they return a *TransitionError carrying the status
// that was found; for unknown ids they return ErrNotFound.
type RequestStore interface {
	Create(ctx context.Context, req *ConsensusRequest) error
	Get(ctx context.Context, id string) (*ConsensusRequest, error)
	UpdateStatus(ctx context.Context, id string, from []Status, update StatusUpdate) (*ConsensusRequest, error)
	// CountActive counts non-terminal requests with one of the priorities.
	CountActive(ctx context.Context, priorities []Priority) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
	List(ctx context.Context, filter HistoryFilter) ([]*ConsensusRequest, error)
}
