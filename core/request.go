package core

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a consensus request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusProcessing}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders requests for pacing and queue position.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// ParsePriority maps a user supplied priority onto a known value. Anything
// unrecognized becomes PriorityNormal.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityUrgent, PriorityHigh, PriorityNormal:
		return p
	default:
		return PriorityNormal
	}
}

// Rank returns 0 for the most urgent priority.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// AtOrAbove returns p and every priority more urgent than p.
func (p Priority) AtOrAbove() []Priority {
	all := []Priority{PriorityUrgent, PriorityHigh, PriorityNormal}
	return all[:p.Rank()+1]
}

// EstimatedWait is the advertised completion estimate for the priority.
func (p Priority) EstimatedWait() time.Duration {
	switch p {
	case PriorityUrgent:
		return time.Minute
	case PriorityHigh:
		return 2 * time.Minute
	default:
		return 3 * time.Minute
	}
}

// ConsensusRequest is the persisted record of one consensus job.
type ConsensusRequest struct {
	ID                  string           `json:"id"`
	Prompt              string           `json:"prompt"`
	TaskType            string           `json:"task_type"`
	Strategy            Strategy         `json:"strategy"`
	Config              map[string]any   `json:"config,omitempty"`
	CallbackURL         string           `json:"callback_url,omitempty"`
	RequesterID         string           `json:"requester_id,omitempty"`
	TenantID            string           `json:"tenant_id,omitempty"`
	Priority            Priority         `json:"priority"`
	Status              Status           `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	EstimatedCompletion time.Time        `json:"estimated_completion"`
	Result              *ConsensusResult `json:"result,omitempty"`
	Error               string           `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *ConsensusRequest) Clone() *ConsensusRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Config = maps.Clone(r.Config)
	c.Result = r.Result.Clone()
	return &c
}

// ModelResponse is one adapter's decoded answer.
type ModelResponse struct {
	Model        string        `json:"model"`
	Response     string        `json:"response"`
	Confidence   float64       `json:"confidence"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Alternatives []string      `json:"alternatives,omitempty"`
	Latency      time.Duration `json:"latency"`
	Timestamp    time.Time     `json:"timestamp"`
	Raw          string        `json:"raw_response,omitempty"`
}

// ConsensusResult is the single decision produced for a request.
type ConsensusResult struct {
	RequestID           string         `json:"request_id"`
	Response            string         `json:"response"`
	Confidence          float64        `json:"confidence"`
	Strategy            Strategy       `json:"strategy"`
	ParticipatingModels []string       `json:"participating_models"`
	TotalResponses      int            `json:"total_responses"`
	ProcessingTime      time.Duration  `json:"processing_time"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Error               string         `json:"error,omitempty"`
	FallbackReason      string         `json:"fallback_reason,omitempty"`
	FallbackModel       string         `json:"fallback_model,omitempty"`
	CompletedAt         time.Time      `json:"completed_at,omitzero"`
}

// Clone copies the result. Metadata values are copied shallowly.
func (r *ConsensusResult) Clone() *ConsensusResult {
	if r == nil {
		return nil
	}
	c := *r
	c.ParticipatingModels = slices.Clone(r.ParticipatingModels)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// SubmitInput carries everything a caller provides when submitting.
type SubmitInput struct {
	Prompt      string         `json:"prompt"`
	TaskType    string         `json:"task_type,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	RequesterID string         `json:"requester_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Priority    string         `json:"priority,omitempty"`
}

// SubmitReceipt is the immediate acknowledgment of an accepted request.
type SubmitReceipt struct {
	RequestID           string    `json:"request_id"`
	Status              Status    `json:"status"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	QueuePosition       int       `json:"queue_position"`
	Message             string    `json:"message"`
}

// StatusView is the read model returned to status queries and callbacks.
type StatusView struct {
	RequestID           string         `json:"request_id"`
	Status              Status         `json:"status"`
	Response            string         `json:"response,omitempty"`
	Confidence          *float64       `json:"confidence,omitempty"`
	ParticipatingModels []string       `json:"participating_models"`
	TotalResponses      int            `json:"total_responses"`
	Strategy            Strategy       `json:"strategy"`
	ProcessingTime      *float64       `json:"processing_time_seconds,omitempty"`
	Error               string         `json:"error,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// NewStatusView projects a request onto its externally visible shape.
func NewStatusView(r *ConsensusRequest) StatusView {
	v := StatusView{
		RequestID:           r.ID,
		Status:              r.Status,
		Strategy:            r.Strategy,
		Error:               r.Error,
		CreatedAt:           r.CreatedAt,
		ParticipatingModels: []string{},
	}
	if res := r.Result; res != nil {
		conf := res.Confidence
		secs := res.ProcessingTime.Seconds()
		v.Response = res.Response
		v.Confidence = &conf
		v.ProcessingTime = &secs
		v.ParticipatingModels = slices.Clone(res.ParticipatingModels)
		v.TotalResponses = res.TotalResponses
		v.Strategy = res.Strategy
		v.Metadata = res.Metadata
		if v.Error == "" {
			v.Error = res.Error
		}
	}
	if r.Status.IsTerminal() {
		completed := r.UpdatedAt
		v.CompletedAt = &completed
	}
	return v
}

// QueueStats summarizes the request backlog.
type QueueStats struct {
	Pending                  int        `json:"total_pending"`
	Processing               int        `json:"currently_processing"`
	Completed                int        `json:"total_completed"`
	Failed                   int        `json:"total_failed"`
	Cancelled                int        `json:"total_cancelled"`
	AvgProcessingTimeSeconds float64    `json:"avg_processing_time_seconds"`
	LastCompletedAt          *time.Time `json:"last_completed_at,omitempty"`
}

// HistoryFilter selects a page of a requester's requests.
type HistoryFilter struct {
	RequesterID string
	Status      Status
	Limit       int
	Offset      int
}
