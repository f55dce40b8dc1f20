package server

import (
	"time"

	"github.com/hupe1980/quorum/core"
)

// SubmitRequest is the body of POST /submit.
type SubmitRequest struct {
	Prompt      string         `json:"prompt" doc:"Prompt sent to every model" example:"Rate this lead from 1 to 10"`
	TaskType    string         `json:"task_type,omitempty" doc:"conversation, qualification, analysis, objection_handling or booking"`
	Strategy    string         `json:"strategy,omitempty" doc:"weighted, majority, unanimous, best_of_n or hierarchical"`
	Config      map[string]any `json:"config,omitempty" doc:"Per-request consensus overrides"`
	CallbackURL string         `json:"callback_url,omitempty" doc:"Receives the final status as JSON"`
	Priority    string         `json:"priority,omitempty" doc:"urgent, high or normal"`
	RequesterID string         `json:"requester_id,omitempty" doc:"Only honored for anonymous callers"`
	TenantID    string         `json:"tenant_id,omitempty" doc:"Only honored for anonymous callers"`
}

func (r SubmitRequest) toInput() core.SubmitInput {
	return core.SubmitInput{
		Prompt:      r.Prompt,
		TaskType:    r.TaskType,
		Strategy:    r.Strategy,
		Config:      r.Config,
		CallbackURL: r.CallbackURL,
		RequesterID: r.RequesterID,
		TenantID:    r.TenantID,
		Priority:    r.Priority,
	}
}

// MessageResponse acknowledges an action.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse reports service health and the queryable models.
type HealthResponse struct {
	Status          string    `json:"status" example:"healthy"`
	AvailableModels []string  `json:"available_models"`
	ModelCount      int       `json:"model_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReadyEvent opens every event stream.
type ReadyEvent struct {
	Recipient string `json:"recipient"`
}
