package core

import (
	"context"
	"time"
)

// EventType classifies notification events.
type EventType string

const (
	EventQueued    EventType = "consensus_queued"
	EventStarted   EventType = "consensus_started"
	EventProgress  EventType = "consensus_progress"
	EventCompleted EventType = "consensus_completed"
	EventFailed    EventType = "consensus_failed"
)

// Progress stage labels carried in EventProgress payloads.
const (
	StageModelCalls  = "model_calls"
	StageModelResult = "model_responses"
	StageAggregation = "aggregation"
)

// NotificationEvent is a transient, best-effort push message.
type NotificationEvent struct {
	Type        EventType      `json:"type"`
	RequestID   string         `json:"request_id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier delivers notification events. Notify must not block the caller
// on slow consumers and has no error result: delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event NotificationEvent)

// Notify calls f(ctx, event).
func (f NotifierFunc) Notify(ctx context.Context, event NotificationEvent) { f(ctx, event) }
