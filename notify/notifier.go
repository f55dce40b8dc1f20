package notify

import (
	"context"

	"github.com/sourcegraph/conc/panics"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/logging"
)

// LogNotifier writes every event as a structured log line.
type LogNotifier struct {
	Logger logging.Logger
}

func (n LogNotifier) Notify(_ context.Context, event core.NotificationEvent) {
	if n.Logger == nil {
		return
	}
	args := []any{
		"type", event.Type,
		"request_id", event.RequestID,
		"recipient_id", event.RecipientID,
	}
	if stage, ok := event.Payload["stage"]; ok {
		args = append(args, "stage", stage)
	}
	n.Logger.Info("Consensus notification", args...)
}

// Multi forwards each event to every notifier in order. A panicking
// notifier does not prevent delivery to the rest.
type Multi []core.Notifier

func (m Multi) Notify(ctx context.Context, event core.NotificationEvent) {
	for _, n := range m {
		if n == nil {
			continue
		}
		var pc panics.Catcher
		pc.Try(func() { n.Notify(ctx, event) })
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, core.NotificationEvent) {}
