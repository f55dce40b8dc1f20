package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/logging"
)

// eventBuffer sizes each stream's subscription; a slow reader loses events
// beyond it rather than stalling the pipeline.
const eventBuffer = 64

func registerEvents(api huma.API, svc Service, logger logging.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "consensus-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Stream the caller's consensus notifications",
		Description: "Server-sent events: one ready event, then every notification addressed to the caller. Anonymous callers may pass requester_id; without it they receive all notifications.",
		Tags:        []string{"consensus"},
	}, map[string]any{
		"ready":        ReadyEvent{},
		"notification": core.NotificationEvent{},
	}, func(ctx context.Context, input *struct {
		RequesterID string `query:"requester_id"`
	}, send sse.Sender) {
		recipient := input.RequesterID
		if p, ok := principalFromContext(ctx); ok && !p.Anonymous {
			recipient = p.ActorID
		}

		events, unsubscribe := svc.Subscribe(recipient, eventBuffer)
		defer unsubscribe()

		if err := send.Data(ReadyEvent{Recipient: recipient}); err != nil {
			return
		}
		logger.Debug("Event stream opened", "recipient", recipient)

		for {
			select {
			case <-ctx.Done():
				logger.Debug("Event stream closed", "recipient", recipient)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := send.Data(ev); err != nil {
					logger.Debug("Event stream write failed", "recipient", recipient, "error", err)
					return
				}
			}
		}
	})
}
