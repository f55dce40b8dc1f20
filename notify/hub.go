// Package notify delivers best-effort consensus notifications: in-process
// push channels, log lines and one-shot HTTP callbacks.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/logging"
)

// DefaultBuffer is the channel capacity used when Subscribe gets a
// non-positive buffer.
const DefaultBuffer = 32

var _ core.Notifier = (*Hub)(nil)

type subscriber struct {
	id        uint64
	recipient string
	ch        chan core.NotificationEvent
}

// Hub fans events out to subscribed channels keyed by recipient. A
// subscription for the empty recipient receives every event. Sends never
// block: when a subscriber's buffer is full the event is dropped for it.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Int64
	logger  logging.Logger
}

// NewHub creates an empty hub.
func NewHub(optFns ...func(o *HubOptions)) *Hub {
	opts := HubOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Hub{
		subs:   make(map[string]map[uint64]*subscriber),
		logger: opts.Logger,
	}
}

// HubOptions configures a Hub.
type HubOptions struct {
	Logger logging.Logger
}

// Subscribe registers a channel for recipient's events. The returned
// function unsubscribes and closes the channel; it is safe to call more
// than once.
func (h *Hub) Subscribe(recipient string, buffer int) (<-chan core.NotificationEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscriber{id: h.nextID, recipient: recipient, ch: make(chan core.NotificationEvent, buffer)}
	if h.subs[recipient] == nil {
		h.subs[recipient] = make(map[uint64]*subscriber)
	}
	h.subs[recipient][sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[recipient], sub.id)
			if len(h.subs[recipient]) == 0 {
				delete(h.subs, recipient)
			}
			close(sub.ch)
		})
	}
}

// Notify pushes event to the recipient's subscribers and to catch-all
// subscribers.
func (h *Hub) Notify(_ context.Context, event core.NotificationEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.subs[event.RecipientID], event)
	if event.RecipientID != "" {
		h.deliver(h.subs[""], event)
	}
}

func (h *Hub) deliver(subs map[uint64]*subscriber, event core.NotificationEvent) {
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Warn("Notification dropped, subscriber buffer full",
				"recipient_id", sub.recipient, "request_id", event.RequestID, "type", event.Type)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were discarded because of full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
