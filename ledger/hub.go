package ledger

import (
	"context"
	"errors"
	"sync"

	"interpay/pay"
)

// subscriberBuffer sizes each fan-out channel. A pay attempt only cares
// about one condition, so a small buffer absorbs bursts of foreign
// notifications between its select iterations.
const subscriberBuffer = 16

// ErrHubClosed is returned when subscribing to a hub that has shut down.
var ErrHubClosed = errors.New("fulfillment hub closed")

// Hub broadcasts fulfillment notifications to any number of independent
// subscribers. Every subscriber observes the full stream; correlation by
// condition is the subscriber's job. Slow subscribers drop notifications
// rather than stalling the broadcast.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]chan pay.FulfillmentNotification
	nextID int64
	closed bool
}

// NewHub constructs an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]chan pay.FulfillmentNotification)}
}

// Subscribe registers a new observer. The returned cancel func releases the
// subscription and may be called more than once.
func (h *Hub) Subscribe() (<-chan pay.FulfillmentNotification, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	ch := make(chan pay.FulfillmentNotification, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel, nil
}

// Publish fans a notification out to every current subscriber.
func (h *Hub) Publish(note pay.FulfillmentNotification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub <- note:
		default:
			// Subscriber is not keeping up; it will miss this one.
		}
	}
}

// Close shuts the hub down and closes all subscriber channels. Waiting pay
// attempts observe the closure and fail with pay.ErrStreamClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}

// SubscribeFulfillments implements pay.FulfillmentStream directly on the
// hub, which is useful in tests and for in-process ledgers.
func (h *Hub) SubscribeFulfillments(_ context.Context) (<-chan pay.FulfillmentNotification, func(), error) {
	return h.Subscribe()
}
