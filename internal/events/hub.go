package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fullscreencam/pkg/models"
)

// dropLogEvery limits slow-subscriber warnings to one line per this many drops
const dropLogEvery = 100

// Hub fans pipeline events out to API subscribers
type Hub struct {
	subscribers map[uint64]chan models.Event // subscription id -> channel
	nextID      uint64
	closed      bool
	mu          sync.RWMutex

	dropped atomic.Uint64
	now     func() time.Time
}

// New creates a new event hub
func New() *Hub {
	return &Hub{
		subscribers: make(map[uint64]chan models.Event),
		now:         time.Now,
	}
}

// Publish sends an event to all subscribers without blocking. Subscribers
// whose buffer is full miss the event.
func (h *Hub) Publish(event models.Event) {
	if event.Time.IsZero() {
		event.Time = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Channel is full, drop event
			if n := h.dropped.Add(1); n%dropLogEvery == 1 {
				logrus.WithFields(logrus.Fields{
					"component": "events",
					"event":     event.Type,
					"dropped":   n,
				}).Warn("Subscriber too slow, dropping events")
			}
		}
	}
}

// Subscribe creates a subscription to all events.
// Returns a channel that will receive events and a cleanup function
func (h *Hub) Subscribe(bufferSize int) (<-chan models.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan models.Event, bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	return ch, func() { h.unsubscribe(id) }
}

// unsubscribe removes a subscriber channel
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, exists := h.subscribers[id]; exists {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Close closes all subscriber channels; later subscriptions are closed immediately
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
}

// SubscriberCount returns the number of active subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
