// Package events distributes transfer lifecycle events to live subscribers.
// The TFTP engine and the HTTP handler publish; the websocket feed on the
// admin surface subscribes.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeTransferStarted   = "transfer_started"
	TypeTransferCompleted = "transfer_completed"
	TypeTransferFailed    = "transfer_failed"
	TypeRequestServed     = "request_served"
)

// Event is one transfer lifecycle notification.
type Event struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	Protocol   string    `json:"protocol"` // "tftp" or "http"
	TransferID string    `json:"transfer_id,omitempty"`
	Client     string    `json:"client"`
	Path       string    `json:"path"`
	Bytes      int64     `json:"bytes,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Hub fans events out to subscribers in a thread-safe manner.
// Sends are non-blocking via buffered channels; a subscriber that falls
// behind loses events rather than stalling a transfer.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// remove function. The channel is closed when the remove function runs.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	id := uuid.NewString()

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			// The close happens under the write lock so Publish, which
			// sends under the read lock, can never hit a closed channel.
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, remove
}

// Publish delivers an event to every subscriber without blocking.
// A zero Time is stamped with the current time. The read lock is held
// across the sends, keeping them mutually exclusive with the close in
// remove; the sends never block, so the hold is brief.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop rather than block the publisher.
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
