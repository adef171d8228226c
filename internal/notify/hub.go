// Package notify is the in-process change-notification fan-out. Delivery is
// a latency optimization over polling: subscribers that fall behind lose
// events rather than slow the publisher, and correctness never depends on an
// event arriving.
package notify

import (
	"sync"

	"github.com/grubworks/grubq/pkg/id"
)

// Event announces a status transition of a job or a group.
type Event struct {
	JobID   id.ID  `json:"jobId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Status  string `json:"status"`
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subID := h.next
	h.next++
	ch := make(chan Event, buffer)
	h.subs[subID] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[subID]; ok {
			delete(h.subs, subID)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. A subscriber
// with a full buffer misses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
