package upload

import (
	"sync"
	"time"
)

// Event is a progress notification emitted by the Manager on every accepted
// chunk and every state transition.
type Event struct {
	Handle    string    `json:"handle"`
	FileName  string    `json:"fileName"`
	Status    Status    `json:"status"`
	Progress  Progress  `json:"progress"`
	Bytes     int64     `json:"bytesReceived"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHub fans progress events out to subscribers (the websocket feed).
// Slow subscribers drop events rather than stall the upload path.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered event channel. The returned cancel func
// unregisters and closes it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than block the hot path.
		}
	}
}
