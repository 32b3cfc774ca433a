package notify

import (
	"context"
	"sync"
)

// Hub fans alerts out to in-process subscribers such as SSE clients.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Alert
	next   int
	buffer int
}

// NewHub returns a hub whose subscriber channels hold up to buffer alerts.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]chan Alert), buffer: buffer}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Alert {
	ch := make(chan Alert, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Notify publishes a to every subscriber. Slow subscribers miss alerts.
func (h *Hub) Notify(_ context.Context, a Alert) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- a:
		default:
		}
	}
	return nil
}
