package stream

import (
	"sync"

	"github.com/g960059/agexec/internal/model"
)

const defaultBufSize = 64

// Hub fans events out to live subscribers. Delivery is best-effort: a
// subscriber whose buffer is full misses the event rather than stalling
// the publisher. The ledger, not the hub, is the durable record.
type Hub struct {
	mu       sync.RWMutex
	clients  map[chan model.RuntimeEvent]struct{}
	bufSize  int
	shutdown bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan model.RuntimeEvent]struct{}),
		bufSize: defaultBufSize,
	}
}

// Subscribe registers a subscriber channel. Returns nil after Close. The
// caller must Unsubscribe when done.
func (h *Hub) Subscribe() chan model.RuntimeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil
	}
	ch := make(chan model.RuntimeEvent, h.bufSize)
	h.clients[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan model.RuntimeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broadcast delivers ev to every subscriber with buffer room.
func (h *Hub) Broadcast(ev model.RuntimeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
