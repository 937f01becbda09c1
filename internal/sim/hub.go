package sim

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/pkg/models"
)

// subscriberBuffer bounds each session's outbound queue. A session that
// falls this far behind starts losing frames rather than stalling the tick.
const subscriberBuffer = 64

// Hub fans match frames out to session subscribers. Broadcast never blocks:
// a full subscriber buffer drops the frame for that subscriber only.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]chan models.ServerMessage
	closed  bool
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]chan models.ServerMessage)}
}

// Subscribe registers a session and returns its frame channel. The channel
// is closed by Unsubscribe or when the hub shuts down.
func (h *Hub) Subscribe(sessionID uuid.UUID) <-chan models.ServerMessage {
	ch := make(chan models.ServerMessage, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	if old, ok := h.subs[sessionID]; ok {
		close(old)
	}
	h.subs[sessionID] = ch
	return ch
}

// Unsubscribe removes a session and closes its channel.
func (h *Hub) Unsubscribe(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[sessionID]; ok {
		close(ch)
		delete(h.subs, sessionID)
	}
}

// Broadcast sends a frame to every subscriber without blocking.
func (h *Hub) Broadcast(msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many frames were lost to slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers reports the current session count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
