// Package events fans engine notifications out to live subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/domain"
)

// subscriberBuffer is how many events a slow client may fall behind before
// events are dropped for it.
const subscriberBuffer = 32

var _ domain.EventSink = (*Hub)(nil)

// Hub is a fire-and-forget broadcaster. Publish never blocks.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan domain.Event]struct{}
	dropped atomic.Uint64
	sent    atomic.Uint64
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[chan domain.Event]struct{}),
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
			h.sent.Add(1)
		default:
			// client too slow, drop
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a client. The returned func unsubscribes and closes
// the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", n).Msg("subscriber joined")

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats reports delivery counters.
type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Clients: h.ClientCount(), Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}
