package outpost

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Summary is what subscribers receive after a sync pass delivered something.
type Summary struct {
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}

const subscriberBuffer = 8

// Hub fans sync summaries out to every subscribed application instance.
// Delivery is best effort: a subscriber that is not draining its channel
// misses summaries, it never slows the others down.
type Hub struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]chan Summary
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = nopLogger
	}
	return &Hub{logger: logger, subs: map[string]chan Summary{}}
}

// Subscribe registers id. Subscribing an id twice returns the same channel.
func (h *Hub) Subscribe(id string) <-chan Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		return ch
	}
	ch := make(chan Summary, subscriberBuffer)
	h.subs[id] = ch
	return ch
}

// Unsubscribe removes id and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast sends the summary of r to every subscriber without blocking.
func (h *Hub) Broadcast(r SyncReport) {
	s := Summary{Attempted: r.Attempted, Succeeded: r.Succeeded, Failed: r.Failed, At: r.StartedAt.Add(r.Duration)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- s:
		default:
			h.logger.Warn("subscriber not draining, summary dropped", zap.String("subscriber", id))
		}
	}
}
