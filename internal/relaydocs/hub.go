package relaydocs

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/records"
)

// Hub fans change events out to subscribers. Delivery is non-blocking: a
// subscriber whose buffer is full loses the event and is flagged as lagging
// so it can force a full refetch.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	logger logging.Logger
	closed bool
}

type Subscription struct {
	ID string
	C  <-chan records.ChangeEvent

	ch      chan records.ChangeEvent
	hub     *Hub
	mu      sync.Mutex
	lagging bool
	once    sync.Once
}

func NewHub(buffer int, log logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:   map[string]*Subscription{},
		buffer: buffer,
		logger: logging.OrNop(log),
	}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan records.ChangeEvent, h.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.ID] = sub
	metrics.SetHubSubscribers(len(h.subs))
	h.logger.Debug("hub subscriber added", "subscription", sub.ID, "subscribers", len(h.subs))
	return sub
}

func (h *Hub) Publish(evt records.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.markLagging()
			metrics.RecordHubDrop()
			h.logger.Warn("dropping event for lagging subscriber", "subscription", sub.ID, "entity", evt.Entity, "id", evt.ID)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(h.subs, id)
	}
	metrics.SetHubSubscribers(0)
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		metrics.SetHubSubscribers(len(h.subs))
	}
	s.once.Do(func() { close(s.ch) })
}

// Lagging reports whether events were dropped since the last call, and
// resets the flag.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lagging := s.lagging
	s.lagging = false
	return lagging
}

func (s *Subscription) markLagging() {
	s.mu.Lock()
	s.lagging = true
	s.mu.Unlock()
}
