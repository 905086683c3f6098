// Package lifecycle fans position lifecycle events (opened, closed, alert)
// out to in-process subscribers such as the SSE endpoint, keeping a short
// in-memory history and optionally journaling each event to disk.
package lifecycle

import (
	"sync"

	"go.uber.org/zap"

	"catalyst/internal/domain"
)

// Recorder persists lifecycle events. store.Journal satisfies it.
type Recorder interface {
	AppendEvent(e domain.LifecycleEvent) error
}

// Publisher is the write side of the hub, used by the position manager.
type Publisher interface {
	Publish(e domain.LifecycleEvent)
}

// Hub holds recent lifecycle events in memory with pub/sub.
type Hub struct {
	mu      sync.RWMutex
	recent  []domain.LifecycleEvent
	history int
	rec     Recorder
	log     *zap.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.LifecycleEvent
}

// NewHub creates a Hub that remembers the last history events. rec may be
// nil.
func NewHub(history int, rec Recorder, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		history: history,
		rec:     rec,
		log:     log,
		subs:    make(map[int]chan domain.LifecycleEvent),
	}
}

// Publish records e, persists it when a recorder is set, and broadcasts it
// to subscribers.
func (h *Hub) Publish(e domain.LifecycleEvent) {
	h.mu.Lock()
	if h.history > 0 {
		h.recent = append(h.recent, e)
		if len(h.recent) > h.history {
			h.recent = h.recent[len(h.recent)-h.history:]
		}
	}
	h.mu.Unlock()

	if h.rec != nil {
		if err := h.rec.AppendEvent(e); err != nil {
			h.log.Error("journaling lifecycle event",
				zap.String("ticker", e.Ticker),
				zap.String("action", string(e.Action)),
				zap.Error(err))
		}
	}

	h.log.Info("lifecycle event",
		zap.String("ticker", e.Ticker),
		zap.String("action", string(e.Action)),
		zap.Float64("price", e.Price),
		zap.String("reason", e.Reason),
		zap.String("position_id", e.PositionID))

	h.broadcast(e)
}

// Recent returns a copy of the remembered events, oldest first.
func (h *Hub) Recent() []domain.LifecycleEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.LifecycleEvent(nil), h.recent...)
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (h *Hub) Subscribe(bufSize int) (int, <-chan domain.LifecycleEvent) {
	ch := make(chan domain.LifecycleEvent, bufSize)
	h.subsMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch
	h.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (h *Hub) broadcast(e domain.LifecycleEvent) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Warn("dropping lifecycle event for slow subscriber", zap.Int("subscriber", id))
		}
	}
}
