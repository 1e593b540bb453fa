package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/hperssn/modtrack/internal/logging"
	"github.com/hperssn/modtrack/internal/metrics"
)

// DefaultBuffer is the per-viewer event buffer used when none is configured.
const DefaultBuffer = 64

// Hub delivers events to every local subscriber. Publish never blocks: a
// subscriber whose buffer is full is disconnected, and is expected to
// reconnect and resync.
type Hub struct {
	subscribers *xsync.Map[uint64, *subscriber]
	nextID      atomic.Uint64
	buffer      int
	logger      logging.Logger
	metrics     metrics.Collector
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// trySend reports false when the subscriber's buffer is full.
func (s *subscriber) trySend(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func NewHub(buffer int, logger logging.Logger, m metrics.Collector) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Hub{
		subscribers: xsync.NewMap[uint64, *subscriber](),
		buffer:      buffer,
		logger:      logger,
		metrics:     m,
	}
}

// Subscribe registers a viewer. The returned channel is closed when the
// viewer is unsubscribed, dropped for falling behind, or the hub closes.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	id := h.nextID.Add(1)
	sub := &subscriber{ch: make(chan Event, h.buffer)}
	h.subscribers.Store(id, sub)
	h.metrics.ViewerConnected()

	return sub.ch, func() { h.remove(id) }
}

func (h *Hub) remove(id uint64) bool {
	sub, ok := h.subscribers.LoadAndDelete(id)
	if !ok {
		return false
	}
	sub.close()
	h.metrics.ViewerDisconnected()
	return true
}

func (h *Hub) Publish(ev Event) {
	h.metrics.EventPublished(ev.Name())
	h.subscribers.Range(func(id uint64, sub *subscriber) bool {
		if !sub.trySend(ev) && h.remove(id) {
			h.metrics.ViewerDropped()
			h.logger.Warn("viewer fell behind, disconnecting", "subscriber", id, "event", ev.Name(), "rev", ev.Revision())
		}
		return true
	})
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	return h.subscribers.Size()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.subscribers.Range(func(id uint64, _ *subscriber) bool {
		h.remove(id)
		return true
	})
}
