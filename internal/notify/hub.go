package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/pkg/logger"
)

// Hub is an in-memory bounded FIFO. Publishers wake waiting subscribers
// through a broadcast channel that is replaced on every publish; the first
// subscriber to take an item evicts it.
type Hub struct {
	capacity int
	logger   *logger.Logger

	mu      sync.Mutex
	items   []Notification
	wake    chan struct{}
	closed  bool
	dropped int
	subs    int
}

// NewHub creates a hub holding at most capacity undelivered items.
func NewHub(capacity int, lg *logger.Logger) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Hub{capacity: capacity, logger: lg, wake: make(chan struct{})}
}

// Publish enqueues text. When the queue is full the oldest item is dropped.
func (h *Hub) Publish(_ context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if len(h.items) >= h.capacity {
		h.items = h.items[1:]
		h.dropped++
		h.logger.Warn("notify: queue full, dropped oldest item", zap.Int("capacity", h.capacity), zap.Int("dropped_total", h.dropped))
	}
	h.items = append(h.items, Notification{Text: text, At: time.Now().UTC()})
	h.broadcastLocked()
	return nil
}

// Subscribe opens a subscription.
func (h *Hub) Subscribe(_ context.Context) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs++
	return &hubSubscription{hub: h, done: make(chan struct{})}, nil
}

func (h *Hub) queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *Hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs
}

// Close wakes every subscriber and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.broadcastLocked()
}

func (h *Hub) broadcastLocked() {
	close(h.wake)
	h.wake = make(chan struct{})
}

// take pops the head item, or returns the channel to wait on.
func (h *Hub) take() (Notification, bool, <-chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) > 0 {
		n := h.items[0]
		h.items = h.items[1:]
		return n, true, nil, nil
	}
	if h.closed {
		return Notification{}, false, nil, ErrClosed
	}
	return Notification{}, false, h.wake, nil
}

type hubSubscription struct {
	hub  *Hub
	once sync.Once
	done chan struct{}
}

func (s *hubSubscription) Next(ctx context.Context) (Notification, error) {
	for {
		select {
		case <-s.done:
			return Notification{}, ErrClosed
		default:
		}

		n, ok, wake, err := s.hub.take()
		if err != nil {
			return Notification{}, err
		}
		if ok {
			return n, nil
		}

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-s.done:
			return Notification{}, ErrClosed
		case <-wake:
		}
	}
}

func (s *hubSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		s.hub.subs--
		s.hub.mu.Unlock()
	})
}
