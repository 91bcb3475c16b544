package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/coreflow/errs"
)

// Hub is an in-process broker shared by MemoryTransport instances. Several buses
// attached to one hub behave like separate processes sharing a broker.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySubscription
	nextID atomic.Uint64
	buffer int
}

// NewHub constructs a hub whose subscriptions buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:   make(map[string]map[uint64]*memorySubscription),
		buffer: buffer,
	}
}

// MemoryTransport is a Transport bound to a Hub.
type MemoryTransport struct {
	hub    *Hub
	closed atomic.Bool

	mu    sync.Mutex
	owned map[uint64]*memorySubscription
}

// NewMemoryTransport attaches a transport to the hub. A nil hub gets a private one.
func NewMemoryTransport(hub *Hub) *MemoryTransport {
	if hub == nil {
		hub = NewHub(0)
	}
	return &MemoryTransport{hub: hub, owned: make(map[uint64]*memorySubscription)}
}

// Publish delivers the payload to every subscription of the topic. Full
// subscriptions drop the message.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.closed.Load() {
		return errs.New("transport/memory", errs.CodeUnavailable, errs.WithMessage("transport closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory publish: %w", err)
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	for _, sub := range t.hub.subs[topic] {
		sub.deliver(msg)
	}
	return nil
}

// Subscribe registers a subscription on the topic.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if t.closed.Load() {
		return nil, errs.New("transport/memory", errs.CodeUnavailable, errs.WithMessage("transport closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory subscribe: %w", err)
	}
	id := t.hub.nextID.Add(1)
	sub := &memorySubscription{
		id:    id,
		topic: topic,
		hub:   t.hub,
		ch:    make(chan Message, t.hub.buffer),
	}

	t.hub.mu.Lock()
	if _, ok := t.hub.subs[topic]; !ok {
		t.hub.subs[topic] = make(map[uint64]*memorySubscription)
	}
	t.hub.subs[topic][id] = sub
	t.hub.mu.Unlock()

	t.mu.Lock()
	t.owned[id] = sub
	t.mu.Unlock()
	return sub, nil
}

// Close closes every subscription created through this transport.
func (t *MemoryTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	owned := t.owned
	t.owned = make(map[uint64]*memorySubscription)
	t.mu.Unlock()
	for _, sub := range owned {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	id    uint64
	topic string
	hub   *Hub
	ch    chan Message
	once  sync.Once
	mu    sync.Mutex
	done  bool
}

func (s *memorySubscription) C() <-chan Message { return s.ch }

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if subs := s.hub.subs[s.topic]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.hub.subs, s.topic)
			}
		}
		s.hub.mu.Unlock()

		s.mu.Lock()
		s.done = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

var _ Transport = (*MemoryTransport)(nil)

// Subscribers returns the number of open subscriptions on the topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
