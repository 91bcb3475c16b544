package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// ChannelQueue holds one channel's pending events ordered by ascending priority,
// FIFO among equal priorities.
type ChannelQueue struct {
	channel schema.Channel

	mu      sync.Mutex
	events  []*schema.Event
	ids     map[string]struct{}
	changed chan struct{}

	draining atomic.Bool
}

// NewChannelQueue constructs an empty queue for the channel.
func NewChannelQueue(channel schema.Channel) *ChannelQueue {
	return &ChannelQueue{
		channel: channel,
		events:  make([]*schema.Event, 0, 16),
		ids:     make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Channel returns the channel served by the queue.
func (q *ChannelQueue) Channel() schema.Channel {
	return q.channel
}

// Enqueue inserts the event before the first element with a strictly greater priority.
func (q *ChannelQueue) Enqueue(event *schema.Event) {
	if event == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := len(q.events)
	for i, queued := range q.events {
		if queued.Priority > event.Priority {
			idx = i
			break
		}
	}
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = event
	q.ids[event.ID] = struct{}{}
	q.broadcastLocked()
}

// DequeueMultiple removes up to count events from the front of the queue.
// It returns nothing while another dequeue on the same queue is in flight.
func (q *ChannelQueue) DequeueMultiple(count int) []*schema.Event {
	if count <= 0 {
		return nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(count, len(q.events))
	if n == 0 {
		return nil
	}
	batch := make([]*schema.Event, n)
	copy(batch, q.events[:n])
	clear(q.events[:n])
	q.events = q.events[n:]
	for _, evt := range batch {
		delete(q.ids, evt.ID)
	}
	q.broadcastLocked()
	return batch
}

// Contains reports whether an event with the id is currently queued.
func (q *ChannelQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Len returns the number of queued events.
func (q *ChannelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drain blocks until the queue is empty or ctx is done. Waiters are woken on every
// queue mutation rather than polling.
func (q *ChannelQueue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.events) == 0 {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		remaining := len(q.events)
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("drain %s: %d events remaining: %w", q.channel, remaining, ctx.Err())
		}
	}
}

func (q *ChannelQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
