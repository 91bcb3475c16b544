package observability

import (
	"context"
	"sync"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

// DeadLetterQueue stores events that exhausted their retries in memory.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	entries  []schema.DeadLetter
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.entries = make([]schema.DeadLetter, 0)
	return queue
}

// Offer records a dead letter, evicting the oldest entry when full.
func (q *DeadLetterQueue) Offer(entry schema.DeadLetter) {
	entry.Event = entry.Event.Clone()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.entries) >= q.capacity {
		copy(q.entries[0:], q.entries[1:])
		q.entries[len(q.entries)-1] = entry
		return
	}
	q.entries = append(q.entries, entry)
}

// Drain retrieves and clears all queued dead letters.
func (q *DeadLetterQueue) Drain() []schema.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]schema.DeadLetter, len(q.entries))
	copy(drained, q.entries)
	q.entries = q.entries[:0]
	return drained
}

// Len returns the number of queued dead letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DeadLetter implements eventstore.DeadLetterStore.
func (q *DeadLetterQueue) DeadLetter(_ context.Context, entry schema.DeadLetter) error {
	if entry.Event == nil {
		return errs.New("observability/dlq", errs.CodeInvalid, errs.WithMessage("dead letter event required"))
	}
	q.Offer(entry)
	return nil
}

// GetDeadLetter returns the newest entry for the event id.
func (q *DeadLetterQueue) GetDeadLetter(_ context.Context, eventID string) (schema.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].Event.ID == eventID {
			entry := q.entries[i]
			entry.Event = entry.Event.Clone()
			return entry, nil
		}
	}
	return schema.DeadLetter{}, errs.New("observability/dlq", errs.CodeNotFound, errs.WithMessage("dead letter "+eventID+" not found"))
}

// ListDeadLetters returns up to limit entries, newest first. limit <=0 returns all.
func (q *DeadLetterQueue) ListDeadLetters(_ context.Context, limit int) ([]schema.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]schema.DeadLetter, 0, n)
	for i := len(q.entries) - 1; i >= 0 && len(out) < n; i-- {
		entry := q.entries[i]
		entry.Event = entry.Event.Clone()
		out = append(out, entry)
	}
	return out, nil
}

// RemoveDeadLetter deletes every entry for the event id.
func (q *DeadLetterQueue) RemoveDeadLetter(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := false
	for _, entry := range q.entries {
		if entry.Event.ID == eventID {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	if !removed {
		return errs.New("observability/dlq", errs.CodeNotFound, errs.WithMessage("dead letter "+eventID+" not found"))
	}
	return nil
}

var _ eventstore.DeadLetterStore = (*DeadLetterQueue)(nil)
