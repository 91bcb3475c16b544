package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// recoverPending re-enqueues persistent events left pending by a previous run.
// Records that fail to decode are skipped. Events already queued or waiting on a
// timer are not duplicated, and a first delivery keeps the rest of its delay.
func (b *EventBus) recoverPending(ctx context.Context) int {
	if b.store == nil {
		return 0
	}
	records, err := b.store.ListByStatus(ctx, schema.StatusPending, b.cfg.RecoveryLimit)
	if err != nil {
		b.metrics.collaboratorError(ctx, "store", "list_pending")
		b.logf("recover pending events failed: %v", err)
		return 0
	}
	recovered := 0
	for _, record := range records {
		event, err := record.Event()
		if err != nil {
			b.logf("recover pending: skip %s: %v", record.ID, err)
			continue
		}
		if event.Expired(b.now()) {
			b.expire(ctx, event)
			continue
		}
		q, ok := b.queues[event.Channel]
		if !ok {
			b.reportUnmapped(ctx, event.Channel, "recover event "+event.ID)
			continue
		}
		if q.Contains(event.ID) || b.awaitingTimer(event.ID) {
			continue
		}
		if record.RetryCount > event.Metadata.RetryCount {
			event.Metadata.RetryCount = record.RetryCount
		}
		b.seen.mark(event.ID, b.now())
		if remaining := b.remainingDelay(event); remaining > 0 {
			b.deferDelivery(ctx, event, remaining)
		} else {
			q.Enqueue(event)
		}
		recovered++
	}
	if recovered > 0 {
		b.logf("recovered %d pending events", recovered)
	}
	return recovered
}

// remainingDelay is the part of a first-delivery delay not yet elapsed since the
// event was published.
func (b *EventBus) remainingDelay(event *schema.Event) time.Duration {
	if event.Delivery.Delay <= 0 || event.Metadata.RetryCount > 0 || event.Metadata.Timestamp.IsZero() {
		return 0
	}
	return event.Metadata.Timestamp.Add(event.Delivery.Delay).Sub(b.now())
}
