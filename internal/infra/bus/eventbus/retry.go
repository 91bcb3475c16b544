package eventbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/auditlog"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

// RetryDelay returns min(base*2^retryCount, maxDelay), where retryCount is the
// number of retries already performed.
func RetryDelay(retryCount int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if maxDelay < base {
		maxDelay = base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount && delay < maxDelay; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop || delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// retryOrDeadLetter re-enqueues the event after the backoff delay while retries
// remain, otherwise hands it to the dead-letter sink.
func (b *EventBus) retryOrDeadLetter(ctx context.Context, event *schema.Event, cause error) {
	if !event.CanRetry() {
		b.deadLetter(ctx, event, cause)
		return
	}
	delay := RetryDelay(event.Metadata.RetryCount, b.cfg.BaseDelay, b.cfg.MaxDelay)
	event.Metadata.RetryCount++

	if event.Delivery.Persistent && b.store != nil {
		if err := b.store.UpdateRetryCount(ctx, event.ID, event.Metadata.RetryCount); err != nil {
			b.metrics.collaboratorError(ctx, "store", "update_retry_count")
			b.logf("persist retry count of %s failed: %v", event.ID, err)
		}
	}

	armed := b.scheduleEvent(event.ID, delay, func() {
		b.enqueueLocal(context.Background(), event)
	})
	if !armed {
		b.logf("retry of %s abandoned: bus stopping", event.ID)
		b.notifier.emit(Notification{Kind: NotifyRetryAbandoned, Event: event.Clone(), Channel: event.Channel, Error: cause.Error(), At: b.now()})
		return
	}
	b.metrics.eventCount(ctx, b.metrics.retries, event, "")
	b.logf("retry %d/%d of %s in %s: %v", event.Metadata.RetryCount, event.Delivery.MaxRetries, event.ID, delay, cause)
	b.notifier.emit(Notification{Kind: NotifyRetryScheduled, Event: event.Clone(), Channel: event.Channel, Error: cause.Error(), Delay: delay, At: b.now()})
}

func (b *EventBus) deadLetter(ctx context.Context, event *schema.Event, cause error) {
	entry := schema.DeadLetter{
		Event:    event.Clone(),
		Reason:   cause.Error(),
		Attempts: event.Metadata.RetryCount + 1,
		FailedAt: b.now().UTC(),
	}
	b.deadLettered.Add(1)
	if err := b.deadLetters.DeadLetter(ctx, entry); err != nil {
		b.metrics.collaboratorError(ctx, "dead_letter", "dead_letter")
		b.logf("dead letter %s failed: %v", event.ID, err)
	}
	if event.Delivery.Persistent && b.store != nil {
		if err := b.store.UpdateEventStatus(ctx, event.ID, schema.StatusDeadLettered); err != nil {
			b.metrics.collaboratorError(ctx, "store", "update_status")
			b.logf("mark %s dead lettered failed: %v", event.ID, err)
		}
	}
	b.recordAudit(ctx, auditlog.Activity{
		Action:     auditlog.ActionEventDeadLettered,
		EntityType: "event",
		EntityID:   event.ID,
		TenantID:   event.Source.TenantID,
		UserID:     event.Source.UserID,
		Metadata: map[string]any{
			"eventType": string(event.Type),
			"channel":   string(event.Channel),
			"attempts":  entry.Attempts,
			"reason":    entry.Reason,
		},
		OccurredAt: entry.FailedAt,
	})
	b.metrics.eventCount(ctx, b.metrics.deadLetters, event, "")
	b.logf("dead lettered %s after %d attempts: %v", event.ID, entry.Attempts, cause)
	b.notifier.emit(Notification{Kind: NotifyDeadLetter, Event: entry.Event, Channel: event.Channel, Error: entry.Reason, At: b.now()})
}

func (b *EventBus) expire(ctx context.Context, event *schema.Event) {
	if event.Delivery.Persistent && b.store != nil {
		if err := b.store.UpdateEventStatus(ctx, event.ID, schema.StatusExpired); err != nil {
			b.metrics.collaboratorError(ctx, "store", "update_status")
			b.logf("mark %s expired failed: %v", event.ID, err)
		}
	}
	b.metrics.eventCount(ctx, b.metrics.expired, event, "")
	b.notifier.emit(Notification{Kind: NotifyExpired, Event: event.Clone(), Channel: event.Channel, At: b.now()})
}

// ReplayDeadLetter moves a dead-lettered event back onto its queue with a fresh
// retry budget. The event keeps its id.
func (b *EventBus) ReplayDeadLetter(ctx context.Context, eventID string) error {
	ctx = safeContext(ctx)
	entry, err := b.deadLetters.GetDeadLetter(ctx, eventID)
	if err != nil {
		return err
	}
	if entry.Event == nil {
		return errs.New("eventbus/replay", errs.CodeNotFound, errs.WithMessage("dead letter has no event"))
	}
	event := entry.Event.Clone()
	replay := func(ctx context.Context) error {
		if _, ok := b.queues[event.Channel]; !ok {
			return errs.New("eventbus/replay", errs.CodeConfig, errs.WithChannel(string(event.Channel)), errs.WithMessage("no queue provisioned for channel"))
		}
		if err := b.deadLetters.RemoveDeadLetter(ctx, eventID); err != nil {
			return err
		}
		event.Metadata.RetryCount = 0
		event.Metadata.Timestamp = b.now().UTC()
		if event.Delivery.Persistent && b.store != nil {
			if err := b.store.UpdateEventStatus(ctx, event.ID, schema.StatusPending); err != nil {
				b.metrics.collaboratorError(ctx, "store", "update_status")
				b.logf("mark %s pending failed: %v", event.ID, err)
			}
		}
		b.seen.mark(event.ID, b.now())
		b.enqueueLocal(ctx, event)
		b.recordAudit(ctx, auditlog.Activity{
			Action:     auditlog.ActionEventReplayed,
			EntityType: "event",
			EntityID:   event.ID,
			TenantID:   event.Source.TenantID,
			UserID:     event.Source.UserID,
			OccurredAt: event.Metadata.Timestamp,
		})
		return nil
	}
	if b.authorizer == nil {
		return replay(ctx)
	}
	return b.authorizer.Execute(ctx, event.Source.TenantID, OperationPublishEvent, replay)
}
