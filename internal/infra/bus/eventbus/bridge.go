package eventbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

const maxResubscribeInterval = 30 * time.Second

// consume keeps a transport subscription open for the channel, resubscribing with
// exponential backoff whenever it fails or ends.
func (b *EventBus) consume(ctx context.Context, channel schema.Channel) {
	defer b.loops.Done()
	topic := transport.Topic(b.cfg.TopicPrefix, channel)
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxResubscribeInterval

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := b.transport.Subscribe(ctx, topic)
		if err == nil {
			backoffCfg.Reset()
			b.receiveLoop(ctx, sub)
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			b.logf("transport subscription %s ended; resubscribing", topic)
		} else {
			b.metrics.collaboratorError(ctx, "transport", "subscribe")
			b.logf("transport subscribe %s failed: %v", topic, err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxResubscribeInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (b *EventBus) receiveLoop(ctx context.Context, sub transport.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			b.Receive(ctx, msg.Payload)
		}
	}
}

// Receive enqueues an event delivered by the transport unless it is already queued
// or was seen recently. It reports whether the event was enqueued.
func (b *EventBus) Receive(ctx context.Context, payload []byte) bool {
	ctx = safeContext(ctx)
	event, err := DecodeEvent(payload)
	if err != nil {
		b.metrics.collaboratorError(ctx, "transport", "decode")
		b.logf("drop undecodable transport payload: %v", err)
		return false
	}
	q, ok := b.queues[event.Channel]
	if !ok {
		b.reportUnmapped(ctx, event.Channel, "receive event "+event.ID)
		return false
	}
	if q.Contains(event.ID) || !b.seen.markIfNew(event.ID, b.now()) {
		b.metrics.eventCount(ctx, b.metrics.duplicates, event, "")
		return false
	}
	q.Enqueue(event)
	return true
}
