package eventbus

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/auditlog"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

// PublishOption adjusts a single publish.
type PublishOption func(*publishSettings)

type publishSettings struct {
	priority      schema.Priority
	persistent    bool
	ttl           time.Duration
	delay         time.Duration
	maxRetries    int
	correlationID string
	causationID   string
	targets       []schema.Target
}

// WithPriority sets the queue priority. Defaults to MEDIUM.
func WithPriority(p schema.Priority) PublishOption {
	return func(s *publishSettings) { s.priority = p }
}

// WithPersistent controls durable storage. Defaults to true.
func WithPersistent(persistent bool) PublishOption {
	return func(s *publishSettings) { s.persistent = persistent }
}

// WithTTL drops the event if it is still queued after ttl.
func WithTTL(ttl time.Duration) PublishOption {
	return func(s *publishSettings) { s.ttl = ttl }
}

// WithDelay postpones the initial enqueue.
func WithDelay(delay time.Duration) PublishOption {
	return func(s *publishSettings) { s.delay = delay }
}

// WithMaxRetries bounds retries for the event. Defaults to the bus DefaultMaxRetries.
func WithMaxRetries(n int) PublishOption {
	return func(s *publishSettings) { s.maxRetries = n }
}

// WithCorrelationID links the event to a wider flow.
func WithCorrelationID(id string) PublishOption {
	return func(s *publishSettings) { s.correlationID = id }
}

// WithCausationID records the event that caused this one.
func WithCausationID(id string) PublishOption {
	return func(s *publishSettings) { s.causationID = id }
}

// WithTargets attaches informational targets.
func WithTargets(targets ...schema.Target) PublishOption {
	return func(s *publishSettings) { s.targets = append(s.targets, targets...) }
}

// PublishEvent validates, authorizes and publishes an event, returning its id.
// Only validation and authorization failures are returned; transport, store and
// audit failures are isolated and observable through metrics and logs.
func (b *EventBus) PublishEvent(ctx context.Context, eventType schema.EventType, channel schema.Channel, data map[string]any, source schema.Source, opts ...PublishOption) (string, error) {
	ctx = safeContext(ctx)
	settings := publishSettings{
		priority:   schema.PriorityMedium,
		persistent: true,
		maxRetries: -1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	if settings.maxRetries < 0 {
		settings.maxRetries = b.cfg.DefaultMaxRetries
	}
	if err := validatePublish(eventType, channel, source, settings); err != nil {
		return "", err
	}
	if err := enforcePayloadCap(data, b.cfg.MaxPayloadBytes); err != nil {
		return "", err
	}

	var id string
	publish := func(ctx context.Context) error {
		event := b.buildEvent(eventType, channel, data, source, settings)
		ctx, span := startEventSpan(ctx, "eventbus.publish", event)
		b.publish(ctx, event)
		endSpan(span, nil)
		id = event.ID
		return nil
	}
	if b.authorizer == nil {
		_ = publish(ctx)
		return id, nil
	}
	if err := b.authorizer.Execute(ctx, source.TenantID, OperationPublishEvent, publish); err != nil {
		return "", err
	}
	return id, nil
}

func validatePublish(eventType schema.EventType, channel schema.Channel, source schema.Source, settings publishSettings) error {
	if err := source.Validate(); err != nil {
		return err
	}
	if err := eventType.Validate(); err != nil {
		return err
	}
	if err := channel.Validate(); err != nil {
		return err
	}
	if !settings.priority.Valid() {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("invalid priority "+strconv.Itoa(int(settings.priority))))
	}
	if settings.ttl < 0 || settings.delay < 0 {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("ttl and delay must be >= 0"))
	}
	return nil
}

func (b *EventBus) buildEvent(eventType schema.EventType, channel schema.Channel, data map[string]any, source schema.Source, settings publishSettings) *schema.Event {
	return &schema.Event{
		ID:       schema.NewEventID(),
		Type:     eventType,
		Channel:  channel,
		Priority: settings.priority,
		Source:   source,
		Data:     schema.CloneData(data),
		Metadata: schema.Metadata{
			Timestamp:     b.now().UTC(),
			Version:       schema.SchemaVersion,
			CorrelationID: settings.correlationID,
			CausationID:   settings.causationID,
			RetryCount:    0,
		},
		Delivery: schema.DeliveryPolicy{
			Persistent: settings.persistent,
			TTL:        settings.ttl,
			MaxRetries: settings.maxRetries,
			Delay:      settings.delay,
		},
		Targets: slices.Clone(settings.targets),
	}
}

// publish runs the side effects in order: local enqueue, transport mirror, durable
// store, audit, notification.
func (b *EventBus) publish(ctx context.Context, event *schema.Event) {
	b.seen.mark(event.ID, b.now())

	if event.Delivery.Delay > 0 {
		b.deferDelivery(ctx, event, event.Delivery.Delay)
	} else {
		b.enqueueLocal(ctx, event)
	}

	b.mirror(ctx, event)

	if event.Delivery.Persistent && b.store != nil {
		if err := b.store.StoreEvent(ctx, event); err != nil {
			b.metrics.collaboratorError(ctx, "store", "store_event")
			b.logf("store event %s failed: %v", event.ID, err)
		}
	}

	b.recordAudit(ctx, auditlog.Activity{
		Action:     auditlog.ActionEventPublished,
		EntityType: "event",
		EntityID:   event.ID,
		TenantID:   event.Source.TenantID,
		UserID:     event.Source.UserID,
		Metadata: map[string]any{
			"eventType": string(event.Type),
			"channel":   string(event.Channel),
			"priority":  event.Priority.String(),
			"module":    event.Source.Module,
		},
		OccurredAt: event.Metadata.Timestamp,
	})

	b.metrics.eventCount(ctx, b.metrics.published, event, "")
	b.notifier.emit(Notification{Kind: NotifyPublished, Event: event.Clone(), Channel: event.Channel, At: b.now()})
}

// deferDelivery enqueues the event once delay has passed. While the bus is stopping
// a persistent event stays pending in the store and recovery delivers it after the
// next Start; any other event is enqueued at once.
func (b *EventBus) deferDelivery(ctx context.Context, event *schema.Event, delay time.Duration) {
	if b.scheduleEvent(event.ID, delay, func() {
		b.enqueueLocal(context.Background(), event)
	}) {
		return
	}
	if event.Delivery.Persistent && b.store != nil {
		b.logf("delayed delivery of %s left to recovery: bus stopping", event.ID)
		return
	}
	b.logf("delayed delivery of %s enqueued early: bus stopping", event.ID)
	b.enqueueLocal(ctx, event)
}

func (b *EventBus) mirror(ctx context.Context, event *schema.Event) {
	if b.transport == nil {
		return
	}
	payload, err := EncodeEvent(event)
	if err != nil {
		b.metrics.collaboratorError(ctx, "transport", "encode")
		b.logf("encode event %s failed: %v", event.ID, err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.TransportTimeout)
	defer cancel()
	if err := b.transport.Publish(pubCtx, transport.Topic(b.cfg.TopicPrefix, event.Channel), payload); err != nil {
		b.metrics.collaboratorError(ctx, "transport", "publish")
		b.logf("transport publish %s failed: %v", event.ID, err)
	}
}

// recordAudit hands the entry to the audit pool without blocking the caller.
func (b *EventBus) recordAudit(ctx context.Context, activity auditlog.Activity) {
	if b.audit == nil || b.auditPool == nil {
		return
	}
	sink := b.audit
	timeout := b.cfg.AuditTimeout
	err := b.auditPool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return sink.LogActivity(ctx, activity)
	})
	if err != nil {
		if b.metrics != nil && b.metrics.auditDropped != nil {
			b.metrics.auditDropped.Add(ctx, 1)
		}
		b.logf("audit entry %s for %s dropped: %v", activity.Action, activity.EntityID, err)
	}
}
