package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/telemetry"
)

type busMetrics struct {
	published        metric.Int64Counter
	processed        metric.Int64Counter
	handlerDuration  metric.Float64Histogram
	retries          metric.Int64Counter
	deadLetters      metric.Int64Counter
	expired          metric.Int64Counter
	configErrors     metric.Int64Counter
	duplicates       metric.Int64Counter
	collaboratorErrs metric.Int64Counter
	auditDropped     metric.Int64Counter
	notifyDropped    metric.Int64Counter

	registration metric.Registration
}

func newBusMetrics(b *EventBus) *busMetrics {
	meter := otel.Meter("coreflow/eventbus")
	m := new(busMetrics)
	m.published, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	m.processed, _ = meter.Int64Counter("eventbus.events.processed",
		metric.WithDescription("Number of events processed by the drain cycle"),
		metric.WithUnit("{event}"))
	m.handlerDuration, _ = meter.Float64Histogram("eventbus.handler.duration",
		metric.WithDescription("Latency of handler invocations"),
		metric.WithUnit("ms"))
	m.retries, _ = meter.Int64Counter("eventbus.events.retried",
		metric.WithDescription("Number of events re-enqueued after a structural failure"),
		metric.WithUnit("{event}"))
	m.deadLetters, _ = meter.Int64Counter("eventbus.events.dead_lettered",
		metric.WithDescription("Number of events that exhausted their retries"),
		metric.WithUnit("{event}"))
	m.expired, _ = meter.Int64Counter("eventbus.events.expired",
		metric.WithDescription("Number of events dropped after their TTL elapsed"),
		metric.WithUnit("{event}"))
	m.configErrors, _ = meter.Int64Counter("eventbus.config.errors",
		metric.WithDescription("Unmapped channels seen at publish or registration"),
		metric.WithUnit("{error}"))
	m.duplicates, _ = meter.Int64Counter("eventbus.transport.duplicates",
		metric.WithDescription("Transport deliveries dropped because the event id was already seen"),
		metric.WithUnit("{event}"))
	m.collaboratorErrs, _ = meter.Int64Counter("eventbus.collaborator.errors",
		metric.WithDescription("Isolated failures of transport, store, audit and sync collaborators"),
		metric.WithUnit("{error}"))
	m.auditDropped, _ = meter.Int64Counter("eventbus.audit.dropped",
		metric.WithDescription("Audit entries dropped because the audit pool was saturated"),
		metric.WithUnit("{entry}"))
	m.notifyDropped, _ = meter.Int64Counter("eventbus.notifications.dropped",
		metric.WithDescription("Notifications dropped due to observer backpressure"),
		metric.WithUnit("{notification}"))

	depth, _ := meter.Int64ObservableGauge("eventbus.queue.depth",
		metric.WithDescription("Events waiting in each channel queue"),
		metric.WithUnit("{event}"))
	handlers, _ := meter.Int64ObservableGauge("eventbus.handlers",
		metric.WithDescription("Registered handlers"),
		metric.WithUnit("{handler}"))
	if depth != nil && handlers != nil {
		m.registration, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			env := telemetry.Environment()
			for channel, q := range b.queues {
				o.ObserveInt64(depth, int64(q.Len()), metric.WithAttributes(telemetry.ChannelAttributes(env, string(channel))...))
			}
			o.ObserveInt64(handlers, int64(b.HandlerCount()), metric.WithAttributes(telemetry.AttrEnvironment.String(env)))
			return nil
		}, depth, handlers)
	}
	return m
}

func (m *busMetrics) eventCount(ctx context.Context, counter metric.Int64Counter, event *schema.Event, result string) {
	if m == nil || counter == nil || event == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(event.Type), string(event.Channel))
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *busMetrics) collaboratorError(ctx context.Context, component, operation string) {
	if m == nil || m.collaboratorErrs == nil {
		return
	}
	m.collaboratorErrs.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), component, operation, "error")...))
}

func (m *busMetrics) configError(ctx context.Context, channel schema.Channel, reason string) {
	if m == nil || m.configErrors == nil {
		return
	}
	attrs := telemetry.ErrorAttributes(telemetry.Environment(), "config", reason)
	attrs = append(attrs, telemetry.AttrChannel.String(string(channel)))
	m.configErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *busMetrics) handlerRun(ctx context.Context, channel schema.Channel, res schema.HandlerResult) {
	if m == nil || m.handlerDuration == nil {
		return
	}
	result := "success"
	if !res.Success {
		result = "error"
	}
	m.handlerDuration.Record(ctx, float64(res.Duration.Microseconds())/1000,
		metric.WithAttributes(telemetry.HandlerAttributes(telemetry.Environment(), string(channel), res.HandlerID, result)...))
}

func (m *busMetrics) close() {
	if m != nil && m.registration != nil {
		_ = m.registration.Unregister()
	}
}
