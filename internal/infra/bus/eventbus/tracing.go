package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/telemetry"
)

var tracer = otel.Tracer("coreflow/eventbus")

func startEventSpan(ctx context.Context, name string, event *schema.Event) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		telemetry.AttrEventID.String(event.ID),
		telemetry.AttrEventType.String(string(event.Type)),
		telemetry.AttrChannel.String(string(event.Channel)),
		telemetry.AttrPriority.String(event.Priority.String()),
		telemetry.AttrTenant.String(event.Source.TenantID),
	))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
