package eventbus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/domain/syncintent"
)

// synchronize applies the cross-module rules: entity lifecycle events record a
// pending intent, MODULE_SYNC goes to the module syncer, anything else is ignored.
func (b *EventBus) synchronize(ctx context.Context, event *schema.Event) error {
	switch {
	case event.Type.IsEntityLifecycle():
		if b.recorder == nil {
			return nil
		}
		intent := IntentFromEvent(event, b.now().UTC())
		if err := b.recorder.Record(ctx, intent); err != nil {
			b.metrics.collaboratorError(ctx, "sync", "record_intent")
			return errs.New("eventbus/sync", errs.CodeUnavailable,
				errs.WithTenant(event.Source.TenantID),
				errs.WithMessage("record sync intent failed"),
				errs.WithCause(err))
		}
		return nil
	case event.Type == schema.EventTypeModuleSync:
		if b.syncer == nil {
			return nil
		}
		if err := b.syncer.SyncModules(ctx, event.Clone()); err != nil {
			b.metrics.collaboratorError(ctx, "sync", "module_sync")
			return errs.New("eventbus/sync", errs.CodeUnavailable,
				errs.WithTenant(event.Source.TenantID),
				errs.WithMessage("module sync failed"),
				errs.WithCause(err))
		}
		return nil
	default:
		return nil
	}
}

// IntentFromEvent builds the pending synchronization intent for an entity event.
// The target module comes from data.targetModule when present.
func IntentFromEvent(event *schema.Event, now time.Time) syncintent.Intent {
	target := syncintent.AnyModule
	if raw, ok := event.Data["targetModule"].(string); ok && strings.TrimSpace(raw) != "" {
		target = strings.TrimSpace(raw)
	}
	entityType := event.Source.EntityType
	if entityType == "" {
		if raw, ok := event.Data["entityType"].(string); ok {
			entityType = raw
		}
	}
	entityID := event.Source.EntityID
	if entityID == "" {
		if raw, ok := event.Data["entityId"].(string); ok {
			entityID = raw
		}
	}
	return syncintent.Intent{
		ID:           "sync_" + uuid.NewString(),
		EventID:      event.ID,
		TenantID:     event.Source.TenantID,
		Action:       event.Type,
		SourceModule: event.Source.Module,
		TargetModule: target,
		EntityType:   entityType,
		EntityID:     entityID,
		Payload:      schema.CloneData(event.Data),
		Status:       syncintent.StatusPending,
		CreatedAt:    now,
	}
}
