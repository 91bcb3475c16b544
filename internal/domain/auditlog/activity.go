// Package auditlog defines the audit activity record and sink contract.
package auditlog

import (
	"context"
	"time"
)

// Action names recorded by the bus.
const (
	ActionEventPublished    = "EVENT_PUBLISHED"
	ActionEventDeadLettered = "EVENT_DEAD_LETTERED"
	ActionEventReplayed     = "EVENT_REPLAYED"
)

// Activity is one audit entry.
type Activity struct {
	Action     string         `json:"action" db:"action"`
	EntityType string         `json:"entityType" db:"entity_type"`
	EntityID   string         `json:"entityId" db:"entity_id"`
	TenantID   string         `json:"tenantId" db:"tenant_id"`
	UserID     string         `json:"userId,omitempty" db:"user_id"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
	OccurredAt time.Time      `json:"occurredAt" db:"occurred_at"`
}

// Sink records activities. Implementations may fail; callers isolate those failures.
type Sink interface {
	LogActivity(ctx context.Context, activity Activity) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, activity Activity) error

// LogActivity implements Sink.
func (f SinkFunc) LogActivity(ctx context.Context, activity Activity) error {
	return f(ctx, activity)
}
