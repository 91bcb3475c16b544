// Package syncintent defines pending cross-module synchronization records.
package syncintent

import (
	"context"
	"time"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// AnyModule is the target placeholder used when the publisher did not name one.
const AnyModule = "*"

// Intent is a pending request for an external sync worker to reconcile an entity.
type Intent struct {
	ID           string           `json:"id"`
	EventID      string           `json:"eventId"`
	TenantID     string           `json:"tenantId"`
	Action       schema.EventType `json:"action"`
	SourceModule string           `json:"sourceModule"`
	TargetModule string           `json:"targetModule"`
	EntityType   string           `json:"entityType"`
	EntityID     string           `json:"entityId"`
	Payload      map[string]any   `json:"payload,omitempty"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// StatusPending is the only status the bus writes.
const StatusPending = "pending"

// Recorder stores intents for later reconciliation.
type Recorder interface {
	Record(ctx context.Context, intent Intent) error
}

// ModuleSyncer handles MODULE_SYNC requests.
type ModuleSyncer interface {
	SyncModules(ctx context.Context, event *schema.Event) error
}

// ModuleSyncFunc adapts a function into a ModuleSyncer.
type ModuleSyncFunc func(ctx context.Context, event *schema.Event) error

// SyncModules implements ModuleSyncer.
func (f ModuleSyncFunc) SyncModules(ctx context.Context, event *schema.Event) error {
	return f(ctx, event)
}
