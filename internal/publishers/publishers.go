// Package publishers holds the typed event factories of the business modules.
// Each factory pins the (type, channel) pair, payload shape and advisory
// targets of one domain event and hands it to the bus.
package publishers

import (
	"context"
	"strings"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
)

// Module names used as event sources and targets.
const (
	ModuleCRM        = "crm"
	ModuleAccounting = "accounting"
	ModuleAI         = "ai"
	ModuleHR         = "hr"
	ModuleInventory  = "inventory"
	ModuleProjects   = "projects"
)

// Bus is the publish surface the factories need.
type Bus interface {
	PublishEvent(ctx context.Context, eventType schema.EventType, channel schema.Channel, data map[string]any, source schema.Source, opts ...eventbus.PublishOption) (string, error)
}

// Actor identifies who triggered a business event.
type Actor struct {
	TenantID string
	UserID   string
}

type publisher struct {
	bus    Bus
	module string
}

func (p publisher) source(actor Actor, entityType, entityID string) schema.Source {
	return schema.Source{
		Module:     p.module,
		TenantID:   actor.TenantID,
		UserID:     actor.UserID,
		EntityID:   entityID,
		EntityType: entityType,
	}
}

func (p publisher) publish(ctx context.Context, eventType schema.EventType, channel schema.Channel, data map[string]any, source schema.Source, opts ...eventbus.PublishOption) (string, error) {
	if p.bus == nil {
		return "", errs.New("publishers/"+p.module, errs.CodeConfig, errs.WithMessage("publisher has no bus"))
	}
	return p.bus.PublishEvent(ctx, eventType, channel, data, source, opts...)
}

// EntityAction is the lifecycle step mirrored onto the cross-module channel.
type EntityAction string

const (
	ActionCreated EntityAction = "created"
	ActionUpdated EntityAction = "updated"
	ActionDeleted EntityAction = "deleted"
)

func (a EntityAction) eventType() (schema.EventType, bool) {
	switch EntityAction(strings.ToLower(string(a))) {
	case ActionCreated:
		return schema.EventTypeEntityCreated, true
	case ActionUpdated:
		return schema.EventTypeEntityUpdated, true
	case ActionDeleted:
		return schema.EventTypeEntityDeleted, true
	default:
		return "", false
	}
}

// Syncer mirrors entity changes of one module onto CROSS_MODULE, where the bus
// turns them into sync intents.
type Syncer struct {
	publisher
}

// NewSyncer builds a Syncer publishing on behalf of module.
func NewSyncer(bus Bus, module string) *Syncer {
	return &Syncer{publisher{bus: bus, module: module}}
}

// SyncEntity records that entityType/entityID changed. An empty targetModule
// leaves the intent addressed to every module.
func (s *Syncer) SyncEntity(ctx context.Context, actor Actor, action EntityAction, entityType, entityID, targetModule string, data map[string]any) (string, error) {
	eventType, ok := action.eventType()
	if !ok {
		return "", errs.New("publishers/sync", errs.CodeInvalid, errs.WithMessage("unknown entity action "+string(action)))
	}
	if strings.TrimSpace(entityID) == "" {
		return "", errs.New("publishers/sync", errs.CodeInvalid, errs.WithMessage("entity id required"))
	}
	payload := schema.CloneData(data)
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["action"] = string(action)
	payload["entityType"] = entityType
	payload["entityId"] = entityID
	if target := strings.TrimSpace(targetModule); target != "" {
		payload["targetModule"] = target
	}
	return s.publish(ctx, eventType, schema.ChannelCrossModule, payload, s.source(actor, entityType, entityID),
		eventbus.WithPriority(schema.PriorityHigh))
}

// RequestModuleSync asks the module syncer to reconcile modules.
func (s *Syncer) RequestModuleSync(ctx context.Context, actor Actor, modules []string, reason string) (string, error) {
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		if m = strings.TrimSpace(m); m != "" {
			names = append(names, m)
		}
	}
	if len(names) == 0 {
		return "", errs.New("publishers/sync", errs.CodeInvalid, errs.WithMessage("at least one module required"))
	}
	data := map[string]any{"modules": names}
	if reason != "" {
		data["reason"] = reason
	}
	targets := make([]schema.Target, 0, len(names))
	for _, m := range names {
		targets = append(targets, schema.Target{Module: m, Handler: "module_sync"})
	}
	return s.publish(ctx, schema.EventTypeModuleSync, schema.ChannelCrossModule, data, s.source(actor, "", ""),
		eventbus.WithTargets(targets...))
}
