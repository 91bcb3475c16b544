package scripting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
	"github.com/coachpo/coreflow/internal/infra/config"
	"github.com/coachpo/coreflow/internal/infra/security"
)

// Publisher lets scripts emit follow-up events.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType schema.EventType, channel schema.Channel, data map[string]any, source schema.Source, opts ...eventbus.PublishOption) (string, error)
}

// Registrar accepts handler registrations.
type Registrar interface {
	RegisterHandler(reg schema.HandlerRegistration) error
	UnregisterHandler(id string) bool
}

// Deps are the collaborators shared by every scripted handler.
type Deps struct {
	Publisher Publisher
	Logger    *log.Logger
	// Roles are granted to scripts when they emit events on behalf of a tenant.
	Roles []string
}

// Handler binds one manifest entry to a pool of VMs running its script.
type Handler struct {
	spec   config.ScriptSpec
	module *Module
	deps   Deps
	idle   chan *Instance
	all    []*Instance
}

// NewHandler starts max(1, spec.MaxConcurrency) VMs for module.
func NewHandler(spec config.ScriptSpec, module *Module, deps Deps) (*Handler, error) {
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "coreflow/scripts ", log.LstdFlags|log.Lmicroseconds)
	}
	size := spec.MaxConcurrency
	if size <= 0 {
		size = 1
	}
	h := &Handler{spec: spec, module: module, deps: deps, idle: make(chan *Instance, size)}
	for n := 0; n < size; n++ {
		instance, err := NewInstance(module, deps.Logger, spec.ID)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.all = append(h.all, instance)
		h.idle <- instance
	}
	return h, nil
}

// ID returns the registration id.
func (h *Handler) ID() string { return h.spec.ID }

// Registration describes the handler for the bus.
func (h *Handler) Registration() schema.HandlerRegistration {
	types := make([]schema.EventType, 0, len(h.spec.EventTypes))
	for _, t := range h.spec.EventTypes {
		types = append(types, schema.EventType(t))
	}
	return schema.HandlerRegistration{
		ID:             h.spec.ID,
		Name:           "script:" + h.spec.File,
		Channel:        schema.Channel(h.spec.Channel),
		EventTypes:     types,
		Module:         h.spec.Module,
		Handler:        h.Handle,
		MaxConcurrency: len(h.all),
	}
}

// Handle runs the script's handle export for event on an idle VM.
func (h *Handler) Handle(ctx context.Context, event *schema.Event) error {
	if h.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.spec.Timeout)
		defer cancel()
	}
	payload, err := eventValue(event)
	if err != nil {
		return err
	}

	var instance *Instance
	select {
	case instance = <-h.idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { h.idle <- instance }()

	_, err = instance.Execute(ctx, func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		callable, ok := goja.AssertFunction(exports.Get(HandleExport))
		if !ok {
			return nil, ErrFunctionMissing
		}
		return callable(goja.Undefined(), rt.ToValue(payload), h.scriptContext(ctx, rt, event))
	})
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return fmt.Errorf("script %s: %s", h.spec.ID, exc.Value().String())
		}
		return fmt.Errorf("script %s: %w", h.spec.ID, err)
	}
	return nil
}

func (h *Handler) scriptContext(ctx context.Context, rt *goja.Runtime, event *schema.Event) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("handlerId", h.spec.ID)
	_ = obj.Set("module", h.spec.Module)
	_ = obj.Set("config", h.spec.Config)
	_ = obj.Set("emit", func(call goja.FunctionCall) goja.Value {
		id, err := h.emit(ctx, event, call)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return rt.ToValue(id)
	})
	return obj
}

// emit publishes a follow-up event scoped to the triggering event's tenant.
func (h *Handler) emit(ctx context.Context, cause *schema.Event, call goja.FunctionCall) (string, error) {
	if h.deps.Publisher == nil {
		return "", fmt.Errorf("emit unavailable: no publisher configured")
	}
	eventType := schema.EventType(strings.ToUpper(call.Argument(0).String()))
	channel := schema.NormalizeChannel(call.Argument(1).String())
	var data map[string]any
	if raw := call.Argument(2); !goja.IsUndefined(raw) && !goja.IsNull(raw) {
		exported, ok := raw.Export().(map[string]any)
		if !ok {
			return "", fmt.Errorf("emit data must be an object")
		}
		data = exported
	}
	module := h.spec.Module
	if module == "" {
		module = "scripts"
	}
	source := schema.Source{
		Module:   module,
		TenantID: cause.Source.TenantID,
		UserID:   cause.Source.UserID,
	}
	correlation := cause.Metadata.CorrelationID
	if correlation == "" {
		correlation = cause.ID
	}
	ctx = security.WithPrincipal(ctx, security.Principal{
		TenantID: cause.Source.TenantID,
		UserID:   "script:" + h.spec.ID,
		Roles:    h.deps.Roles,
	})
	return h.deps.Publisher.PublishEvent(ctx, eventType, channel, data, source,
		eventbus.WithCorrelationID(correlation),
		eventbus.WithCausationID(cause.ID))
}

// eventValue converts the event to plain maps so scripts see the JSON field names.
func eventValue(event *schema.Event) (map[string]any, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event for script: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode event for script: %w", err)
	}
	return out, nil
}

// Close stops every VM of the handler.
func (h *Handler) Close() {
	for _, instance := range h.all {
		instance.Close()
	}
}

// Set is the group of scripted handlers loaded from one manifest.
type Set struct {
	mu       sync.Mutex
	handlers []*Handler
	bound    Registrar
}

// Load compiles every script named by manifest, resolving files against dir.
// Scripts shared by several entries are compiled once.
func Load(manifest config.ScriptManifest, dir string, deps Deps) (*Set, error) {
	compiled := make(map[string]*Module)
	set := &Set{}
	for _, spec := range manifest.Handlers {
		path := spec.Path(dir)
		module, ok := compiled[path]
		if !ok {
			var err error
			module, err = Compile(path)
			if err != nil {
				set.Close()
				return nil, err
			}
			compiled[path] = module
		}
		handler, err := NewHandler(spec, module, deps)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.handlers = append(set.handlers, handler)
	}
	return set, nil
}

// Handlers returns the loaded handlers in manifest order.
func (s *Set) Handlers() []*Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handler(nil), s.handlers...)
}

// Register binds every handler to r. On failure the handlers registered so far are removed.
func (s *Set) Register(r Registrar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, handler := range s.handlers {
		if err := r.RegisterHandler(handler.Registration()); err != nil {
			for _, done := range s.handlers[:idx] {
				r.UnregisterHandler(done.ID())
			}
			return fmt.Errorf("register script %s: %w", handler.ID(), err)
		}
	}
	s.bound = r
	return nil
}

// Close unregisters the handlers and stops their VMs.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, handler := range s.handlers {
		if s.bound != nil {
			s.bound.UnregisterHandler(handler.ID())
		}
		handler.Close()
	}
	s.bound = nil
}

// Summary describes a loaded handler for logs.
func (h *Handler) Summary() string {
	return fmt.Sprintf("%s channel=%s types=%s file=%s sha=%.12s vms=%d",
		h.spec.ID, h.spec.Channel, strings.Join(h.spec.EventTypes, ","), h.module.Path, h.module.Hash, len(h.all))
}
