package eventbus

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/auditlog"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/domain/syncintent"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

func fastConfig() Config {
	return Config{
		TickInterval:   5 * time.Millisecond,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		HandlerTimeout: time.Second,
		SkipRecovery:   true,
	}
}

func newTestBus(t *testing.T, cfg Config, opts ...Option) *EventBus {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	bus := New(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	return bus
}

func crmSource() schema.Source {
	return schema.Source{Module: "crm", TenantID: "tenant-1", UserID: "user-1", EntityID: "cust-1", EntityType: "customer"}
}

func waitForKind(t *testing.T, ch <-chan Notification, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case note, ok := <-ch:
			if !ok {
				t.Fatalf("notification channel closed while waiting for %s", kind)
			}
			if note.Kind == kind {
				return note
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", kind)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func startBus(t *testing.T, bus *EventBus) {
	t.Helper()
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestPublishDeliversToMatchingHandler(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	received := make(chan *schema.Event, 1)
	err := bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "accounting.customer-sync",
		Name:       "customer sync",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Module:     "accounting",
		Handler: func(_ context.Context, evt *schema.Event) error {
			received <- evt
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, notes := bus.Subscribe(context.Background(), NotifyProcessed)
	startBus(t, bus)

	id, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM,
		map[string]any{"name": "Acme Corp"}, crmSource(), WithPriority(schema.PriorityHigh))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("unexpected event id %q", id)
	}

	select {
	case evt := <-received:
		if evt.ID != id {
			t.Fatalf("handler received %s, want %s", evt.ID, id)
		}
		if evt.Data["name"] != "Acme Corp" {
			t.Fatalf("unexpected data %v", evt.Data)
		}
		if evt.Source.TenantID != "tenant-1" || evt.Priority != schema.PriorityHigh {
			t.Fatalf("unexpected envelope %+v", evt)
		}
		if evt.Metadata.Version != schema.SchemaVersion || evt.Metadata.RetryCount != 0 {
			t.Fatalf("unexpected metadata %+v", evt.Metadata)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}

	note := waitForKind(t, notes, NotifyProcessed)
	if note.Result == nil || !note.Result.Success || len(note.Result.HandlerResults) != 1 {
		t.Fatalf("unexpected processing result %+v", note.Result)
	}
}

func TestHandlersIgnoreOtherTypesAndChannels(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	var calls atomic.Int32
	handler := func(context.Context, *schema.Event) error {
		calls.Add(1)
		return nil
	}
	_ = bus.RegisterHandler(schema.HandlerRegistration{ID: "deleted-only", Channel: schema.ChannelCRM, EventTypes: []schema.EventType{schema.EventTypeEntityDeleted}, Handler: handler})
	_ = bus.RegisterHandler(schema.HandlerRegistration{ID: "hr-created", Channel: schema.ChannelHR, EventTypes: []schema.EventType{schema.EventTypeEntityCreated}, Handler: handler})
	_, notes := bus.Subscribe(context.Background(), NotifyProcessed)
	startBus(t, bus)

	if _, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	note := waitForKind(t, notes, NotifyProcessed)
	if !note.Result.Success || len(note.Result.HandlerResults) != 0 {
		t.Fatalf("expected vacuous success, got %+v", note.Result)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no handler calls, got %d", calls.Load())
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	cfg := fastConfig()
	cfg.AbsorbHandlerFailures = true
	bus := newTestBus(t, cfg)

	var okCalls atomic.Int32
	register := func(id string, fn schema.HandlerFunc) {
		t.Helper()
		if err := bus.RegisterHandler(schema.HandlerRegistration{
			ID:         id,
			Channel:    schema.ChannelAccounting,
			EventTypes: []schema.EventType{schema.EventTypeBusinessEvent},
			Handler:    fn,
		}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	register("fails", func(context.Context, *schema.Event) error { return errors.New("ledger locked") })
	register("panics", func(context.Context, *schema.Event) error { panic("boom") })
	register("mutates", func(_ context.Context, evt *schema.Event) error {
		evt.Data["amount"] = "0"
		okCalls.Add(1)
		return nil
	})
	register("reads", func(_ context.Context, evt *schema.Event) error {
		if evt.Data["amount"] != "125.50" {
			return errors.New("saw mutated payload")
		}
		okCalls.Add(1)
		return nil
	})
	_, notes := bus.Subscribe(context.Background(), NotifyProcessed, NotifyRetryScheduled, NotifyDeadLetter)
	startBus(t, bus)

	_, err := bus.PublishEvent(context.Background(), schema.EventTypeBusinessEvent, schema.ChannelAccounting,
		map[string]any{"amount": "125.50"}, schema.Source{Module: "accounting", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	note := waitForKind(t, notes, NotifyProcessed)
	if note.Result.Success {
		t.Fatal("expected overall failure when a handler fails")
	}
	if len(note.Result.HandlerResults) != 4 {
		t.Fatalf("expected 4 handler results, got %d", len(note.Result.HandlerResults))
	}
	failed := note.Result.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed handlers, got %+v", failed)
	}
	for _, res := range failed {
		if res.HandlerID == "panics" && !strings.Contains(res.Error, "boom") {
			t.Fatalf("expected panic message in result, got %q", res.Error)
		}
	}
	if okCalls.Load() != 2 {
		t.Fatalf("expected both healthy handlers to run, got %d", okCalls.Load())
	}

	select {
	case extra := <-notes:
		t.Fatalf("absorbed handler failure should not retry, got %s", extra.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetriesThenDeadLetters(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	var calls atomic.Int32
	var seenRetry []int
	var mu sync.Mutex
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "always-fails",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityUpdated},
		Handler: func(_ context.Context, evt *schema.Event) error {
			calls.Add(1)
			mu.Lock()
			seenRetry = append(seenRetry, evt.Metadata.RetryCount)
			mu.Unlock()
			return errors.New("downstream unavailable")
		},
	})
	_, notes := bus.Subscribe(context.Background(), NotifyRetryScheduled, NotifyDeadLetter)
	startBus(t, bus)

	id, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityUpdated, schema.ChannelCRM,
		map[string]any{"stage": "won"}, crmSource(), WithMaxRetries(2))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	first := waitForKind(t, notes, NotifyRetryScheduled)
	if first.Delay != 5*time.Millisecond {
		t.Fatalf("expected first retry after base delay, got %s", first.Delay)
	}
	second := waitForKind(t, notes, NotifyRetryScheduled)
	if second.Delay != 10*time.Millisecond {
		t.Fatalf("expected second retry to double, got %s", second.Delay)
	}
	dead := waitForKind(t, notes, NotifyDeadLetter)
	if dead.Event.ID != id {
		t.Fatalf("dead letter for %s, want %s", dead.Event.ID, id)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	mu.Lock()
	if len(seenRetry) != 3 || seenRetry[0] != 0 || seenRetry[1] != 1 || seenRetry[2] != 2 {
		t.Fatalf("unexpected retry counts observed by handler %v", seenRetry)
	}
	mu.Unlock()

	entry, err := bus.DeadLetters().GetDeadLetter(context.Background(), id)
	if err != nil {
		t.Fatalf("get dead letter: %v", err)
	}
	if entry.Attempts != 3 || !strings.Contains(entry.Reason, "handlers failed") {
		t.Fatalf("unexpected dead letter %+v", entry)
	}
	if got := bus.Stats().DeadLettered; got != 1 {
		t.Fatalf("expected one dead-lettered event in stats, got %d", got)
	}
}

func TestReplayDeadLetterRequeuesWithFreshBudget(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	var healthy atomic.Bool
	var processed atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "flaky",
		Channel:    schema.ChannelAI,
		EventTypes: []schema.EventType{schema.EventTypeAIPredictionReady},
		Handler: func(_ context.Context, evt *schema.Event) error {
			if !healthy.Load() {
				return errors.New("model store offline")
			}
			if evt.Metadata.RetryCount != 0 {
				return errors.New("replay kept old retry count")
			}
			processed.Add(1)
			return nil
		},
	})
	_, notes := bus.Subscribe(context.Background(), NotifyDeadLetter)
	startBus(t, bus)

	id, err := bus.PublishEvent(context.Background(), schema.EventTypeAIPredictionReady, schema.ChannelAI,
		map[string]any{"model": "churn"}, schema.Source{Module: "ai", TenantID: "tenant-1"}, WithMaxRetries(0))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitForKind(t, notes, NotifyDeadLetter)

	healthy.Store(true)
	if err := bus.ReplayDeadLetter(context.Background(), id); err != nil {
		t.Fatalf("replay: %v", err)
	}
	eventually(t, func() bool { return processed.Load() == 1 }, "replayed event processed")
	if _, err := bus.DeadLetters().GetDeadLetter(context.Background(), id); !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected dead letter removed, got %v", err)
	}
	if err := bus.ReplayDeadLetter(context.Background(), "evt_missing"); !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not found for unknown dead letter, got %v", err)
	}
}

func TestHandlerTimeoutIsReportedAsFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	cfg.AbsorbHandlerFailures = true
	bus := newTestBus(t, cfg)
	release := make(chan struct{})
	defer close(release)
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "stuck",
		Channel:    schema.ChannelSystem,
		EventTypes: []schema.EventType{schema.EventTypeSystemEvent},
		Handler: func(context.Context, *schema.Event) error {
			<-release
			return nil
		},
	})
	_, notes := bus.Subscribe(context.Background(), NotifyProcessed)
	startBus(t, bus)

	if _, err := bus.PublishEvent(context.Background(), schema.EventTypeSystemEvent, schema.ChannelSystem, nil,
		schema.Source{Module: "system", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	note := waitForKind(t, notes, NotifyProcessed)
	if note.Result.Success || len(note.Result.HandlerResults) != 1 {
		t.Fatalf("expected timed out handler to fail, got %+v", note.Result)
	}
	if res := note.Result.HandlerResults[0]; !strings.Contains(res.Error, "timeout") {
		t.Fatalf("expected timeout error, got %q", res.Error)
	}
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = time.Hour
	bus := newTestBus(t, cfg)
	var calls atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "count",
		Channel:    schema.ChannelProjects,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler: func(context.Context, *schema.Event) error {
			calls.Add(1)
			return nil
		},
	})
	startBus(t, bus)

	const total = 25
	for range total {
		if _, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelProjects, nil,
			schema.Source{Module: "projects", TenantID: "tenant-1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	q, _ := bus.Queue(schema.ChannelProjects)
	if q.Len() != total {
		t.Fatalf("expected %d queued events before stop, got %d", total, q.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", q.Len())
	}
	if calls.Load() != total {
		t.Fatalf("expected %d handler calls, got %d", total, calls.Load())
	}
	if bus.Running() {
		t.Fatal("expected bus to report stopped")
	}
}

func TestStopTimesOutWhenHandlersHang(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = time.Hour
	cfg.HandlerTimeout = time.Minute
	bus := newTestBus(t, cfg)
	release := make(chan struct{})
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "hang",
		Channel:    schema.ChannelHR,
		EventTypes: []schema.EventType{schema.EventTypeBusinessEvent},
		Handler: func(context.Context, *schema.Event) error {
			<-release
			return nil
		},
	})
	startBus(t, bus)
	for range 15 {
		_, _ = bus.PublishEvent(context.Background(), schema.EventTypeBusinessEvent, schema.ChannelHR, nil,
			schema.Source{Module: "hr", TenantID: "tenant-1"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bus.Stop(ctx) }()
	time.Sleep(60 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if !errs.HasCode(err, errs.CodeTimeout) {
			t.Fatalf("expected timeout error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return")
	}
}

type denyAuthorizer struct {
	calls atomic.Int32
}

func (d *denyAuthorizer) Execute(_ context.Context, tenantID, operation string, _ func(context.Context) error) error {
	d.calls.Add(1)
	return errs.New("security", errs.CodeUnauthorized, errs.WithTenant(tenantID), errs.WithOperation(operation))
}

type recordingSink struct {
	mu       sync.Mutex
	entries  []auditlog.Activity
	failWith error
}

func (s *recordingSink) LogActivity(_ context.Context, activity auditlog.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, activity)
	return s.failWith
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, entry := range s.entries {
		out[i] = entry.Action
	}
	return out
}

func TestUnauthorizedPublishHasNoSideEffects(t *testing.T) {
	authz := &denyAuthorizer{}
	sink := &recordingSink{}
	store := newMemoryStore()
	bus := newTestBus(t, fastConfig(), WithAuthorizer(authz), WithAuditSink(sink), WithEventStore(store))
	_, notes := bus.Subscribe(context.Background(), NotifyPublished)

	id, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource())
	if !errs.HasCode(err, errs.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	var typed *errs.E
	if !errors.As(err, &typed) || typed.Operation != OperationPublishEvent || typed.Tenant != "tenant-1" {
		t.Fatalf("expected operation and tenant on the error, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected no id, got %q", id)
	}
	if authz.calls.Load() != 1 {
		t.Fatalf("expected authorizer to be consulted once, got %d", authz.calls.Load())
	}
	q, _ := bus.Queue(schema.ChannelCRM)
	if q.Len() != 0 || store.count() != 0 || len(sink.actions()) != 0 {
		t.Fatalf("expected no side effects: queue=%d store=%d audit=%v", q.Len(), store.count(), sink.actions())
	}
	select {
	case note := <-notes:
		t.Fatalf("unexpected notification %s", note.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishValidation(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	ctx := context.Background()

	cases := []struct {
		name    string
		typ     schema.EventType
		channel schema.Channel
		source  schema.Source
		opts    []PublishOption
	}{
		{"missing tenant", schema.EventTypeEntityCreated, schema.ChannelCRM, schema.Source{Module: "crm"}, nil},
		{"unknown type", schema.EventType("ENTITY_RENAMED"), schema.ChannelCRM, crmSource(), nil},
		{"lowercase channel", schema.EventTypeEntityCreated, schema.Channel("crm"), crmSource(), nil},
		{"bad priority", schema.EventTypeEntityCreated, schema.ChannelCRM, crmSource(), []PublishOption{WithPriority(schema.Priority(9))}},
		{"negative ttl", schema.EventTypeEntityCreated, schema.ChannelCRM, crmSource(), []PublishOption{WithTTL(-time.Second)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := bus.PublishEvent(ctx, tc.typ, tc.channel, nil, tc.source, tc.opts...); !errs.HasCode(err, errs.CodeInvalid) {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}

	cfg := fastConfig()
	cfg.MaxPayloadBytes = 32
	small := newTestBus(t, cfg)
	_, err := small.PublishEvent(ctx, schema.EventTypeEntityCreated, schema.ChannelCRM,
		map[string]any{"notes": strings.Repeat("x", 64)}, crmSource())
	if !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected oversized payload to be rejected, got %v", err)
	}
}

func TestAuditFailureNeverFailsPublish(t *testing.T) {
	sink := &recordingSink{failWith: errors.New("audit db down")}
	bus := newTestBus(t, fastConfig(), WithAuditSink(sink))
	var calls atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "crm-listener",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler: func(context.Context, *schema.Event) error {
			calls.Add(1)
			return nil
		},
	})
	startBus(t, bus)

	id, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource())
	if err != nil {
		t.Fatalf("publish should succeed despite audit failure: %v", err)
	}
	eventually(t, func() bool { return calls.Load() == 1 }, "handler invoked")
	eventually(t, func() bool {
		actions := sink.actions()
		return len(actions) == 1 && actions[0] == auditlog.ActionEventPublished
	}, "audit entry attempted")

	sink.mu.Lock()
	entry := sink.entries[0]
	sink.mu.Unlock()
	if entry.EntityID != id || entry.TenantID != "tenant-1" || entry.UserID != "user-1" || entry.EntityType != "event" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if entry.Metadata["channel"] != "CRM" || entry.Metadata["eventType"] != "ENTITY_CREATED" {
		t.Fatalf("unexpected audit metadata %v", entry.Metadata)
	}
}

func TestUnmappedChannelReportsConfigError(t *testing.T) {
	cfg := fastConfig()
	cfg.Channels = []schema.Channel{schema.ChannelCRM}
	bus := newTestBus(t, cfg)
	_, notes := bus.Subscribe(context.Background(), NotifyConfigError)

	err := bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "billing",
		Channel:    schema.Channel("BILLING"),
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler:    func(context.Context, *schema.Event) error { return nil },
	})
	if err != nil {
		t.Fatalf("registration on an unmapped channel should succeed: %v", err)
	}
	note := waitForKind(t, notes, NotifyConfigError)
	if note.Channel != "BILLING" || !strings.Contains(note.Error, string(errs.CodeConfig)) {
		t.Fatalf("unexpected config error notification %+v", note)
	}

	id, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelAccounting, nil,
		schema.Source{Module: "accounting", TenantID: "tenant-1"})
	if err != nil || id == "" {
		t.Fatalf("publish to an unmapped channel should not fail: id=%q err=%v", id, err)
	}
	note = waitForKind(t, notes, NotifyConfigError)
	if note.Channel != schema.ChannelAccounting {
		t.Fatalf("expected config error for ACCOUNTING, got %s", note.Channel)
	}
	if _, ok := bus.Queue(schema.ChannelAccounting); ok {
		t.Fatal("did not expect a queue for an unconfigured channel")
	}
}

func TestExpiredEventsAreDropped(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = time.Hour
	bus := newTestBus(t, cfg)
	var calls atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "inventory",
		Channel:    schema.ChannelInventory,
		EventTypes: []schema.EventType{schema.EventTypeEntityUpdated},
		Handler: func(context.Context, *schema.Event) error {
			calls.Add(1)
			return nil
		},
	})
	_, notes := bus.Subscribe(context.Background(), NotifyExpired)
	startBus(t, bus)

	if _, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityUpdated, schema.ChannelInventory, nil,
		schema.Source{Module: "inventory", TenantID: "tenant-1"}, WithTTL(time.Millisecond)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForKind(t, notes, NotifyExpired)
	if calls.Load() != 0 {
		t.Fatalf("expired event reached %d handlers", calls.Load())
	}
}

func TestDelayedPublishEnqueuesLater(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	var calls atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "delayed",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler: func(context.Context, *schema.Event) error {
			calls.Add(1)
			return nil
		},
	})
	startBus(t, bus)

	if _, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource(),
		WithDelay(80*time.Millisecond)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stats := bus.Stats()
	if stats.Queues[schema.ChannelCRM] != 0 || stats.PendingTimers != 1 {
		t.Fatalf("expected event held by a timer, got %+v", stats)
	}
	eventually(t, func() bool { return calls.Load() == 1 }, "delayed event processed")
}

func TestDelayedPublishBeforeStartIsDeliveredOnce(t *testing.T) {
	store := newMemoryStore()
	cfg := fastConfig()
	cfg.SkipRecovery = false
	bus := newTestBus(t, cfg, WithEventStore(store))
	var calls atomic.Int32
	var firstCall atomic.Int64
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "delayed",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler: func(context.Context, *schema.Event) error {
			if calls.Add(1) == 1 {
				firstCall.Store(time.Now().UnixNano())
			}
			return nil
		},
	})

	const delay = 300 * time.Millisecond
	published := time.Now()
	if _, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource(),
		WithDelay(delay)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	startBus(t, bus)

	time.Sleep(2 * delay)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
	if early := time.Unix(0, firstCall.Load()).Sub(published); early < delay {
		t.Fatalf("delivered after %s, before the %s delay", early, delay)
	}
}

func TestDelayedPublishAfterStopKeepsDelay(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	startBus(t, bus)
	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := bus.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource(),
		WithPersistent(false), WithDelay(50*time.Millisecond)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stats := bus.Stats()
	if stats.Queues[schema.ChannelCRM] != 0 || stats.PendingTimers != 1 {
		t.Fatalf("expected delayed event held by a timer after stop, got %+v", stats)
	}
	eventually(t, func() bool { return bus.Stats().Queues[schema.ChannelCRM] == 1 }, "delayed event queued once due")
}

func TestRecoveryKeepsRemainingDelay(t *testing.T) {
	store := newMemoryStore()
	pending := &schema.Event{
		ID:       schema.NewEventID(),
		Type:     schema.EventTypeEntityCreated,
		Channel:  schema.ChannelCRM,
		Priority: schema.PriorityMedium,
		Source:   crmSource(),
		Metadata: schema.Metadata{Timestamp: time.Now().UTC(), Version: schema.SchemaVersion},
		Delivery: schema.DeliveryPolicy{Persistent: true, MaxRetries: 3, Delay: 200 * time.Millisecond},
	}
	if err := store.StoreEvent(context.Background(), pending); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	cfg := fastConfig()
	cfg.SkipRecovery = false
	bus := newTestBus(t, cfg, WithEventStore(store))
	var calls atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "recovered",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler: func(context.Context, *schema.Event) error {
			calls.Add(1)
			return nil
		},
	})
	startBus(t, bus)

	if stats := bus.Stats(); stats.PendingTimers != 1 || stats.Queues[schema.ChannelCRM] != 0 {
		t.Fatalf("expected recovered event to wait out its delay, got %+v", stats)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("recovered event delivered before its delay elapsed")
	}
	eventually(t, func() bool { return store.status(pending.ID) == schema.StatusProcessed }, "recovered event processed")
	if calls.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", calls.Load())
	}
}

func TestRetryCountSurvivesRestart(t *testing.T) {
	store := newMemoryStore()
	cfg := fastConfig()
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute
	first := newTestBus(t, cfg, WithEventStore(store))
	_ = first.RegisterHandler(schema.HandlerRegistration{
		ID:         "flaky",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityUpdated},
		Handler:    func(context.Context, *schema.Event) error { return errors.New("ledger offline") },
	})
	_, notes := first.Subscribe(context.Background(), NotifyRetryScheduled)
	startBus(t, first)

	id, err := first.PublishEvent(context.Background(), schema.EventTypeEntityUpdated, schema.ChannelCRM, nil, crmSource(),
		WithMaxRetries(3))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitForKind(t, notes, NotifyRetryScheduled)
	if got := store.retries(id); got != 1 {
		t.Fatalf("expected stored retry count 1, got %d", got)
	}
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	recoverCfg := fastConfig()
	recoverCfg.SkipRecovery = false
	second := newTestBus(t, recoverCfg, WithEventStore(store))
	seen := make(chan int, 1)
	_ = second.RegisterHandler(schema.HandlerRegistration{
		ID:         "healthy",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityUpdated},
		Handler: func(_ context.Context, evt *schema.Event) error {
			seen <- evt.Metadata.RetryCount
			return nil
		},
	})
	startBus(t, second)

	select {
	case retries := <-seen:
		if retries != 1 {
			t.Fatalf("recovered event restarted its retry budget: retry count %d", retries)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending event was not recovered")
	}
}

func TestHungHandlerKeepsConcurrencySlot(t *testing.T) {
	cfg := fastConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	cfg.AbsorbHandlerFailures = true
	bus := newTestBus(t, cfg)
	release := make(chan struct{})
	defer close(release)
	var active, peak, calls atomic.Int32
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:             "hung",
		Channel:        schema.ChannelSystem,
		EventTypes:     []schema.EventType{schema.EventTypeSystemEvent},
		MaxConcurrency: 1,
		Handler: func(context.Context, *schema.Event) error {
			calls.Add(1)
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil
		},
	})
	_, notes := bus.Subscribe(context.Background(), NotifyProcessed)
	startBus(t, bus)

	for i := 0; i < 3; i++ {
		if _, err := bus.PublishEvent(context.Background(), schema.EventTypeSystemEvent, schema.ChannelSystem, nil,
			schema.Source{Module: "system", TenantID: "tenant-1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	slotErrors := 0
	for i := 0; i < 3; i++ {
		note := waitForKind(t, notes, NotifyProcessed)
		if len(note.Result.HandlerResults) == 1 && strings.Contains(note.Result.HandlerResults[0].Error, "slot unavailable") {
			slotErrors++
		}
	}
	if peak.Load() != 1 || calls.Load() != 1 {
		t.Fatalf("hung handler exceeded its concurrency limit: peak=%d calls=%d", peak.Load(), calls.Load())
	}
	if slotErrors != 2 {
		t.Fatalf("expected two events refused a slot, got %d", slotErrors)
	}
}

func TestTransportMirrorsAcrossBusesWithoutEchoDuplicates(t *testing.T) {
	hub := transport.NewHub(16)
	cfg := fastConfig()
	cfg.Channels = []schema.Channel{schema.ChannelCRM}
	busA := newTestBus(t, cfg, WithTransport(transport.NewMemoryTransport(hub)))
	busB := newTestBus(t, cfg, WithTransport(transport.NewMemoryTransport(hub)))

	var callsA, callsB atomic.Int32
	counter := func(c *atomic.Int32) schema.HandlerFunc {
		return func(context.Context, *schema.Event) error {
			c.Add(1)
			return nil
		}
	}
	reg := schema.HandlerRegistration{ID: "listener", Channel: schema.ChannelCRM, EventTypes: []schema.EventType{schema.EventTypeEntityCreated}}
	reg.Handler = counter(&callsA)
	_ = busA.RegisterHandler(reg)
	reg.Handler = counter(&callsB)
	_ = busB.RegisterHandler(reg)

	startBus(t, busA)
	startBus(t, busB)
	topic := transport.Topic("", schema.ChannelCRM)
	eventually(t, func() bool { return hub.Subscribers(topic) == 2 }, "both buses subscribed")

	if _, err := busA.PublishEvent(context.Background(), schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource(),
		WithPersistent(false)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, func() bool { return callsA.Load() == 1 && callsB.Load() == 1 }, "both buses processed the event")
	time.Sleep(50 * time.Millisecond)
	if callsA.Load() != 1 || callsB.Load() != 1 {
		t.Fatalf("expected exactly one delivery per bus, got A=%d B=%d", callsA.Load(), callsB.Load())
	}
}

func TestReceiveDropsDuplicatesAndGarbage(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = time.Hour
	bus := newTestBus(t, cfg)

	evt := &schema.Event{
		ID:       schema.NewEventID(),
		Type:     schema.EventTypeEntityDeleted,
		Channel:  schema.ChannelCRM,
		Priority: schema.PriorityLow,
		Source:   crmSource(),
		Metadata: schema.Metadata{Timestamp: time.Now().UTC(), Version: schema.SchemaVersion},
		Delivery: schema.DeliveryPolicy{MaxRetries: 1},
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bus.Receive(context.Background(), payload) {
		t.Fatal("expected first delivery to be enqueued")
	}
	if bus.Receive(context.Background(), payload) {
		t.Fatal("expected duplicate delivery to be dropped")
	}
	if bus.Receive(context.Background(), []byte(`{"id":`)) {
		t.Fatal("expected malformed payload to be dropped")
	}
	q, _ := bus.Queue(schema.ChannelCRM)
	if q.Len() != 1 {
		t.Fatalf("expected one queued event, got %d", q.Len())
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	intents []syncintent.Intent
}

func (r *memoryRecorder) Record(_ context.Context, intent syncintent.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return nil
}

func (r *memoryRecorder) snapshot() []syncintent.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncintent.Intent(nil), r.intents...)
}

func TestCrossModuleEventsRecordIntentsAndSync(t *testing.T) {
	recorder := &memoryRecorder{}
	var synced atomic.Int32
	syncer := syncintent.ModuleSyncFunc(func(_ context.Context, evt *schema.Event) error {
		if evt.Type != schema.EventTypeModuleSync {
			return errors.New("unexpected type")
		}
		synced.Add(1)
		return nil
	})
	bus := newTestBus(t, fastConfig(), WithSyncRecorder(recorder), WithModuleSyncer(syncer))
	startBus(t, bus)
	ctx := context.Background()

	createdID, err := bus.PublishEvent(ctx, schema.EventTypeEntityCreated, schema.ChannelCrossModule,
		map[string]any{"targetModule": "accounting", "name": "Acme"}, crmSource())
	if err != nil {
		t.Fatalf("publish created: %v", err)
	}
	if _, err := bus.PublishEvent(ctx, schema.EventTypeEntityDeleted, schema.ChannelCrossModule,
		map[string]any{"entityType": "invoice", "entityId": "inv-9"}, schema.Source{Module: "accounting", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("publish deleted: %v", err)
	}
	if _, err := bus.PublishEvent(ctx, schema.EventTypeModuleSync, schema.ChannelCrossModule,
		map[string]any{"modules": []any{"crm", "hr"}}, schema.Source{Module: "system", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("publish sync: %v", err)
	}
	if _, err := bus.PublishEvent(ctx, schema.EventTypeBusinessEvent, schema.ChannelCrossModule, nil,
		schema.Source{Module: "system", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("publish business: %v", err)
	}
	if _, err := bus.PublishEvent(ctx, schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource()); err != nil {
		t.Fatalf("publish crm: %v", err)
	}

	eventually(t, func() bool { return len(recorder.snapshot()) == 2 && synced.Load() == 1 }, "intents recorded and module sync run")
	time.Sleep(30 * time.Millisecond)
	intents := recorder.snapshot()
	if len(intents) != 2 {
		t.Fatalf("expected only cross-module lifecycle events to record intents, got %d", len(intents))
	}
	byAction := map[schema.EventType]syncintent.Intent{}
	for _, intent := range intents {
		byAction[intent.Action] = intent
	}
	created := byAction[schema.EventTypeEntityCreated]
	if created.EventID != createdID || created.TargetModule != "accounting" || created.SourceModule != "crm" ||
		created.EntityID != "cust-1" || created.EntityType != "customer" || created.Status != syncintent.StatusPending {
		t.Fatalf("unexpected created intent %+v", created)
	}
	deleted := byAction[schema.EventTypeEntityDeleted]
	if deleted.TargetModule != syncintent.AnyModule || deleted.EntityType != "invoice" || deleted.EntityID != "inv-9" {
		t.Fatalf("unexpected deleted intent %+v", deleted)
	}
}

type memoryStore struct {
	mu      sync.Mutex
	records map[string]eventstore.EventRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]eventstore.EventRecord)}
}

func (s *memoryStore) StoreEvent(_ context.Context, event *schema.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[event.ID]; ok {
		return nil
	}
	s.records[event.ID] = eventstore.EventRecord{
		ID:         event.ID,
		TenantID:   event.Source.TenantID,
		Channel:    event.Channel,
		Type:       event.Type,
		Priority:   event.Priority,
		Payload:    payload,
		Status:     schema.StatusPending,
		RetryCount: event.Metadata.RetryCount,
		CreatedAt:  event.Metadata.Timestamp,
		UpdatedAt:  event.Metadata.Timestamp,
	}
	return nil
}

func (s *memoryStore) UpdateRetryCount(_ context.Context, id string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errs.New("test/store", errs.CodeNotFound)
	}
	rec.RetryCount = retryCount
	s.records[id] = rec
	return nil
}

func (s *memoryStore) UpdateEventStatus(_ context.Context, id string, status schema.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errs.New("test/store", errs.CodeNotFound)
	}
	rec.Status = status
	s.records[id] = rec
	return nil
}

func (s *memoryStore) GetEvent(_ context.Context, id string) (eventstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return eventstore.EventRecord{}, errs.New("test/store", errs.CodeNotFound)
	}
	return rec, nil
}

func (s *memoryStore) ListByStatus(_ context.Context, status schema.EventStatus, limit int) ([]eventstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventstore.EventRecord
	for _, rec := range s.records {
		if rec.Status == status && (limit <= 0 || len(out) < limit) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memoryStore) PurgeProcessedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memoryStore) status(id string) schema.EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

func (s *memoryStore) retries(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].RetryCount
}

func TestPersistentEventsTrackStatus(t *testing.T) {
	store := newMemoryStore()
	bus := newTestBus(t, fastConfig(), WithEventStore(store))
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "ok",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler:    func(context.Context, *schema.Event) error { return nil },
	})
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "fail",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityDeleted},
		Handler:    func(context.Context, *schema.Event) error { return errors.New("nope") },
	})
	ctx := context.Background()

	okID, _ := bus.PublishEvent(ctx, schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource())
	failID, _ := bus.PublishEvent(ctx, schema.EventTypeEntityDeleted, schema.ChannelCRM, nil, crmSource(), WithMaxRetries(0))
	transientID, _ := bus.PublishEvent(ctx, schema.EventTypeEntityCreated, schema.ChannelCRM, nil, crmSource(), WithPersistent(false))
	if store.status(okID) != schema.StatusPending {
		t.Fatalf("expected stored event to start pending, got %q", store.status(okID))
	}
	startBus(t, bus)

	eventually(t, func() bool { return store.status(okID) == schema.StatusProcessed }, "processed status")
	eventually(t, func() bool { return store.status(failID) == schema.StatusDeadLettered }, "dead lettered status")
	if _, err := store.GetEvent(ctx, transientID); err == nil {
		t.Fatal("non-persistent event should not be stored")
	}
}

func TestStartRecoversPendingEvents(t *testing.T) {
	store := newMemoryStore()
	pending := &schema.Event{
		ID:       schema.NewEventID(),
		Type:     schema.EventTypeEntityCreated,
		Channel:  schema.ChannelCRM,
		Priority: schema.PriorityMedium,
		Source:   crmSource(),
		Metadata: schema.Metadata{Timestamp: time.Now().UTC(), Version: schema.SchemaVersion},
		Delivery: schema.DeliveryPolicy{Persistent: true, MaxRetries: 3},
	}
	if err := store.StoreEvent(context.Background(), pending); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	cfg := fastConfig()
	cfg.SkipRecovery = false
	bus := newTestBus(t, cfg, WithEventStore(store))
	received := make(chan string, 1)
	_ = bus.RegisterHandler(schema.HandlerRegistration{
		ID:         "recovered",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler: func(_ context.Context, evt *schema.Event) error {
			received <- evt.ID
			return nil
		},
	})
	startBus(t, bus)

	select {
	case id := <-received:
		if id != pending.ID {
			t.Fatalf("recovered %s, want %s", id, pending.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending event was not recovered")
	}
	eventually(t, func() bool { return store.status(pending.ID) == schema.StatusProcessed }, "recovered event processed")
}

func TestRegistryAndStats(t *testing.T) {
	bus := newTestBus(t, fastConfig())
	reg := schema.HandlerRegistration{
		ID:         "h1",
		Channel:    schema.ChannelCRM,
		EventTypes: []schema.EventType{schema.EventTypeEntityCreated},
		Handler:    func(context.Context, *schema.Event) error { return nil },
	}
	if err := bus.RegisterHandler(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := bus.RegisterHandler(reg); err != nil {
		t.Fatalf("re-register should replace: %v", err)
	}
	if bus.HandlerCount() != 1 {
		t.Fatalf("expected one handler after replace, got %d", bus.HandlerCount())
	}
	if err := bus.RegisterHandler(schema.HandlerRegistration{ID: "nil-handler", Channel: schema.ChannelCRM}); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid registration, got %v", err)
	}
	if !bus.UnregisterHandler("h1") {
		t.Fatal("expected unregister to report removal")
	}
	if bus.UnregisterHandler("h1") {
		t.Fatal("expected second unregister to report absence")
	}

	stats := bus.Stats()
	if stats.Running || stats.Handlers != 0 || len(stats.Queues) != len(schema.Channels()) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	startBus(t, bus)
	if !bus.Stats().Running {
		t.Fatal("expected running after start")
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
}
