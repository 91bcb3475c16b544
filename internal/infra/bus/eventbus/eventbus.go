package eventbus

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/auditlog"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/domain/syncintent"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
	"github.com/coachpo/coreflow/internal/observability"
	"github.com/coachpo/coreflow/lib/async"
)

// EventBus routes events from publishers to registered handlers. Construct one per
// process with New; independent instances share nothing.
type EventBus struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	transport   transport.Transport
	store       eventstore.Store
	deadLetters eventstore.DeadLetterStore
	audit       auditlog.Sink
	authorizer  Authorizer
	recorder    syncintent.Recorder
	syncer      syncintent.ModuleSyncer

	queues       map[schema.Channel]*ChannelQueue
	channelOrder []schema.Channel

	handlersMu sync.RWMutex
	handlers   map[string]*handlerEntry

	notifier  *notifier
	metrics   *busMetrics
	seen      *seenCache
	auditPool *async.Pool

	lifecycleMu sync.Mutex
	running     bool
	stopping    atomic.Bool
	cancel      context.CancelFunc
	loops       sync.WaitGroup

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	delayed  map[string]int

	deadLettered atomic.Int64
}

type handlerEntry struct {
	reg schema.HandlerRegistration
	sem chan struct{}
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Running        bool                   `json:"running"`
	Queues         map[schema.Channel]int `json:"queues"`
	Handlers       int                    `json:"handlers"`
	PendingTimers  int                    `json:"pendingTimers"`
	Subscriptions  int                    `json:"observers"`
	TransportBound bool                   `json:"transport"`
	StoreBound     bool                   `json:"store"`
	DeadLettered   int64                  `json:"deadLettered"`
}

// New constructs a stopped bus.
func New(cfg Config, opts ...Option) *EventBus {
	cfg = cfg.normalize()
	b := &EventBus{
		cfg:      cfg,
		logger:   defaultLogger(),
		now:      time.Now,
		queues:   make(map[schema.Channel]*ChannelQueue, len(cfg.Channels)),
		handlers: make(map[string]*handlerEntry),
		seen:     newSeenCache(cfg.DedupeTTL),
		timers:   make(map[*time.Timer]struct{}),
		delayed:  make(map[string]int),
	}
	for _, channel := range cfg.Channels {
		if _, dup := b.queues[channel]; dup {
			continue
		}
		b.queues[channel] = NewChannelQueue(channel)
		b.channelOrder = append(b.channelOrder, channel)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.deadLetters == nil {
		b.deadLetters = observability.NewDeadLetterQueue(cfg.DeadLetterCapacity)
	}
	b.metrics = newBusMetrics(b)
	b.notifier = newNotifier(cfg.NotificationBuffer, func(n Notification) {
		b.metrics.eventCount(context.Background(), b.metrics.notifyDropped, n.Event, string(n.Kind))
	})
	if b.audit != nil {
		pool, err := async.NewPool(cfg.AuditWorkers, cfg.AuditQueue, async.WithErrorHandler(func(err error) {
			b.metrics.collaboratorError(context.Background(), "audit", "log_activity")
			b.logf("audit sink failed: %v", err)
		}))
		if err != nil {
			b.logf("audit pool disabled: %v", err)
		} else {
			b.auditPool = pool
		}
	}
	return b
}

// Queue returns the queue for a channel, if provisioned.
func (b *EventBus) Queue(channel schema.Channel) (*ChannelQueue, bool) {
	q, ok := b.queues[channel]
	return q, ok
}

// DeadLetters exposes the dead-letter store in use.
func (b *EventBus) DeadLetters() eventstore.DeadLetterStore {
	return b.deadLetters
}

// Running reports whether the drain loop is active.
func (b *EventBus) Running() bool {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	return b.running
}

// Start launches the drain loop and transport consumers. Calling Start on a running bus is a no-op.
func (b *EventBus) Start(ctx context.Context) error {
	ctx = safeContext(ctx)
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.running = true
	b.stopping.Store(false)

	if !b.cfg.SkipRecovery {
		b.recoverPending(ctx)
	}
	if b.transport != nil {
		for _, channel := range b.channelOrder {
			b.loops.Add(1)
			go b.consume(runCtx, channel)
		}
	}
	b.loops.Add(1)
	go b.run(runCtx)
	b.logf("started channels=%d tick=%s batch=%d", len(b.channelOrder), b.cfg.TickInterval, b.cfg.BatchSize)
	return nil
}

// Stop halts the drain loop, then keeps draining until every queue is empty or ctx
// expires. Pending retry timers are cancelled; persistent events they carried stay
// pending in the store and are recovered on the next Start.
func (b *EventBus) Stop(ctx context.Context) error {
	ctx = safeContext(ctx)
	b.lifecycleMu.Lock()
	if !b.running {
		b.lifecycleMu.Unlock()
		return nil
	}
	b.running = false
	b.stopping.Store(true)
	defer b.stopping.Store(false)
	cancel := b.cancel
	b.cancel = nil
	b.lifecycleMu.Unlock()

	cancel()
	b.loops.Wait()
	if abandoned := b.cancelTimers(); abandoned > 0 {
		b.logf("stop: cancelled %d pending retry timers", abandoned)
	}

	drainCtx, stopDrainer := context.WithCancel(ctx)
	defer stopDrainer()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for !b.queuesEmpty() && drainCtx.Err() == nil {
			b.drainCycle(context.WithoutCancel(drainCtx))
		}
	}()

	var errList []error
	for _, channel := range b.channelOrder {
		if err := b.queues[channel].Drain(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	stopDrainer()
	<-drained

	if len(errList) > 0 {
		return errs.New("eventbus/stop", errs.CodeTimeout,
			errs.WithMessage("queues not drained before deadline"),
			errs.WithCause(errors.Join(errList...)))
	}
	b.logf("stopped")
	return nil
}

// Close stops the bus, flushes queued audit entries and releases observers.
func (b *EventBus) Close(ctx context.Context) error {
	errList := []error{b.Stop(ctx)}
	if b.auditPool != nil {
		errList = append(errList, b.auditPool.Shutdown(safeContext(ctx)))
	}
	b.notifier.closeAll()
	b.metrics.close()
	return errors.Join(errList...)
}

// RegisterHandler adds or replaces the handler keyed by reg.ID.
func (b *EventBus) RegisterHandler(reg schema.HandlerRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	if _, ok := b.queues[reg.Channel]; !ok {
		b.reportUnmapped(context.Background(), reg.Channel, "register handler "+reg.ID)
	}
	reg.EventTypes = slices.Clone(reg.EventTypes)
	entry := &handlerEntry{reg: reg}
	if reg.MaxConcurrency > 0 {
		entry.sem = make(chan struct{}, reg.MaxConcurrency)
	}
	b.handlersMu.Lock()
	b.handlers[reg.ID] = entry
	b.handlersMu.Unlock()
	return nil
}

// UnregisterHandler removes the handler and reports whether it existed.
func (b *EventBus) UnregisterHandler(id string) bool {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	_, ok := b.handlers[id]
	delete(b.handlers, id)
	return ok
}

// HandlerCount returns the number of registered handlers.
func (b *EventBus) HandlerCount() int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return len(b.handlers)
}

// Stats returns queue depths and registry sizes.
func (b *EventBus) Stats() Stats {
	stats := Stats{
		Running:        b.Running(),
		Queues:         make(map[schema.Channel]int, len(b.queues)),
		Handlers:       b.HandlerCount(),
		TransportBound: b.transport != nil,
		StoreBound:     b.store != nil,
		DeadLettered:   b.deadLettered.Load(),
	}
	for channel, q := range b.queues {
		stats.Queues[channel] = q.Len()
	}
	b.timersMu.Lock()
	stats.PendingTimers = len(b.timers)
	b.timersMu.Unlock()
	b.notifier.mu.RLock()
	stats.Subscriptions = len(b.notifier.observers)
	b.notifier.mu.RUnlock()
	return stats
}

func (b *EventBus) run(ctx context.Context) {
	defer b.loops.Done()
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainCycle(work)
			b.seen.prune(b.now())
		}
	}
}

// handlersFor snapshots the handlers of a channel ordered by ascending priority.
func (b *EventBus) handlersFor(channel schema.Channel) []*handlerEntry {
	b.handlersMu.RLock()
	out := make([]*handlerEntry, 0, len(b.handlers))
	for _, entry := range b.handlers {
		if entry.reg.Channel == channel {
			out = append(out, entry)
		}
	}
	b.handlersMu.RUnlock()
	slices.SortFunc(out, func(a, c *handlerEntry) int {
		if a.reg.Priority != c.reg.Priority {
			return a.reg.Priority - c.reg.Priority
		}
		return strings.Compare(a.reg.ID, c.reg.ID)
	})
	return out
}

func (b *EventBus) queuesEmpty() bool {
	for _, q := range b.queues {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}

func (b *EventBus) enqueueLocal(ctx context.Context, event *schema.Event) bool {
	q, ok := b.queues[event.Channel]
	if !ok {
		b.reportUnmapped(ctx, event.Channel, "enqueue event "+event.ID)
		return false
	}
	q.Enqueue(event)
	return true
}

func (b *EventBus) reportUnmapped(ctx context.Context, channel schema.Channel, what string) {
	err := errs.New("eventbus", errs.CodeConfig,
		errs.WithChannel(string(channel)),
		errs.WithMessage("no queue provisioned for channel"),
		errs.WithField("context", what))
	b.metrics.configError(ctx, channel, "unmapped_channel")
	b.logf("%v", err)
	b.notifier.emit(Notification{Kind: NotifyConfigError, Channel: channel, Error: err.Error(), At: b.now()})
}

// schedule runs fn after delay unless the bus is stopping. It reports whether the
// timer was armed.
func (b *EventBus) schedule(delay time.Duration, fn func()) bool {
	return b.scheduleEvent("", delay, fn)
}

// scheduleEvent is schedule keyed by an event id. Until fn has run or the timer is
// cancelled, awaitingTimer reports the id so recovery leaves the event alone.
func (b *EventBus) scheduleEvent(eventID string, delay time.Duration, fn func()) bool {
	if b.stopping.Load() {
		return false
	}
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.timersMu.Lock()
		_, armed := b.timers[timer]
		delete(b.timers, timer)
		b.timersMu.Unlock()
		if armed {
			fn()
			b.releaseDelayed(eventID)
		}
	})
	b.timers[timer] = struct{}{}
	if eventID != "" {
		b.delayed[eventID]++
	}
	return true
}

func (b *EventBus) releaseDelayed(eventID string) {
	if eventID == "" {
		return
	}
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	if b.delayed[eventID] <= 1 {
		delete(b.delayed, eventID)
		return
	}
	b.delayed[eventID]--
}

func (b *EventBus) awaitingTimer(eventID string) bool {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	return b.delayed[eventID] > 0
}

func (b *EventBus) cancelTimers() int {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	n := 0
	for timer := range b.timers {
		if timer.Stop() {
			n++
		}
		delete(b.timers, timer)
	}
	clear(b.delayed)
	return n
}

func (b *EventBus) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
