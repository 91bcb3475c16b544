// Package eventbus implements the CoreFlow event bus: per-channel priority queues,
// a periodic drain loop with concurrent handler execution, exponential retry,
// dead-lettering, cross-module synchronization and transport fan-out.
package eventbus

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/coachpo/coreflow/internal/domain/auditlog"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/domain/syncintent"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
)

// OperationPublishEvent is the authorization boundary wrapping every publish.
const OperationPublishEvent = "PUBLISH_EVENT"

const (
	defaultTickInterval       = 100 * time.Millisecond
	defaultBatchSize          = 10
	defaultHandlerTimeout     = 30 * time.Second
	defaultEventConcurrency   = 10
	defaultHandlerConcurrency = 16
	defaultBaseDelay          = time.Second
	defaultMaxDelay           = 30 * time.Second
	defaultMaxRetries         = 3
	defaultDedupeTTL          = 10 * time.Minute
	defaultTransportTimeout   = 5 * time.Second
	defaultMaxPayloadBytes    = 256 * 1024
	defaultNotifyBuffer       = 64
	defaultAuditWorkers       = 2
	defaultAuditQueue         = 1024
	defaultAuditTimeout       = 5 * time.Second
	defaultRecoveryLimit      = 1000
	defaultDeadLetterCapacity = 10000
)

// Authorizer guards tenant-scoped operations. Execute runs fn only when the caller
// in ctx may perform operation for tenantID.
type Authorizer interface {
	Execute(ctx context.Context, tenantID, operation string, fn func(context.Context) error) error
}

// Config tunes the bus. Zero values take defaults.
type Config struct {
	// Channels provisioned with a queue. Defaults to every built-in channel.
	Channels []schema.Channel
	// TickInterval between drain cycles.
	TickInterval time.Duration
	// BatchSize is the most events dequeued per channel per tick.
	BatchSize int
	// HandlerTimeout bounds every handler invocation.
	HandlerTimeout time.Duration
	// EventConcurrency bounds events of one batch processed at once.
	EventConcurrency int
	// HandlerConcurrency bounds handlers run at once for one event.
	HandlerConcurrency int
	// BaseDelay and MaxDelay drive min(BaseDelay*2^retryCount, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// DefaultMaxRetries applies when the publisher does not set one.
	DefaultMaxRetries int
	// AbsorbHandlerFailures keeps failed handler results out of the retry path.
	AbsorbHandlerFailures bool
	// TopicPrefix is prepended to the channel for transport topics.
	TopicPrefix string
	// TransportTimeout bounds a single transport publish.
	TransportTimeout time.Duration
	// DedupeTTL is how long seen event ids are remembered for transport dedupe.
	DedupeTTL time.Duration
	// MaxPayloadBytes caps the encoded data payload of a published event.
	MaxPayloadBytes int
	// NotificationBuffer sizes each observer channel.
	NotificationBuffer int
	// AuditWorkers and AuditQueue size the fire-and-forget audit pool.
	AuditWorkers int
	AuditQueue   int
	AuditTimeout time.Duration
	// SkipRecovery disables re-enqueueing pending stored events on Start.
	SkipRecovery  bool
	RecoveryLimit int
	// DeadLetterCapacity sizes the in-memory dead-letter queue used when no store is set.
	DeadLetterCapacity int
}

func (c Config) normalize() Config {
	if len(c.Channels) == 0 {
		c.Channels = schema.Channels()
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.EventConcurrency <= 0 {
		c.EventConcurrency = defaultEventConcurrency
	}
	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = defaultHandlerConcurrency
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	} else if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = transport.DefaultTopicPrefix
	}
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = defaultTransportTimeout
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = defaultDedupeTTL
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = defaultNotifyBuffer
	}
	if c.AuditWorkers <= 0 {
		c.AuditWorkers = defaultAuditWorkers
	}
	if c.AuditQueue <= 0 {
		c.AuditQueue = defaultAuditQueue
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = defaultAuditTimeout
	}
	if c.RecoveryLimit <= 0 {
		c.RecoveryLimit = defaultRecoveryLimit
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = defaultDeadLetterCapacity
	}
	return c
}

// Option customises an EventBus.
type Option func(*EventBus)

// WithLogger overrides the bus logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *EventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTransport mirrors published events to other processes.
func WithTransport(t transport.Transport) Option {
	return func(b *EventBus) {
		b.transport = t
	}
}

// WithEventStore persists events whose delivery policy is persistent.
func WithEventStore(store eventstore.Store) Option {
	return func(b *EventBus) {
		b.store = store
	}
}

// WithDeadLetterStore replaces the in-memory dead-letter queue.
func WithDeadLetterStore(store eventstore.DeadLetterStore) Option {
	return func(b *EventBus) {
		if store != nil {
			b.deadLetters = store
		}
	}
}

// WithAuditSink records publish and dead-letter activity.
func WithAuditSink(sink auditlog.Sink) Option {
	return func(b *EventBus) {
		b.audit = sink
	}
}

// WithAuthorizer guards PublishEvent with a tenant-scoped check.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(b *EventBus) {
		b.authorizer = authorizer
	}
}

// WithSyncRecorder stores cross-module synchronization intents.
func WithSyncRecorder(recorder syncintent.Recorder) Option {
	return func(b *EventBus) {
		b.recorder = recorder
	}
}

// WithModuleSyncer handles MODULE_SYNC events on the cross-module channel.
func WithModuleSyncer(syncer syncintent.ModuleSyncer) Option {
	return func(b *EventBus) {
		b.syncer = syncer
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *EventBus) {
		if now != nil {
			b.now = now
		}
	}
}

func defaultLogger() *log.Logger {
	return log.New(os.Stdout, "coreflow/eventbus ", log.LstdFlags|log.Lmicroseconds)
}
