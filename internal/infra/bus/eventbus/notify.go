package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// NotificationKind names a bus lifecycle signal.
type NotificationKind string

const (
	// NotifyPublished fires after a publish completed its side effects.
	NotifyPublished NotificationKind = "published"
	// NotifyProcessed fires after handlers ran for an event.
	NotifyProcessed NotificationKind = "processed"
	// NotifyRetryScheduled fires when an event is re-enqueued after a backoff delay.
	NotifyRetryScheduled NotificationKind = "retry_scheduled"
	// NotifyRetryAbandoned fires when a retry could not be scheduled because the bus is stopping.
	NotifyRetryAbandoned NotificationKind = "retry_abandoned"
	// NotifyDeadLetter fires when an event exhausted its retries.
	NotifyDeadLetter NotificationKind = "dead_letter"
	// NotifyExpired fires when an event outlived its TTL before processing.
	NotifyExpired NotificationKind = "expired"
	// NotifyConfigError fires for unmapped channels at publish or registration.
	NotifyConfigError NotificationKind = "config_error"
)

// Notification is delivered to in-process observers.
type Notification struct {
	Kind    NotificationKind         `json:"kind"`
	Event   *schema.Event            `json:"event,omitempty"`
	Result  *schema.ProcessingResult `json:"result,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Delay   time.Duration            `json:"delay,omitempty"`
	Channel schema.Channel           `json:"channel,omitempty"`
	At      time.Time                `json:"at"`
}

// SubscriptionID uniquely identifies a notification subscription.
type SubscriptionID string

type observer struct {
	ctx    context.Context
	cancel context.CancelFunc
	kinds  map[NotificationKind]struct{}
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

type notifier struct {
	mu        sync.RWMutex
	observers map[SubscriptionID]*observer
	nextID    atomic.Uint64
	buffer    int
	onDrop    func(Notification)
}

func newNotifier(buffer int, onDrop func(Notification)) *notifier {
	return &notifier{
		observers: make(map[SubscriptionID]*observer),
		buffer:    buffer,
		onDrop:    onDrop,
	}
}

// Subscribe registers an observer for the given kinds (all kinds when none given).
// The channel closes when ctx ends or Unsubscribe is called.
func (b *EventBus) Subscribe(ctx context.Context, kinds ...NotificationKind) (SubscriptionID, <-chan Notification) {
	return b.notifier.subscribe(ctx, kinds)
}

// Unsubscribe removes the observer and closes its channel.
func (b *EventBus) Unsubscribe(id SubscriptionID) {
	b.notifier.unsubscribe(id)
}

func (n *notifier) subscribe(ctx context.Context, kinds []NotificationKind) (SubscriptionID, <-chan Notification) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	obs := &observer{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Notification, n.buffer),
	}
	if len(kinds) > 0 {
		obs.kinds = make(map[NotificationKind]struct{}, len(kinds))
		for _, k := range kinds {
			obs.kinds[k] = struct{}{}
		}
	}
	id := SubscriptionID(fmt.Sprintf("obs-%d", n.nextID.Add(1)))

	n.mu.Lock()
	n.observers[id] = obs
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.unsubscribe(id)
	}()
	return id, obs.ch
}

func (n *notifier) unsubscribe(id SubscriptionID) {
	n.mu.Lock()
	obs, ok := n.observers[id]
	delete(n.observers, id)
	n.mu.Unlock()
	if ok {
		obs.close()
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	observers := n.observers
	n.observers = make(map[SubscriptionID]*observer)
	n.mu.Unlock()
	for _, obs := range observers {
		obs.close()
	}
}

// emit delivers without blocking; a full observer loses its oldest notification.
func (n *notifier) emit(note Notification) {
	n.mu.RLock()
	targets := make([]*observer, 0, len(n.observers))
	for _, obs := range n.observers {
		if obs.wants(note.Kind) {
			targets = append(targets, obs)
		}
	}
	n.mu.RUnlock()

	for _, obs := range targets {
		if !obs.deliver(note) && n.onDrop != nil {
			n.onDrop(note)
		}
	}
}

func (o *observer) wants(kind NotificationKind) bool {
	if o.kinds == nil {
		return true
	}
	_, ok := o.kinds[kind]
	return ok
}

func (o *observer) deliver(note Notification) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return true
	}
	select {
	case o.ch <- note:
		return true
	default:
	}
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- note:
	default:
	}
	return false
}

func (o *observer) close() {
	o.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}
