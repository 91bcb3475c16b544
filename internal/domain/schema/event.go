// Package schema defines the canonical CoreFlow event model and handler contracts.
package schema

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/coreflow/errs"
)

// SchemaVersion is stamped on every event built by the bus.
const SchemaVersion = "1.0"

// Channel routes an event to a queue and to the handlers registered for it.
type Channel string

const (
	// ChannelCRM carries customer and deal lifecycle events.
	ChannelCRM Channel = "CRM"
	// ChannelAccounting carries invoice and ledger events.
	ChannelAccounting Channel = "ACCOUNTING"
	// ChannelHR carries employee and payroll events.
	ChannelHR Channel = "HR"
	// ChannelInventory carries stock movement events.
	ChannelInventory Channel = "INVENTORY"
	// ChannelProjects carries project and task events.
	ChannelProjects Channel = "PROJECTS"
	// ChannelAI carries inference results.
	ChannelAI Channel = "AI"
	// ChannelSystem carries platform events.
	ChannelSystem Channel = "SYSTEM"
	// ChannelCrossModule is the distinguished channel that triggers synchronization intents.
	ChannelCrossModule Channel = "CROSS_MODULE"
)

var knownChannels = []Channel{
	ChannelCRM,
	ChannelAccounting,
	ChannelHR,
	ChannelInventory,
	ChannelProjects,
	ChannelAI,
	ChannelSystem,
	ChannelCrossModule,
}

// Channels returns every channel the bus provisions a queue for by default.
func Channels() []Channel {
	out := make([]Channel, len(knownChannels))
	copy(out, knownChannels)
	return out
}

// NormalizeChannel trims and uppercases a channel name.
func NormalizeChannel(raw string) Channel {
	return Channel(strings.ToUpper(strings.TrimSpace(raw)))
}

// Validate ensures the channel name is non-empty and uppercase.
func (c Channel) Validate() error {
	if c == "" {
		return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if NormalizeChannel(string(c)) != c {
		return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("channel must be uppercase"), errs.WithChannel(string(c)))
	}
	return nil
}

// Known reports whether the channel is one of the built-in channels.
func (c Channel) Known() bool {
	for _, known := range knownChannels {
		if known == c {
			return true
		}
	}
	return false
}

// EventType enumerates the domain event kinds carried by the bus.
type EventType string

const (
	// EventTypeEntityCreated signals a new business entity.
	EventTypeEntityCreated EventType = "ENTITY_CREATED"
	// EventTypeEntityUpdated signals a modified business entity.
	EventTypeEntityUpdated EventType = "ENTITY_UPDATED"
	// EventTypeEntityDeleted signals a removed business entity.
	EventTypeEntityDeleted EventType = "ENTITY_DELETED"
	// EventTypeModuleSync requests a module-to-module synchronization.
	EventTypeModuleSync EventType = "MODULE_SYNC"
	// EventTypeAIPredictionReady carries a finished model prediction.
	EventTypeAIPredictionReady EventType = "AI_PREDICTION_READY"
	// EventTypeAIAnomalyDetected carries an anomaly flagged by a model.
	EventTypeAIAnomalyDetected EventType = "AI_ANOMALY_DETECTED"
	// EventTypeBusinessEvent carries domain facts such as paid invoices.
	EventTypeBusinessEvent EventType = "BUSINESS_EVENT"
	// EventTypeSystemEvent carries platform notices.
	EventTypeSystemEvent EventType = "SYSTEM_EVENT"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeEntityCreated:     {},
	EventTypeEntityUpdated:     {},
	EventTypeEntityDeleted:     {},
	EventTypeModuleSync:        {},
	EventTypeAIPredictionReady: {},
	EventTypeAIAnomalyDetected: {},
	EventTypeBusinessEvent:     {},
	EventTypeSystemEvent:       {},
}

// Validate ensures the event type is one of the enumerated kinds.
func (t EventType) Validate() error {
	if t == "" {
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if _, ok := knownEventTypes[t]; !ok {
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("unknown event type "+strconv.Quote(string(t))))
	}
	return nil
}

// IsEntityLifecycle reports whether the type describes an entity create, update or delete.
func (t EventType) IsEntityLifecycle() bool {
	return t == EventTypeEntityCreated || t == EventTypeEntityUpdated || t == EventTypeEntityDeleted
}

// Priority orders events inside a channel queue. Lower values are serviced first.
type Priority int

const (
	// PriorityCritical is serviced before everything else.
	PriorityCritical Priority = iota
	// PriorityHigh is serviced after critical events.
	PriorityHigh
	// PriorityMedium is the default priority.
	PriorityMedium
	// PriorityLow is serviced last.
	PriorityLow
)

var priorityNames = [...]string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}

// String returns the upper-case priority name.
func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityLow {
		return "Priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority accepts a priority name or its ordinal.
func ParsePriority(raw string) (Priority, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	for idx, name := range priorityNames {
		if name == trimmed {
			return Priority(idx), nil
		}
	}
	if n, err := strconv.Atoi(trimmed); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, errs.New("schema/priority", errs.CodeInvalid, errs.WithMessage("unknown priority "+strconv.Quote(raw)))
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, errs.New("schema/priority", errs.CodeInvalid, errs.WithMessage("invalid priority "+strconv.Itoa(int(p))))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name or ordinal.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Source describes where an event originated. TenantID is mandatory.
type Source struct {
	Module     string `json:"module"`
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	EntityType string `json:"entityType,omitempty"`
}

// Validate ensures the tenant isolation key is present.
func (s Source) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return errs.New("schema/source", errs.CodeInvalid, errs.WithMessage("source tenantId required"))
	}
	return nil
}

// Metadata carries tracing details and the retry counter.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	RetryCount    int       `json:"retryCount"`
}

// Target names a module/handler the publisher expects to consume the event.
// Targets are informational; the bus routes by channel and type only.
type Target struct {
	Module    string `json:"module"`
	Handler   string `json:"handler,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// DeliveryPolicy controls persistence, expiry, retries and initial delay.
type DeliveryPolicy struct {
	Persistent bool
	TTL        time.Duration
	MaxRetries int
	Delay      time.Duration
}

type deliveryWire struct {
	Persistent bool  `json:"persistent"`
	TTL        int64 `json:"ttl,omitempty"`
	MaxRetries int   `json:"maxRetries"`
	Delay      int64 `json:"delay,omitempty"`
}

// MarshalJSON encodes durations as milliseconds.
func (d DeliveryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(deliveryWire{
		Persistent: d.Persistent,
		TTL:        d.TTL.Milliseconds(),
		MaxRetries: d.MaxRetries,
		Delay:      d.Delay.Milliseconds(),
	})
}

// UnmarshalJSON decodes millisecond durations.
func (d *DeliveryPolicy) UnmarshalJSON(data []byte) error {
	var wire deliveryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	d.Persistent = wire.Persistent
	d.TTL = time.Duration(wire.TTL) * time.Millisecond
	d.MaxRetries = wire.MaxRetries
	d.Delay = time.Duration(wire.Delay) * time.Millisecond
	return nil
}

// Event is the unit carried by the bus. Once enqueued only Metadata.RetryCount changes.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"type"`
	Channel  Channel        `json:"channel"`
	Priority Priority       `json:"priority"`
	Source   Source         `json:"source"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata Metadata       `json:"metadata"`
	Delivery DeliveryPolicy `json:"delivery"`
	Targets  []Target       `json:"targets,omitempty"`
}

// Validate checks the fields every published event must carry.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if err := e.Channel.Validate(); err != nil {
		return err
	}
	if !e.Priority.Valid() {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("invalid priority "+strconv.Itoa(int(e.Priority))))
	}
	if err := e.Source.Validate(); err != nil {
		return err
	}
	if e.Delivery.MaxRetries < 0 {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("maxRetries must be >= 0"))
	}
	return nil
}

// Expired reports whether the event outlived its TTL at now.
func (e *Event) Expired(now time.Time) bool {
	if e == nil || e.Delivery.TTL <= 0 || e.Metadata.Timestamp.IsZero() {
		return false
	}
	return now.After(e.Metadata.Timestamp.Add(e.Delivery.TTL))
}

// CanRetry reports whether another retry fits within the delivery policy.
func (e *Event) CanRetry() bool {
	return e != nil && e.Metadata.RetryCount < e.Delivery.MaxRetries
}

// NewEventID returns a time-ordered identifier with a random suffix.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "evt_" + uuid.NewString()
	}
	return "evt_" + id.String()
}
