// Package eventstore defines persistence contracts for durable event records.
package eventstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/internal/domain/schema"
)

// EventRecord captures the persisted state of a published event.
type EventRecord struct {
	ID          string
	TenantID    string
	Channel     schema.Channel
	Type        schema.EventType
	Priority    schema.Priority
	Payload     json.RawMessage
	Status      schema.EventStatus
	RetryCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// Event decodes the stored payload back into an event.
func (r EventRecord) Event() (*schema.Event, error) {
	var evt schema.Event
	if err := json.Unmarshal(r.Payload, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Store abstracts durable event persistence. StoreEvent must be idempotent on the event id.
type Store interface {
	StoreEvent(ctx context.Context, event *schema.Event) error
	UpdateEventStatus(ctx context.Context, id string, status schema.EventStatus) error
	// UpdateRetryCount records how many retries have been scheduled for the event.
	UpdateRetryCount(ctx context.Context, id string, retryCount int) error
	GetEvent(ctx context.Context, id string) (EventRecord, error)
	ListByStatus(ctx context.Context, status schema.EventStatus, limit int) ([]EventRecord, error)
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterStore persists events that exhausted their retries.
type DeadLetterStore interface {
	DeadLetter(ctx context.Context, entry schema.DeadLetter) error
	GetDeadLetter(ctx context.Context, eventID string) (schema.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]schema.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, eventID string) error
}
