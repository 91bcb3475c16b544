package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

// EventStore persists published events in the events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs an EventStore backed by the provided pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const (
	defaultListLimit = 128
	maxListLimit     = 1024
)

const (
	eventInsertSQL = `
INSERT INTO events (
    id,
    tenant_id,
    channel,
    event_type,
    priority,
    payload,
    status,
    retry_count,
    created_at,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'pending', $7, $8, $8)
ON CONFLICT (id) DO NOTHING;
`

	eventUpdateStatusSQL = `
UPDATE events
SET status = $2,
    updated_at = NOW(),
    processed_at = CASE WHEN $2 = 'processed' THEN NOW() ELSE processed_at END
WHERE id = $1;
`

	eventUpdateRetrySQL = `
UPDATE events
SET retry_count = $2,
    updated_at = NOW()
WHERE id = $1;
`

	eventColumns = `
    id,
    tenant_id,
    channel,
    event_type,
    priority,
    payload,
    status,
    retry_count,
    created_at,
    updated_at,
    processed_at
`

	eventGetSQL = `SELECT` + eventColumns + `FROM events WHERE id = $1;`

	eventListByStatusSQL = `SELECT` + eventColumns + `FROM events
WHERE status = $1
ORDER BY created_at ASC, id ASC
LIMIT $2;`

	eventPurgeSQL = `
DELETE FROM events
WHERE status IN ('processed', 'expired')
  AND updated_at < $1;
`
)

// StoreEvent inserts the event as pending. Storing an id twice is a no-op.
func (s *EventStore) StoreEvent(ctx context.Context, event *schema.Event) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event store: encode event: %w", err)
	}
	createdAt := event.Metadata.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, eventInsertSQL,
		event.ID,
		event.Source.TenantID,
		string(event.Channel),
		string(event.Type),
		int16(event.Priority),
		payload,
		event.Metadata.RetryCount,
		createdAt,
	); err != nil {
		return fmt.Errorf("event store: insert %s: %w", event.ID, err)
	}
	return nil
}

// UpdateEventStatus moves a stored event to status.
func (s *EventStore) UpdateEventStatus(ctx context.Context, id string, status schema.EventStatus) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	if !status.Valid() {
		return errs.New("postgres/events", errs.CodeInvalid, errs.WithMessage("unknown status "+string(status)))
	}
	tag, err := s.pool.Exec(ctx, eventUpdateStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("event store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/events", errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
	}
	return nil
}

// UpdateRetryCount records the number of retries scheduled for a stored event.
func (s *EventStore) UpdateRetryCount(ctx context.Context, id string, retryCount int) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	if retryCount < 0 {
		return errs.New("postgres/events", errs.CodeInvalid, errs.WithMessage("negative retry count"))
	}
	tag, err := s.pool.Exec(ctx, eventUpdateRetrySQL, id, retryCount)
	if err != nil {
		return fmt.Errorf("event store: update retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/events", errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
	}
	return nil
}

// GetEvent loads one stored event.
func (s *EventStore) GetEvent(ctx context.Context, id string) (eventstore.EventRecord, error) {
	if s.pool == nil {
		return eventstore.EventRecord{}, fmt.Errorf("event store: nil pool")
	}
	record, err := scanEventRecord(s.pool.QueryRow(ctx, eventGetSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return eventstore.EventRecord{}, errs.New("postgres/events", errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
	}
	return record, err
}

// ListByStatus returns the oldest events in status, up to limit.
func (s *EventStore) ListByStatus(ctx context.Context, status schema.EventStatus, limit int) ([]eventstore.EventRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, eventListByStatusSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("event store: list %s: %w", status, err)
	}
	defer rows.Close()

	var records []eventstore.EventRecord
	for rows.Next() {
		record, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event store: iterate %s: %w", status, err)
	}
	return records, nil
}

// PurgeProcessedBefore deletes processed and expired events last touched before cutoff.
func (s *EventStore) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, eventPurgeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("event store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func scanEventRecord(row rowScanner) (eventstore.EventRecord, error) {
	var (
		record      eventstore.EventRecord
		channel     string
		eventType   string
		priority    int16
		status      string
		processedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.TenantID,
		&channel,
		&eventType,
		&priority,
		&record.Payload,
		&status,
		&record.RetryCount,
		&record.CreatedAt,
		&record.UpdatedAt,
		&processedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eventstore.EventRecord{}, err
		}
		return eventstore.EventRecord{}, fmt.Errorf("event store: scan record: %w", err)
	}
	record.Channel = schema.Channel(channel)
	record.Type = schema.EventType(eventType)
	record.Priority = schema.Priority(priority)
	record.Status = schema.EventStatus(status)
	if processedAt.Valid {
		t := processedAt.Time
		record.ProcessedAt = &t
	}
	return record, nil
}

var _ eventstore.Store = (*EventStore)(nil)
