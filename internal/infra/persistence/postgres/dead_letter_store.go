package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

// DeadLetterStore keeps events that exhausted their retries. One row per event id;
// a repeated dead letter overwrites the previous one.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs a DeadLetterStore backed by the provided pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const (
	deadLetterUpsertSQL = `
INSERT INTO dead_letters (event_id, tenant_id, channel, event_type, payload, reason, attempts, failed_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
ON CONFLICT (event_id) DO UPDATE
SET payload = EXCLUDED.payload,
    reason = EXCLUDED.reason,
    attempts = EXCLUDED.attempts,
    failed_at = EXCLUDED.failed_at;
`

	deadLetterGetSQL = `
SELECT payload, reason, attempts, failed_at
FROM dead_letters
WHERE event_id = $1;
`

	deadLetterListSQL = `
SELECT payload, reason, attempts, failed_at
FROM dead_letters
ORDER BY failed_at DESC
LIMIT $1;
`

	deadLetterDeleteSQL = `
DELETE FROM dead_letters
WHERE event_id = $1;
`
)

// DeadLetter records the entry.
func (s *DeadLetterStore) DeadLetter(ctx context.Context, entry schema.DeadLetter) error {
	if s.pool == nil {
		return fmt.Errorf("dead letter store: nil pool")
	}
	if entry.Event == nil {
		return errs.New("postgres/dead-letters", errs.CodeInvalid, errs.WithMessage("dead letter event required"))
	}
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("dead letter store: encode event: %w", err)
	}
	attempts := entry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if _, err := s.pool.Exec(ctx, deadLetterUpsertSQL,
		entry.Event.ID,
		entry.Event.Source.TenantID,
		string(entry.Event.Channel),
		string(entry.Event.Type),
		payload,
		entry.Reason,
		attempts,
		entry.FailedAt,
	); err != nil {
		return fmt.Errorf("dead letter store: insert %s: %w", entry.Event.ID, err)
	}
	return nil
}

// GetDeadLetter loads the entry for eventID.
func (s *DeadLetterStore) GetDeadLetter(ctx context.Context, eventID string) (schema.DeadLetter, error) {
	if s.pool == nil {
		return schema.DeadLetter{}, fmt.Errorf("dead letter store: nil pool")
	}
	entry, err := scanDeadLetter(s.pool.QueryRow(ctx, deadLetterGetSQL, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.DeadLetter{}, errs.New("postgres/dead-letters", errs.CodeNotFound, errs.WithMessage("dead letter "+eventID+" not found"))
	}
	return entry, err
}

// ListDeadLetters returns the newest entries first.
func (s *DeadLetterStore) ListDeadLetters(ctx context.Context, limit int) ([]schema.DeadLetter, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dead letter store: nil pool")
	}
	rows, err := s.pool.Query(ctx, deadLetterListSQL, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("dead letter store: list: %w", err)
	}
	defer rows.Close()

	var entries []schema.DeadLetter
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter store: iterate: %w", err)
	}
	return entries, nil
}

// RemoveDeadLetter deletes the entry for eventID.
func (s *DeadLetterStore) RemoveDeadLetter(ctx context.Context, eventID string) error {
	if s.pool == nil {
		return fmt.Errorf("dead letter store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, deadLetterDeleteSQL, eventID)
	if err != nil {
		return fmt.Errorf("dead letter store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/dead-letters", errs.CodeNotFound, errs.WithMessage("dead letter "+eventID+" not found"))
	}
	return nil
}

func scanDeadLetter(row rowScanner) (schema.DeadLetter, error) {
	var (
		entry   schema.DeadLetter
		payload []byte
	)
	if err := row.Scan(&payload, &entry.Reason, &entry.Attempts, &entry.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.DeadLetter{}, err
		}
		return schema.DeadLetter{}, fmt.Errorf("dead letter store: scan: %w", err)
	}
	var event schema.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return schema.DeadLetter{}, fmt.Errorf("dead letter store: decode event: %w", err)
	}
	entry.Event = &event
	return entry, nil
}

var _ eventstore.DeadLetterStore = (*DeadLetterStore)(nil)
