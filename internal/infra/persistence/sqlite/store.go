// Package sqlite implements the durable event and dead-letter stores on an
// embedded SQLite database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

const (
	defaultListLimit = 128
	maxListLimit     = 1024

	// Fixed width keeps lexical order equal to time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var errClosed = errors.New("sqlite store closed")

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		processed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status_created ON events(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		event_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		reason TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		failed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at)`,
}

// Store persists events and dead letters in one SQLite file.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the database at path and ensures the schema exists.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New("persistence/sqlite", errs.CodeConfig, errs.WithMessage("sqlite path required"))
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	if s.closed {
		return errClosed
	}
	return nil
}

// StoreEvent inserts the event as pending. Storing an id twice is a no-op.
func (s *Store) StoreEvent(ctx context.Context, event *schema.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	createdAt := event.Metadata.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	created := createdAt.UTC().Format(timeLayout)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, tenant_id, channel, event_type, priority, payload, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		event.ID, event.Source.TenantID, string(event.Channel), string(event.Type), int(event.Priority),
		payload, event.Metadata.RetryCount, created, created)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return nil
}

// UpdateEventStatus moves a stored event to status.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status schema.EventStatus) error {
	if !status.Valid() {
		return errs.New("persistence/sqlite", errs.CodeInvalid, errs.WithMessage("unknown status "+string(status)))
	}
	now := time.Now().UTC().Format(timeLayout)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, updated_at = ?,
		    processed_at = CASE WHEN ? = 'processed' THEN ? ELSE processed_at END
		WHERE id = ?`,
		string(status), now, string(status), now, id)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New("persistence/sqlite", errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
	}
	return nil
}

// UpdateRetryCount records the number of retries scheduled for a stored event.
func (s *Store) UpdateRetryCount(ctx context.Context, id string, retryCount int) error {
	if retryCount < 0 {
		return errs.New("persistence/sqlite", errs.CodeInvalid, errs.WithMessage("negative retry count"))
	}
	now := time.Now().UTC().Format(timeLayout)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET retry_count = ?, updated_at = ? WHERE id = ?`, retryCount, now, id)
	if err != nil {
		return fmt.Errorf("update retry count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New("persistence/sqlite", errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
	}
	return nil
}

const eventColumns = `id, tenant_id, channel, event_type, priority, payload, status, retry_count, created_at, updated_at, processed_at`

// GetEvent loads one stored event.
func (s *Store) GetEvent(ctx context.Context, id string) (eventstore.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return eventstore.EventRecord{}, err
	}
	record, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return eventstore.EventRecord{}, errs.New("persistence/sqlite", errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
	}
	return record, err
}

// ListByStatus returns the oldest events in status, up to limit.
func (s *Store) ListByStatus(ctx context.Context, status schema.EventStatus, limit int) ([]eventstore.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`, string(status), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var records []eventstore.EventRecord
	for rows.Next() {
		record, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// PurgeProcessedBefore deletes processed and expired events last touched before cutoff.
func (s *Store) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE status IN ('processed', 'expired') AND updated_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

// DeadLetter records the entry, replacing any earlier one for the same event.
func (s *Store) DeadLetter(ctx context.Context, entry schema.DeadLetter) error {
	if entry.Event == nil {
		return errs.New("persistence/sqlite", errs.CodeInvalid, errs.WithMessage("dead letter event required"))
	}
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	attempts := entry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	failedAt := entry.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, tenant_id, channel, event_type, payload, reason, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			payload = excluded.payload,
			reason = excluded.reason,
			attempts = excluded.attempts,
			failed_at = excluded.failed_at`,
		entry.Event.ID, entry.Event.Source.TenantID, string(entry.Event.Channel), string(entry.Event.Type),
		payload, entry.Reason, attempts, failedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", entry.Event.ID, err)
	}
	return nil
}

// GetDeadLetter loads the entry for eventID.
func (s *Store) GetDeadLetter(ctx context.Context, eventID string) (schema.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return schema.DeadLetter{}, err
	}
	entry, err := scanDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT payload, reason, attempts, failed_at FROM dead_letters WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.DeadLetter{}, errs.New("persistence/sqlite", errs.CodeNotFound, errs.WithMessage("dead letter "+eventID+" not found"))
	}
	return entry, err
}

// ListDeadLetters returns the newest entries first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]schema.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, reason, attempts, failed_at FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
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
	return entries, rows.Err()
}

// RemoveDeadLetter deletes the entry for eventID.
func (s *Store) RemoveDeadLetter(ctx context.Context, eventID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New("persistence/sqlite", errs.CodeNotFound, errs.WithMessage("dead letter "+eventID+" not found"))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (eventstore.EventRecord, error) {
	var (
		record                     eventstore.EventRecord
		channel, eventType, status string
		priority                   int
		payload                    []byte
		createdAt, updatedAt       string
		processedAt                sql.NullString
	)
	if err := row.Scan(&record.ID, &record.TenantID, &channel, &eventType, &priority, &payload,
		&status, &record.RetryCount, &createdAt, &updatedAt, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eventstore.EventRecord{}, err
		}
		return eventstore.EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	record.Channel = schema.Channel(channel)
	record.Type = schema.EventType(eventType)
	record.Priority = schema.Priority(priority)
	record.Status = schema.EventStatus(status)
	record.Payload = payload
	record.CreatedAt = parseTime(createdAt)
	record.UpdatedAt = parseTime(updatedAt)
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		record.ProcessedAt = &t
	}
	return record, nil
}

func scanDeadLetter(row scanner) (schema.DeadLetter, error) {
	var (
		entry    schema.DeadLetter
		payload  []byte
		failedAt string
	)
	if err := row.Scan(&payload, &entry.Reason, &entry.Attempts, &failedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schema.DeadLetter{}, err
		}
		return schema.DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}
	var event schema.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return schema.DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	entry.Event = &event
	entry.FailedAt = parseTime(failedAt)
	return entry, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
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

var (
	_ eventstore.Store           = (*Store)(nil)
	_ eventstore.DeadLetterStore = (*Store)(nil)
)
