package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/auditlog"
)

const insertActivitySQL = `
INSERT INTO audit_log (action, entity_type, entity_id, tenant_id, user_id, metadata, occurred_at)
VALUES (:action, :entity_type, :entity_id, :tenant_id, :user_id, CAST(:metadata AS JSONB), :occurred_at)`

const listActivitySQL = `
SELECT action, entity_type, entity_id, tenant_id, user_id, metadata, occurred_at
FROM audit_log
WHERE tenant_id = $1
ORDER BY occurred_at DESC, id DESC
LIMIT $2`

type activityRow struct {
	auditlog.Activity
	MetadataJSON string `db:"metadata"`
}

// SQLSink appends activities to the audit_log table.
type SQLSink struct {
	db *sqlx.DB
}

// OpenSQLSink connects to Postgres with lib/pq.
func OpenSQLSink(ctx context.Context, dsn string) (*SQLSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.New("audit/sql", errs.CodeConfig, errs.WithMessage("audit dsn required"))
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.New("audit/sql", errs.CodeUnavailable, errs.WithMessage("ping audit database"), errs.WithCause(err))
	}
	return &SQLSink{db: db}, nil
}

// NewSQLSink wraps an existing handle.
func NewSQLSink(db *sqlx.DB) *SQLSink {
	return &SQLSink{db: db}
}

// LogActivity implements auditlog.Sink.
func (s *SQLSink) LogActivity(ctx context.Context, activity auditlog.Activity) error {
	row, err := toRow(activity)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertActivitySQL, row); err != nil {
		return fmt.Errorf("insert audit activity: %w", err)
	}
	return nil
}

// Recent returns the newest activities recorded for tenantID.
func (s *SQLSink) Recent(ctx context.Context, tenantID string, limit int) ([]auditlog.Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, listActivitySQL, tenantID, limit); err != nil {
		return nil, fmt.Errorf("list audit activity: %w", err)
	}
	out := make([]auditlog.Activity, 0, len(rows))
	for _, row := range rows {
		activity, err := row.toActivity()
		if err != nil {
			return nil, err
		}
		out = append(out, activity)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

func toRow(activity auditlog.Activity) (activityRow, error) {
	if activity.OccurredAt.IsZero() {
		activity.OccurredAt = time.Now().UTC()
	}
	row := activityRow{Activity: activity, MetadataJSON: "{}"}
	if len(activity.Metadata) > 0 {
		encoded, err := json.Marshal(activity.Metadata)
		if err != nil {
			return activityRow{}, fmt.Errorf("encode audit metadata: %w", err)
		}
		row.MetadataJSON = string(encoded)
	}
	return row, nil
}

func (r activityRow) toActivity() (auditlog.Activity, error) {
	activity := r.Activity
	if len(r.MetadataJSON) > 0 {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &activity.Metadata); err != nil {
			return auditlog.Activity{}, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return activity, nil
}

var _ auditlog.Sink = (*SQLSink)(nil)
