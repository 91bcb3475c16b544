// Package maintenance runs the scheduled retention sweep over the durable event store.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/eventstore"
	"github.com/coachpo/coreflow/internal/infra/telemetry"
)

// Purger deletes terminal events older than a cutoff.
type Purger interface {
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Purger = (eventstore.Store)(nil)

// Config controls the sweep schedule.
type Config struct {
	// Schedule is a five-field cron expression.
	Schedule string
	// Retention keeps processed and expired events this long.
	Retention time.Duration
}

// Sweeper purges old terminal events on a cron schedule.
type Sweeper struct {
	purger    Purger
	schedule  string
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	lastRows int64

	duration metric.Float64Histogram
	purged   metric.Int64Counter
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithLogger overrides the sweeper logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper validates cfg and builds a sweeper over purger.
func NewSweeper(purger Purger, cfg Config, opts ...Option) (*Sweeper, error) {
	if purger == nil {
		return nil, errs.New("maintenance", errs.CodeConfig, errs.WithMessage("retention sweep requires an event store"))
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if !gronx.New().IsValid(schedule) {
		return nil, errs.New("maintenance", errs.CodeConfig, errs.WithMessage(fmt.Sprintf("invalid cron schedule %q", schedule)))
	}
	if cfg.Retention <= 0 {
		return nil, errs.New("maintenance", errs.CodeConfig, errs.WithMessage("retention must be > 0"))
	}
	s := &Sweeper{
		purger:    purger,
		schedule:  schedule,
		retention: cfg.Retention,
		logger:    log.New(os.Stdout, "coreflow/maintenance ", log.LstdFlags|log.Lmicroseconds),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	meter := otel.Meter("coreflow/maintenance")
	s.duration, _ = meter.Float64Histogram("maintenance.sweep.duration",
		metric.WithDescription("Retention sweep latency"),
		metric.WithUnit("ms"))
	s.purged, _ = meter.Int64Counter("maintenance.events.purged",
		metric.WithDescription("Events removed by the retention sweep"),
		metric.WithUnit("{event}"))
	return s, nil
}

// Next returns the first scheduled run strictly after ref.
func (s *Sweeper) Next(ref time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(s.schedule, ref, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", s.schedule, err)
	}
	return next, nil
}

// Run sweeps on every scheduled tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Printf("retention sweep scheduled: schedule=%q retention=%s", s.schedule, s.retention)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return err
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Printf("retention sweep failed: %v", err)
		}
	}
}

// Sweep purges once and returns the number of deleted events.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	start := s.now()
	cutoff := start.Add(-s.retention).UTC()
	rows, err := s.purger.PurgeProcessedBefore(ctx, cutoff)

	result := "ok"
	if err != nil {
		result = "failed"
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "maintenance", "purge", result)...)
	if s.duration != nil {
		s.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
	if s.purged != nil && rows > 0 {
		s.purged.Add(ctx, rows, attrs)
	}

	s.mu.Lock()
	s.lastRun, s.lastErr, s.lastRows = start, err, rows
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if rows > 0 {
		s.logger.Printf("retention sweep purged %d events older than %s", rows, cutoff.Format(time.RFC3339))
	}
	return rows, nil
}

// Status reports the outcome of the most recent sweep.
type Status struct {
	LastRun  time.Time `json:"lastRun"`
	Purged   int64     `json:"purged"`
	Error    string    `json:"error,omitempty"`
	Schedule string    `json:"schedule"`
}

// Status returns the last sweep outcome.
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{LastRun: s.lastRun, Purged: s.lastRows, Schedule: s.schedule}
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	return status
}
