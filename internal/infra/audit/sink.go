// Package audit provides the activity sinks the bus records publish and
// dead-letter activity into.
package audit

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/internal/domain/auditlog"
)

// LogSink writes each activity as one JSON line.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink builds a LogSink. A nil logger writes to stdout.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(os.Stdout, "coreflow/audit ", log.LstdFlags|log.Lmicroseconds)
	}
	return &LogSink{logger: logger}
}

// LogActivity implements auditlog.Sink.
func (s *LogSink) LogActivity(_ context.Context, activity auditlog.Activity) error {
	line, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	s.logger.Printf("%s", line)
	return nil
}

// MemorySink keeps activities in memory, newest last. Used for local runs and tests.
type MemorySink struct {
	mu         sync.Mutex
	activities []auditlog.Activity
	limit      int
}

// NewMemorySink keeps at most limit activities; limit <= 0 keeps everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// LogActivity implements auditlog.Sink.
func (s *MemorySink) LogActivity(_ context.Context, activity auditlog.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activity)
	if s.limit > 0 && len(s.activities) > s.limit {
		s.activities = s.activities[len(s.activities)-s.limit:]
	}
	return nil
}

// Activities returns a copy of the recorded activities.
func (s *MemorySink) Activities() []auditlog.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auditlog.Activity, len(s.activities))
	copy(out, s.activities)
	return out
}

// Fanout records into every sink and joins their errors.
type Fanout []auditlog.Sink

// LogActivity implements auditlog.Sink.
func (f Fanout) LogActivity(ctx context.Context, activity auditlog.Activity) error {
	var errList []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.LogActivity(ctx, activity); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

var (
	_ auditlog.Sink = (*LogSink)(nil)
	_ auditlog.Sink = (*MemorySink)(nil)
	_ auditlog.Sink = Fanout(nil)
)
