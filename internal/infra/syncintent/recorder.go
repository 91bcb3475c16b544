// Package syncintent stores cross-module synchronization intents for external
// sync workers and provides the default module sync hook.
package syncintent

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	domain "github.com/coachpo/coreflow/internal/domain/syncintent"
)

// DefaultKeyPrefix namespaces the per-tenant intent lists.
const DefaultKeyPrefix = "coreflow:sync:intents:"

// RedisRecorder appends intents to one Redis list per tenant. Workers pop from the head.
type RedisRecorder struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewRedisRecorder builds a recorder. maxLen > 0 trims each list to its newest entries.
func NewRedisRecorder(client *redis.Client, prefix string, maxLen int64) *RedisRecorder {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisRecorder{client: client, prefix: prefix, maxLen: maxLen}
}

// Key returns the list holding tenantID's intents.
func (r *RedisRecorder) Key(tenantID string) string {
	return r.prefix + tenantID
}

// Record implements syncintent.Recorder.
func (r *RedisRecorder) Record(ctx context.Context, intent domain.Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode sync intent: %w", err)
	}
	key := r.Key(intent.TenantID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, key, -r.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New("syncintent/redis", errs.CodeUnavailable,
			errs.WithMessage("record sync intent"),
			errs.WithTenant(intent.TenantID),
			errs.WithCause(err))
	}
	return nil
}

// Pending returns up to limit intents for tenantID without removing them.
func (r *RedisRecorder) Pending(ctx context.Context, tenantID string, limit int64) ([]domain.Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := r.client.LRange(ctx, r.Key(tenantID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sync intents: %w", err)
	}
	return decodeIntents(raw)
}

func decodeIntents(raw []string) ([]domain.Intent, error) {
	out := make([]domain.Intent, 0, len(raw))
	for _, item := range raw {
		var intent domain.Intent
		if err := json.Unmarshal([]byte(item), &intent); err != nil {
			return nil, fmt.Errorf("decode sync intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, nil
}

// MemoryRecorder keeps intents in process.
type MemoryRecorder struct {
	mu      sync.Mutex
	intents []domain.Intent
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record implements syncintent.Recorder.
func (m *MemoryRecorder) Record(_ context.Context, intent domain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
	return nil
}

// Intents returns a copy of every recorded intent.
func (m *MemoryRecorder) Intents() []domain.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Intent, len(m.intents))
	copy(out, m.intents)
	return out
}

// LogSyncer is the default MODULE_SYNC hook: it logs the request and records one
// intent per module listed in data.modules (or data.targetModule).
type LogSyncer struct {
	logger   *log.Logger
	recorder domain.Recorder
	intent   func(*schema.Event) domain.Intent
}

// NewLogSyncer builds the hook. intent converts the event into a base intent; the
// bus exposes eventbus.IntentFromEvent for that. A nil recorder only logs.
func NewLogSyncer(logger *log.Logger, recorder domain.Recorder, intent func(*schema.Event) domain.Intent) *LogSyncer {
	if logger == nil {
		logger = log.New(os.Stdout, "coreflow/sync ", log.LstdFlags|log.Lmicroseconds)
	}
	return &LogSyncer{logger: logger, recorder: recorder, intent: intent}
}

// SyncModules implements syncintent.ModuleSyncer.
func (s *LogSyncer) SyncModules(ctx context.Context, event *schema.Event) error {
	modules := targetModules(event)
	s.logger.Printf("module sync requested: event=%s tenant=%s source=%s targets=%v",
		event.ID, event.Source.TenantID, event.Source.Module, modules)
	if s.recorder == nil || s.intent == nil {
		return nil
	}
	for _, module := range modules {
		intent := s.intent(event)
		intent.TargetModule = module
		if err := s.recorder.Record(ctx, intent); err != nil {
			return err
		}
	}
	return nil
}

func targetModules(event *schema.Event) []string {
	var modules []string
	switch v := event.Data["modules"].(type) {
	case []string:
		modules = append(modules, v...)
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				modules = append(modules, name)
			}
		}
	}
	if len(modules) == 0 {
		if name, ok := event.Data["targetModule"].(string); ok && name != "" {
			modules = append(modules, name)
		}
	}
	if len(modules) == 0 {
		modules = append(modules, domain.AnyModule)
	}
	return modules
}

var (
	_ domain.Recorder     = (*RedisRecorder)(nil)
	_ domain.Recorder     = (*MemoryRecorder)(nil)
	_ domain.ModuleSyncer = (*LogSyncer)(nil)
)
