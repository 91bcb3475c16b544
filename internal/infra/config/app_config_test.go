package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/persistence/migrations"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
eventbus:
  channels: [crm, " accounting ", CRM]
  tickInterval: 50ms
  batchSize: 20
  handlerConcurrency: 8
  eventConcurrency: auto
  baseDelay: 2s
  maxDelay: 1m
transport:
  kind: Redis
  redis:
    addr: localhost:6379
store:
  kind: postgres
database:
  dsn: postgresql://db:5432/coreflow?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  runMigrations: true
audit:
  kind: postgres
api:
  addr: ":9999"
  rateLimit: 5
telemetry:
  serviceName: test-service
  enableMetrics: false
maintenance:
  enabled: true
  schedule: "*/5 * * * *"
  retention: 24h
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if got := strings.Join(cfg.Eventbus.Channels, ","); got != "CRM,ACCOUNTING" {
		t.Fatalf("expected normalised channels, got %s", got)
	}
	bus := cfg.Eventbus.BusConfig()
	if bus.TickInterval != 50*time.Millisecond || bus.BatchSize != 20 {
		t.Fatalf("unexpected bus cadence %s/%d", bus.TickInterval, bus.BatchSize)
	}
	if bus.HandlerConcurrency != 8 {
		t.Fatalf("expected handler concurrency 8, got %d", bus.HandlerConcurrency)
	}
	if bus.EventConcurrency != runtime.NumCPU() {
		t.Fatalf("expected auto event concurrency %d, got %d", runtime.NumCPU(), bus.EventConcurrency)
	}
	if len(bus.Channels) != 2 || bus.Channels[1] != schema.ChannelAccounting {
		t.Fatalf("unexpected bus channels %v", bus.Channels)
	}
	if cfg.Transport.Kind != TransportRedis {
		t.Fatalf("expected redis transport, got %s", cfg.Transport.Kind)
	}
	if cfg.Audit.DSN != cfg.Database.DSN {
		t.Fatalf("expected audit dsn to default to database dsn, got %q", cfg.Audit.DSN)
	}
	if cfg.Database.MaxConns != 32 || cfg.Database.MinConns != 4 {
		t.Fatalf("unexpected pool sizing %d/%d", cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	if cfg.Database.MigrationsDir != migrations.EmbeddedDir {
		t.Fatalf("expected embedded migrations, got %q", cfg.Database.MigrationsDir)
	}
	if cfg.API.Addr != ":9999" || cfg.API.RateLimit != 5 || cfg.API.RateBurst != 100 {
		t.Fatalf("unexpected api config %+v", cfg.API)
	}
	if cfg.Telemetry.EnableMetrics {
		t.Fatalf("expected telemetry metrics disabled")
	}
	if cfg.Maintenance.Retention != 24*time.Hour {
		t.Fatalf("expected 24h retention, got %s", cfg.Maintenance.Retention)
	}
}

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Eventbus.TickInterval != 100*time.Millisecond || cfg.Eventbus.BatchSize != 10 {
		t.Fatalf("unexpected default cadence %s/%d", cfg.Eventbus.TickInterval, cfg.Eventbus.BatchSize)
	}
	if cfg.Eventbus.BaseDelay != time.Second || cfg.Eventbus.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected default backoff %s/%s", cfg.Eventbus.BaseDelay, cfg.Eventbus.MaxDelay)
	}
	if cfg.Transport.Kind != TransportNone || cfg.Store.Kind != StoreNone || cfg.Audit.Kind != AuditLog {
		t.Fatalf("unexpected default kinds %s/%s/%s", cfg.Transport.Kind, cfg.Store.Kind, cfg.Audit.Kind)
	}
	if cfg.Security.Mode != SecurityAllowAll {
		t.Fatalf("expected allow_all security, got %s", cfg.Security.Mode)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COREFLOW_ENVIRONMENT", "prod")
	t.Setenv("COREFLOW_EVENTBUS_BATCH_SIZE", "25")
	t.Setenv("COREFLOW_EVENTBUS_HANDLER_CONCURRENCY", "auto")
	t.Setenv("COREFLOW_TRANSPORT_KIND", "kafka")
	t.Setenv("COREFLOW_TRANSPORT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("COREFLOW_STORE_KIND", "sqlite")
	t.Setenv("COREFLOW_API_ADDR", ":7070")

	path := writeConfig(t, `
environment: dev
eventbus:
  batchSize: 10
api:
  addr: ":8081"
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected env override prod, got %s", cfg.Environment)
	}
	if cfg.Eventbus.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.Eventbus.BatchSize)
	}
	if cfg.Eventbus.HandlerConcurrency.Resolve(0) != runtime.NumCPU() {
		t.Fatalf("expected auto handler concurrency")
	}
	if cfg.Transport.Kind != TransportKafka || len(cfg.Transport.Kafka.Brokers) != 2 {
		t.Fatalf("unexpected kafka override %+v", cfg.Transport)
	}
	if cfg.Store.Kind != StoreSQLite || cfg.Store.SQLitePath != "coreflow.db" {
		t.Fatalf("unexpected store override %+v", cfg.Store)
	}
	if cfg.API.Addr != ":7070" {
		t.Fatalf("expected api addr override, got %s", cfg.API.Addr)
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Setenv("COREFLOW_SECURITY_MODE", "policy")
	cfg, err := LoadOrDefault(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Security.Mode != SecurityPolicy {
		t.Fatalf("expected policy mode, got %s", cfg.Security.Mode)
	}
	if ops := cfg.Security.Roles["publisher"]; len(ops) != 1 || ops[0] != "PUBLISH_EVENT" {
		t.Fatalf("expected default publisher role, got %v", cfg.Security.Roles)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":    "environment: qa\n",
		"transport kind": "transport:\n  kind: carrier-pigeon\n",
		"redis addr":     "transport:\n  kind: redis\n",
		"kafka brokers":  "transport:\n  kind: kafka\n",
		"rabbitmq url":   "transport:\n  kind: rabbitmq\n",
		"store kind":     "store:\n  kind: mongo\n",
		"audit kind":     "audit:\n  kind: email\n",
		"backoff":        "eventbus:\n  baseDelay: 10s\n  maxDelay: 1s\n",
		"channel":        "eventbus:\n  channels: [\"bad channel\"]\n",
		"maintenance":    "maintenance:\n  enabled: true\n",
		"security":       "security:\n  mode: trust_me\n",
		"sync":           "sync:\n  recorder: kafka\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConcurrencySettingRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "eventbus:\n  handlerConcurrency: -1\n")
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected error for negative concurrency")
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("COREFLOW_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("COREFLOW_TEST_DOTENV") })
	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("COREFLOW_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("expected value from env file, got %q", got)
	}
}
