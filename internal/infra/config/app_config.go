// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
	"github.com/coachpo/coreflow/internal/infra/persistence/migrations"
)

type concurrencyKind int

const (
	concurrencyUnset concurrencyKind = iota
	concurrencyExplicit
	concurrencyAuto
)

// ConcurrencySetting accepts either a positive integer or "auto" (one per CPU).
type ConcurrencySetting struct {
	kind  concurrencyKind
	value int
}

// Fixed returns an explicit setting.
func Fixed(n int) ConcurrencySetting {
	return ConcurrencySetting{kind: concurrencyExplicit, value: n}
}

// UnmarshalYAML supports integer and "auto" values.
func (s *ConcurrencySetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = ConcurrencySetting{}
		return nil
	}
	return s.UnmarshalText([]byte(node.Value))
}

// UnmarshalText lets environment overrides use the same syntax.
func (s *ConcurrencySetting) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	switch strings.ToLower(raw) {
	case "":
		*s = ConcurrencySetting{}
		return nil
	case "auto":
		*s = ConcurrencySetting{kind: concurrencyAuto}
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("concurrency: invalid value %q", raw)
	}
	if val <= 0 {
		return fmt.Errorf("concurrency: numeric value must be > 0")
	}
	*s = ConcurrencySetting{kind: concurrencyExplicit, value: val}
	return nil
}

// Resolve returns the effective count; fallback applies when unset.
func (s ConcurrencySetting) Resolve(fallback int) int {
	switch s.kind {
	case concurrencyExplicit:
		return s.value
	case concurrencyAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return fallback
	default:
		return fallback
	}
}

// EventbusConfig tunes the in-process bus.
type EventbusConfig struct {
	Channels              []string           `yaml:"channels" env:"CHANNELS" envSeparator:","`
	TickInterval          time.Duration      `yaml:"tickInterval" env:"TICK_INTERVAL"`
	BatchSize             int                `yaml:"batchSize" env:"BATCH_SIZE"`
	HandlerTimeout        time.Duration      `yaml:"handlerTimeout" env:"HANDLER_TIMEOUT"`
	EventConcurrency      ConcurrencySetting `yaml:"eventConcurrency" env:"EVENT_CONCURRENCY"`
	HandlerConcurrency    ConcurrencySetting `yaml:"handlerConcurrency" env:"HANDLER_CONCURRENCY"`
	BaseDelay             time.Duration      `yaml:"baseDelay" env:"BASE_DELAY"`
	MaxDelay              time.Duration      `yaml:"maxDelay" env:"MAX_DELAY"`
	DefaultMaxRetries     int                `yaml:"defaultMaxRetries" env:"DEFAULT_MAX_RETRIES"`
	AbsorbHandlerFailures bool               `yaml:"absorbHandlerFailures" env:"ABSORB_HANDLER_FAILURES"`
	TopicPrefix           string             `yaml:"topicPrefix" env:"TOPIC_PREFIX"`
	DedupeTTL             time.Duration      `yaml:"dedupeTTL" env:"DEDUPE_TTL"`
	MaxPayloadBytes       int                `yaml:"maxPayloadBytes" env:"MAX_PAYLOAD_BYTES"`
	StopTimeout           time.Duration      `yaml:"stopTimeout" env:"STOP_TIMEOUT"`
	DeadLetterCapacity    int                `yaml:"deadLetterCapacity" env:"DEAD_LETTER_CAPACITY"`
	SkipRecovery          bool               `yaml:"skipRecovery" env:"SKIP_RECOVERY"`
}

func (c *EventbusConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	normalized := make([]string, 0, len(c.Channels))
	seen := make(map[string]struct{}, len(c.Channels))
	for _, raw := range c.Channels {
		ch := string(schema.NormalizeChannel(raw))
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		normalized = append(normalized, ch)
	}
	c.Channels = normalized
}

func (c EventbusConfig) validate() error {
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("maxDelay must be >= baseDelay")
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("defaultMaxRetries must be >= 0")
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("maxPayloadBytes must be >= 0")
	}
	for _, ch := range c.Channels {
		if err := validateChannelName(ch); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
	}
	return nil
}

func validateChannelName(name string) error {
	if err := schema.Channel(name).Validate(); err != nil {
		return err
	}
	for _, r := range name {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("channel %q may only contain A-Z, 0-9 and _", name)
		}
	}
	return nil
}

// BusConfig converts the section into eventbus settings.
func (c EventbusConfig) BusConfig() eventbus.Config {
	channels := make([]schema.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		channels = append(channels, schema.Channel(ch))
	}
	return eventbus.Config{
		Channels:              channels,
		TickInterval:          c.TickInterval,
		BatchSize:             c.BatchSize,
		HandlerTimeout:        c.HandlerTimeout,
		EventConcurrency:      c.EventConcurrency.Resolve(0),
		HandlerConcurrency:    c.HandlerConcurrency.Resolve(0),
		BaseDelay:             c.BaseDelay,
		MaxDelay:              c.MaxDelay,
		DefaultMaxRetries:     c.DefaultMaxRetries,
		AbsorbHandlerFailures: c.AbsorbHandlerFailures,
		TopicPrefix:           c.TopicPrefix,
		DedupeTTL:             c.DedupeTTL,
		MaxPayloadBytes:       c.MaxPayloadBytes,
		DeadLetterCapacity:    c.DeadLetterCapacity,
		SkipRecovery:          c.SkipRecovery,
	}
}

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"poolSize" env:"POOL_SIZE"`
}

// KafkaConfig addresses a Kafka cluster.
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	ClientID         string   `yaml:"clientId" env:"CLIENT_ID"`
	TLS              bool     `yaml:"tls" env:"TLS"`
	AutoCreateTopics bool     `yaml:"autoCreateTopics" env:"AUTO_CREATE_TOPICS"`
}

// RabbitMQConfig addresses a RabbitMQ broker.
type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	TLS      bool   `yaml:"tls" env:"TLS"`
	Prefetch int    `yaml:"prefetch" env:"PREFETCH"`
}

// TransportConfig selects and configures the cross-process transport.
type TransportConfig struct {
	Kind     TransportKind  `yaml:"kind" env:"KIND"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Kafka    KafkaConfig    `yaml:"kafka" envPrefix:"KAFKA_"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

func (c *TransportConfig) applyDefaults() {
	c.Kind = TransportKind(lower(string(c.Kind)))
	if c.Kind == "" {
		c.Kind = TransportNone
	}
}

func (c TransportConfig) validate() error {
	switch c.Kind {
	case TransportNone, TransportMemory:
	case TransportRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis addr required")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
	case TransportRabbitMQ:
		if strings.TrimSpace(c.RabbitMQ.URL) == "" {
			return fmt.Errorf("rabbitmq url required")
		}
	default:
		return fmt.Errorf("kind must be one of none, memory, redis, kafka, rabbitmq")
	}
	return nil
}

// StoreConfig selects the durable event store.
type StoreConfig struct {
	Kind       StoreKind `yaml:"kind" env:"KIND"`
	SQLitePath string    `yaml:"sqlitePath" env:"SQLITE_PATH"`
}

func (c *StoreConfig) applyDefaults() {
	c.Kind = StoreKind(lower(string(c.Kind)))
	if c.Kind == "" {
		c.Kind = StoreNone
	}
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
	if c.Kind == StoreSQLite && c.SQLitePath == "" {
		c.SQLitePath = "coreflow.db"
	}
}

func (c StoreConfig) validate() error {
	switch c.Kind {
	case StoreNone, StorePostgres, StoreSQLite:
		return nil
	default:
		return fmt.Errorf("kind must be one of none, postgres, sqlite")
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxConns        int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns        int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	RunMigrations   bool          `yaml:"runMigrations" env:"RUN_MIGRATIONS"`
	MigrationsDir   string        `yaml:"migrationsDir" env:"MIGRATIONS_DIR"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/coreflow?sslmode=disable"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
	if c.MigrationsDir == "" {
		c.MigrationsDir = migrations.EmbeddedDir
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AuditConfig selects the audit sink and its dispatch pool.
type AuditConfig struct {
	Kind    AuditKind `yaml:"kind" env:"KIND"`
	DSN     string    `yaml:"dsn" env:"DSN"`
	Workers int       `yaml:"workers" env:"WORKERS"`
	Queue   int       `yaml:"queue" env:"QUEUE"`
}

func (c *AuditConfig) applyDefaults(db DatabaseConfig) {
	c.Kind = AuditKind(lower(string(c.Kind)))
	if c.Kind == "" {
		c.Kind = AuditLog
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.Kind == AuditPostgres && c.DSN == "" {
		c.DSN = db.DSN
	}
}

func (c AuditConfig) validate() error {
	switch c.Kind {
	case AuditNone, AuditLog, AuditPostgres:
	default:
		return fmt.Errorf("kind must be one of none, log, postgres")
	}
	if c.Workers < 0 || c.Queue < 0 {
		return fmt.Errorf("workers and queue must be >= 0")
	}
	return nil
}

// SyncConfig selects where cross-module sync intents are recorded.
type SyncConfig struct {
	Recorder  RecorderKind `yaml:"recorder" env:"RECORDER"`
	Redis     RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
	KeyPrefix string       `yaml:"keyPrefix" env:"KEY_PREFIX"`
	MaxLength int64        `yaml:"maxLength" env:"MAX_LENGTH"`
}

func (c *SyncConfig) applyDefaults(transport TransportConfig) {
	c.Recorder = RecorderKind(lower(string(c.Recorder)))
	if c.Recorder == "" {
		c.Recorder = RecorderMemory
	}
	if c.Recorder == RecorderRedis && strings.TrimSpace(c.Redis.Addr) == "" {
		c.Redis = transport.Redis
	}
}

func (c SyncConfig) validate() error {
	switch c.Recorder {
	case RecorderMemory:
	case RecorderRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis addr required")
		}
	default:
		return fmt.Errorf("recorder must be one of memory, redis")
	}
	return nil
}

// SecurityConfig configures the publish authorizer.
type SecurityConfig struct {
	Mode SecurityMode `yaml:"mode" env:"MODE"`
	// Roles maps role names to the operations they grant.
	Roles map[string][]string `yaml:"roles"`
	// TenantRoles are granted to every API caller identified by X-Tenant-ID.
	TenantRoles []string `yaml:"tenantRoles" env:"TENANT_ROLES" envSeparator:","`
}

func (c *SecurityConfig) applyDefaults() {
	c.Mode = SecurityMode(lower(string(c.Mode)))
	if c.Mode == "" {
		c.Mode = SecurityAllowAll
	}
	if c.Mode == SecurityPolicy && len(c.Roles) == 0 {
		c.Roles = map[string][]string{"publisher": {eventbus.OperationPublishEvent}}
	}
	if c.Mode == SecurityPolicy && len(c.TenantRoles) == 0 {
		c.TenantRoles = []string{"publisher"}
	}
}

func (c SecurityConfig) validate() error {
	switch c.Mode {
	case SecurityAllowAll, SecurityPolicy:
		return nil
	default:
		return fmt.Errorf("mode must be one of allow_all, policy")
	}
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	RateLimit       float64       `yaml:"rateLimit" env:"RATE_LIMIT"`
	RateBurst       int           `yaml:"rateBurst" env:"RATE_BURST"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

func (c *APIServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName" env:"SERVICE_NAME"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	EnableMetrics bool   `yaml:"enableMetrics" env:"ENABLE_METRICS"`
	EnableTracing bool   `yaml:"enableTracing" env:"ENABLE_TRACING"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "coreflow"
	}
}

// MaintenanceConfig schedules the retention sweep.
type MaintenanceConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Schedule  string        `yaml:"schedule" env:"SCHEDULE"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

func (c *MaintenanceConfig) applyDefaults() {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = "0 * * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
}

// ScriptsConfig locates the scripted handler manifest.
type ScriptsConfig struct {
	Manifest  string `yaml:"manifest" env:"MANIFEST"`
	Directory string `yaml:"directory" env:"DIRECTORY"`
}

func (c *ScriptsConfig) applyDefaults() {
	c.Manifest = strings.TrimSpace(c.Manifest)
	dir := strings.TrimSpace(c.Directory)
	if dir == "" {
		dir = "scripts"
	}
	c.Directory = filepath.Clean(dir)
}

// AppConfig is the unified CoreFlow configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment       `yaml:"environment" env:"ENVIRONMENT"`
	Eventbus    EventbusConfig    `yaml:"eventbus" envPrefix:"EVENTBUS_"`
	Transport   TransportConfig   `yaml:"transport" envPrefix:"TRANSPORT_"`
	Store       StoreConfig       `yaml:"store" envPrefix:"STORE_"`
	Database    DatabaseConfig    `yaml:"database" envPrefix:"DATABASE_"`
	Audit       AuditConfig       `yaml:"audit" envPrefix:"AUDIT_"`
	Sync        SyncConfig        `yaml:"sync" envPrefix:"SYNC_"`
	Security    SecurityConfig    `yaml:"security" envPrefix:"SECURITY_"`
	API         APIServerConfig   `yaml:"api" envPrefix:"API_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Maintenance MaintenanceConfig `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
	Scripts     ScriptsConfig     `yaml:"scripts" envPrefix:"SCRIPTS_"`
}

// DefaultAppConfig returns a validated configuration for a single in-memory node.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Telemetry:   TelemetryConfig{EnableMetrics: true, OTLPInsecure: true},
	}
	cfg.normalise()
	return cfg
}

// Load reads the YAML file at configPath, applies COREFLOW_* environment overrides,
// fills defaults and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath when set, otherwise starts from defaults. Environment
// overrides apply either way.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		return Load(ctx, configPath)
	}
	return finish(AppConfig{Environment: EnvDev, Telemetry: TelemetryConfig{EnableMetrics: true, OTLPInsecure: true}})
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := applyEnvOverrides(&cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(lower(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Eventbus.applyDefaults()
	c.Transport.applyDefaults()
	c.Store.applyDefaults()
	c.Database.applyDefaults()
	c.Audit.applyDefaults(c.Database)
	c.Sync.applyDefaults(c.Transport)
	c.Security.applyDefaults()
	c.API.applyDefaults()
	c.Telemetry.applyDefaults()
	c.Maintenance.applyDefaults()
	c.Scripts.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Eventbus.validate(); err != nil {
		return fmt.Errorf("eventbus: %w", err)
	}
	if err := c.Transport.validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Store.Kind == StorePostgres || c.Audit.Kind == AuditPostgres {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := c.Audit.validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Security.validate(); err != nil {
		return fmt.Errorf("security: %w", err)
	}
	if c.Maintenance.Enabled && c.Store.Kind == StoreNone {
		return fmt.Errorf("maintenance: requires a durable store")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
