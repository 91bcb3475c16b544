// Command coreflowd launches the CoreFlow event bus daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/coreflow/internal/domain/auditlog"
	"github.com/coachpo/coreflow/internal/domain/schema"
	domainsync "github.com/coachpo/coreflow/internal/domain/syncintent"
	"github.com/coachpo/coreflow/internal/infra/audit"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
	"github.com/coachpo/coreflow/internal/infra/bus/transport"
	"github.com/coachpo/coreflow/internal/infra/bus/transport/kafka"
	"github.com/coachpo/coreflow/internal/infra/bus/transport/rabbitmq"
	redistransport "github.com/coachpo/coreflow/internal/infra/bus/transport/redis"
	"github.com/coachpo/coreflow/internal/infra/config"
	"github.com/coachpo/coreflow/internal/infra/persistence"
	"github.com/coachpo/coreflow/internal/infra/persistence/migrations"
	"github.com/coachpo/coreflow/internal/infra/persistence/postgres"
	"github.com/coachpo/coreflow/internal/infra/persistence/sqlite"
	"github.com/coachpo/coreflow/internal/infra/security"
	httpserver "github.com/coachpo/coreflow/internal/infra/server/http"
	infrasync "github.com/coachpo/coreflow/internal/infra/syncintent"
	"github.com/coachpo/coreflow/internal/maintenance"
	"github.com/coachpo/coreflow/internal/observability"
	"github.com/coachpo/coreflow/internal/scripting"
	"github.com/coachpo/coreflow/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "coreflowd "
	shutdownTimeout          = 30 * time.Second
	busStopTimeout           = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	resourceShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatalf("load .env: %v", err)
	}
	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, appCfg.Environment == config.EnvDev))
	logger.Printf("configuration initialised: env=%s, transport=%s, store=%s, audit=%s, security=%s",
		appCfg.Environment, appCfg.Transport.Kind, appCfg.Store.Kind, appCfg.Audit.Kind, appCfg.Security.Mode)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var res resources
	opts, err := buildBusOptions(ctx, logger, appCfg, &res)
	if err != nil {
		res.close(logger)
		logger.Fatalf("initialise collaborators: %v", err)
	}
	bus := eventbus.New(appCfg.Eventbus.BusConfig(), opts...)

	scripts, err := loadScripts(appCfg, bus, logger)
	if err != nil {
		res.close(logger)
		logger.Fatalf("initialise scripts: %v", err)
	}

	if err := bus.Start(ctx); err != nil {
		res.close(logger)
		logger.Fatalf("start event bus: %v", err)
	}
	logger.Printf("event bus started: handlers=%d", bus.HandlerCount())

	var lifecycle conc.WaitGroup

	if appCfg.Maintenance.Enabled && res.purger != nil {
		sweeper, err := maintenance.NewSweeper(res.purger, maintenance.Config{
			Schedule:  appCfg.Maintenance.Schedule,
			Retention: appCfg.Maintenance.Retention,
		}, maintenance.WithLogger(log.New(os.Stdout, "coreflow/maintenance ", log.LstdFlags|log.Lmicroseconds)))
		if err != nil {
			logger.Fatalf("initialise maintenance: %v", err)
		}
		lifecycle.Go(func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("maintenance: %v", err)
			}
		})
		logger.Printf("retention sweep scheduled: %s, retention=%s", appCfg.Maintenance.Schedule, appCfg.Maintenance.Retention)
	}

	apiServer := buildAPIServer(appCfg, bus)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("HTTP API listening on %s", apiServer.Addr)

	logger.Print("coreflowd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.API.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		bus:           bus,
		scripts:       scripts,
		resources:     &res,
		telemetry:     telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s when present)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	telemetryCfg.EnableTracing = cfg.EnableTracing

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s, metrics=%t, tracing=%t",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName, telemetryCfg.EnableMetrics, telemetryCfg.EnableTracing)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// resources tracks what main opened so shutdown and failed startups release it.
type resources struct {
	closers []namedCloser
	purger  maintenance.Purger
}

type namedCloser struct {
	name  string
	close func() error
}

func (r *resources) add(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, close: fn})
}

// close releases resources in reverse order of acquisition.
func (r *resources) close(logger *log.Logger) error {
	var errList []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	err := observability.AggregateErrors("close resources", errList)
	if err != nil && logger != nil {
		logger.Printf("%v", err)
	}
	return err
}

func buildBusOptions(ctx context.Context, logger *log.Logger, appCfg config.AppConfig, res *resources) ([]eventbus.Option, error) {
	opts := []eventbus.Option{
		eventbus.WithLogger(log.New(os.Stdout, "coreflow/eventbus ", log.LstdFlags|log.Lmicroseconds)),
		eventbus.WithAuthorizer(buildAuthorizer(appCfg.Security)),
	}

	tr, err := openTransport(ctx, appCfg.Transport, res)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if tr != nil {
		opts = append(opts, eventbus.WithTransport(tr))
		logger.Printf("transport connected: %s", appCfg.Transport.Kind)
	}

	storeOpts, err := openStore(ctx, logger, appCfg, res)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	opts = append(opts, storeOpts...)

	sink, err := openAuditSink(ctx, appCfg.Audit, res)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if sink != nil {
		opts = append(opts, eventbus.WithAuditSink(sink))
	}

	recorder, err := openRecorder(ctx, appCfg.Sync, res)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	syncer := infrasync.NewLogSyncer(log.New(os.Stdout, "coreflow/sync ", log.LstdFlags|log.Lmicroseconds), recorder,
		func(event *schema.Event) domainsync.Intent { return eventbus.IntentFromEvent(event, time.Now()) })
	opts = append(opts, eventbus.WithSyncRecorder(recorder), eventbus.WithModuleSyncer(syncer))
	return opts, nil
}

func buildAuthorizer(cfg config.SecurityConfig) eventbus.Authorizer {
	if cfg.Mode != config.SecurityPolicy {
		return security.AllowAll{}
	}
	return security.NewAuthorizer(security.NewPolicy(cfg.Roles))
}

func openTransport(ctx context.Context, cfg config.TransportConfig, res *resources) (transport.Transport, error) {
	switch cfg.Kind {
	case config.TransportMemory:
		tr := transport.NewMemoryTransport(transport.NewHub(0))
		res.add("memory transport", tr.Close)
		return tr, nil
	case config.TransportRedis:
		tr, err := redistransport.Dial(ctx, redistransport.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		res.add("redis transport", tr.Close)
		return tr, nil
	case config.TransportKafka:
		tr, err := kafka.New(kafka.Config{
			Brokers:          cfg.Kafka.Brokers,
			ClientID:         cfg.Kafka.ClientID,
			TLS:              cfg.Kafka.TLS,
			AutoCreateTopics: cfg.Kafka.AutoCreateTopics,
		})
		if err != nil {
			return nil, err
		}
		res.add("kafka transport", tr.Close)
		return tr, nil
	case config.TransportRabbitMQ:
		tr, err := rabbitmq.Dial(rabbitmq.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Username: cfg.RabbitMQ.Username,
			Password: cfg.RabbitMQ.Password,
			TLS:      cfg.RabbitMQ.TLS,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
		if err != nil {
			return nil, err
		}
		res.add("rabbitmq transport", tr.Close)
		return tr, nil
	default:
		return nil, nil
	}
}

func openStore(ctx context.Context, logger *log.Logger, appCfg config.AppConfig, res *resources) ([]eventbus.Option, error) {
	switch appCfg.Store.Kind {
	case config.StorePostgres:
		db := appCfg.Database
		if db.RunMigrations {
			if err := migrations.Apply(ctx, db.DSN, db.MigrationsDir, logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := persistence.Connect(ctx, db.DSN, persistence.PoolConfig{
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			ConnectTimeout:  db.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		res.add("postgres pool", func() error { pool.Close(); return nil })
		if err := postgres.ObservePoolMetrics(pool, "events"); err != nil {
			logger.Printf("pool metrics disabled: %v", err)
		}
		store := postgres.New(pool)
		res.purger = store.Events
		logger.Printf("postgres store connected")
		return []eventbus.Option{eventbus.WithEventStore(store.Events), eventbus.WithDeadLetterStore(store.DeadLetters)}, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, appCfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		res.add("sqlite store", store.Close)
		res.purger = store
		logger.Printf("sqlite store opened at %s", appCfg.Store.SQLitePath)
		return []eventbus.Option{eventbus.WithEventStore(store), eventbus.WithDeadLetterStore(store)}, nil
	default:
		return nil, nil
	}
}

func openAuditSink(ctx context.Context, cfg config.AuditConfig, res *resources) (auditlog.Sink, error) {
	auditLogger := log.New(os.Stdout, "coreflow/audit ", log.LstdFlags|log.Lmicroseconds)
	switch cfg.Kind {
	case config.AuditLog:
		return audit.NewLogSink(auditLogger), nil
	case config.AuditPostgres:
		sink, err := audit.OpenSQLSink(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		res.add("audit sink", sink.Close)
		return sink, nil
	default:
		return nil, nil
	}
}

func openRecorder(ctx context.Context, cfg config.SyncConfig, res *resources) (domainsync.Recorder, error) {
	if cfg.Recorder != config.RecorderRedis {
		return infrasync.NewMemoryRecorder(), nil
	}
	tr, err := redistransport.Dial(ctx, redistransport.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	res.add("sync recorder", tr.Close)
	return infrasync.NewRedisRecorder(tr.Client(), cfg.KeyPrefix, cfg.MaxLength), nil
}

func loadScripts(appCfg config.AppConfig, bus *eventbus.EventBus, logger *log.Logger) (*scripting.Set, error) {
	if appCfg.Scripts.Manifest == "" {
		logger.Print("no script manifest configured; skipping scripted handlers")
		return nil, nil
	}
	manifest, err := config.LoadScriptManifest(appCfg.Scripts.Manifest)
	if err != nil {
		return nil, err
	}
	set, err := scripting.Load(manifest, appCfg.Scripts.Directory, scripting.Deps{
		Publisher: bus,
		Logger:    log.New(os.Stdout, "coreflow/scripts ", log.LstdFlags|log.Lmicroseconds),
		Roles:     appCfg.Security.TenantRoles,
	})
	if err != nil {
		return nil, err
	}
	if err := set.Register(bus); err != nil {
		set.Close()
		return nil, err
	}
	for _, handler := range set.Handlers() {
		logger.Printf("script registered: %s", handler.Summary())
	}
	return set, nil
}

func buildAPIServer(appCfg config.AppConfig, bus *eventbus.EventBus) *http.Server {
	handler := httpserver.NewHandler(bus, httpserver.Options{
		API:         appCfg.API,
		TenantRoles: appCfg.Security.TenantRoles,
		Logger:      log.New(os.Stdout, "coreflow/api ", log.LstdFlags|log.Lmicroseconds),
	})
	server := httpserver.NewServer(handler, appCfg.API)
	server.ReadHeaderTimeout = readHeaderTimeout
	return server
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	bus           *eventbus.EventBus
	scripts       *scripting.Set
	resources     *resources
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("stopping event bus", busStopTimeout, cfg.bus.Close)
	}

	if cfg.scripts != nil {
		shutdownStep("closing scripts", resourceShutdownTimeout, func(context.Context) error {
			cfg.scripts.Close()
			return nil
		})
	}

	if cfg.resources != nil {
		shutdownStep("closing resources", resourceShutdownTimeout, func(context.Context) error {
			return cfg.resources.close(nil)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

// resolveConfigPath prefers the flag, then the default file when it exists.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	cleaned := filepath.Clean(defaultConfigPath)
	if _, err := os.Stat(cleaned); err == nil {
		return cleaned
	}
	return ""
}
