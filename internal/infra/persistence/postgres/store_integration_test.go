//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/persistence"
	"github.com/coachpo/coreflow/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/coreflow/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "coreflow"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable: %v\n", err)
		os.Exit(0)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(code)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/coreflow?sslmode=disable", host, port.Port())

	// The listening port opens before postgres accepts queries on first boot.
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if lastErr = migrations.Apply(ctx, dsn, migrations.EmbeddedDir, nil); lastErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("apply migrations: %w", lastErr)
	}
	pool, err := persistence.Connect(ctx, dsn, persistence.PoolConfig{MaxConns: 4})
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func requireSetup(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
}

func newEvent(id string) *schema.Event {
	return &schema.Event{
		ID:       id,
		Type:     schema.EventTypeEntityCreated,
		Channel:  schema.ChannelCRM,
		Priority: schema.PriorityHigh,
		Source:   schema.Source{Module: "crm", TenantID: "tenant-a", EntityType: "customer", EntityID: "c-1"},
		Data:     map[string]any{"name": "Acme"},
		Metadata: schema.Metadata{Timestamp: time.Now().UTC().Add(-time.Minute), Version: "1.0"},
		Delivery: schema.DeliveryPolicy{Persistent: true, MaxRetries: 3},
	}
}

func TestEventStoreLifecycle(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.New(testPool)

	event := newEvent(schema.NewEventID())
	require.NoError(t, store.Events.StoreEvent(ctx, event))
	require.NoError(t, store.Events.StoreEvent(ctx, event), "storing twice is idempotent")

	record, err := store.Events.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, record.Status)
	require.Equal(t, schema.PriorityHigh, record.Priority)
	require.Equal(t, schema.ChannelCRM, record.Channel)
	require.Nil(t, record.ProcessedAt)

	decoded, err := record.Event()
	require.NoError(t, err)
	require.Equal(t, "Acme", decoded.Data["name"])

	pending, err := store.Events.ListByStatus(ctx, schema.StatusPending, 0)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	require.NoError(t, store.Events.UpdateRetryCount(ctx, event.ID, 2))
	record, err = store.Events.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, 2, record.RetryCount)
	require.Equal(t, schema.StatusPending, record.Status)
	err = store.Events.UpdateRetryCount(ctx, "evt_missing", 1)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))

	require.NoError(t, store.Events.UpdateEventStatus(ctx, event.ID, schema.StatusProcessed))
	record, err = store.Events.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusProcessed, record.Status)
	require.NotNil(t, record.ProcessedAt)

	err = store.Events.UpdateEventStatus(ctx, "evt_missing", schema.StatusProcessed)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	_, err = store.Events.GetEvent(ctx, "evt_missing")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))

	purged, err := store.Events.PurgeProcessedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, int64(1))
	_, err = store.Events.GetEvent(ctx, event.ID)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestDeadLetterStoreLifecycle(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.New(testPool)

	event := newEvent(schema.NewEventID())
	failedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.DeadLetters.DeadLetter(ctx, schema.DeadLetter{
		Event: event, Reason: "handler failed", Attempts: 3, FailedAt: failedAt,
	}))
	require.NoError(t, store.DeadLetters.DeadLetter(ctx, schema.DeadLetter{
		Event: event, Reason: "handler failed again", Attempts: 4, FailedAt: failedAt.Add(time.Second),
	}))

	entry, err := store.DeadLetters.GetDeadLetter(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, "handler failed again", entry.Reason)
	require.Equal(t, 4, entry.Attempts)
	require.Equal(t, event.ID, entry.Event.ID)

	entries, err := store.DeadLetters.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.NoError(t, store.DeadLetters.RemoveDeadLetter(ctx, event.ID))
	err = store.DeadLetters.RemoveDeadLetter(ctx, event.ID)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}
