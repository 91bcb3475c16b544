//go:build integration

package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/coreflow/internal/infra/persistence/migrations"
)

func TestSQLSinkRecordsActivity(t *testing.T) {
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
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/coreflow?sslmode=disable", host, port.Port())

	require.Eventually(t, func() bool {
		return migrations.Apply(ctx, dsn, migrations.EmbeddedDir, nil) == nil
	}, 20*time.Second, 500*time.Millisecond)

	sink, err := OpenSQLSink(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	require.NoError(t, sink.LogActivity(ctx, sampleActivity()))
	recent, err := sink.Recent(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "evt_1", recent[0].EntityID)
	require.Equal(t, "CRM", recent[0].Metadata["channel"])
}
