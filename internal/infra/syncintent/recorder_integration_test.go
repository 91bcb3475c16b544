//go:build integration

package syncintent

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisRecorderRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	recorder := NewRedisRecorder(client, "test:intents:", 2)

	for _, id := range []string{"a", "b", "c"} {
		intent := baseIntent(moduleSyncEvent(nil))
		intent.ID = id
		require.NoError(t, recorder.Record(ctx, intent))
	}
	pending, err := recorder.Pending(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "b", pending[0].ID)
	require.Equal(t, "c", pending[1].ID)
}
