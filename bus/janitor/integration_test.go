package janitor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"goa.design/pulse/pool"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func addEntry(t *testing.T, rdb *redis.Client, key, id string) {
	t.Helper()
	err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: key,
		ID:     id,
		Values: map[string]any{"event": "action", "payload": "{}"},
	}).Err()
	require.NoError(t, err)
}

func TestIntegrationSweepDeletesIdleStreams(t *testing.T) {
	ctx := context.Background()
	rdb := getRedis(t)

	// One stream last touched at ms 1000, one touched now.
	addEntry(t, rdb, "pulse:stream:commands:room-old", "1000-0")
	addEntry(t, rdb, "pulse:stream:state:room-old", "1000-0")
	addEntry(t, rdb, "pulse:stream:commands:room-live", fmt.Sprintf("%d-0", time.Now().UnixMilli()))
	// Keys outside the sweep patterns are never touched.
	addEntry(t, rdb, "pulse:stream:other:room-old", "1000-0")

	j, err := New(Options{Redis: rdb, IdleTTL: time.Hour})
	require.NoError(t, err)

	swept, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	assert.Equal(t, int64(0), rdb.Exists(ctx, "pulse:stream:commands:room-old").Val())
	assert.Equal(t, int64(0), rdb.Exists(ctx, "pulse:stream:state:room-old").Val())
	assert.Equal(t, int64(1), rdb.Exists(ctx, "pulse:stream:commands:room-live").Val())
	assert.Equal(t, int64(1), rdb.Exists(ctx, "pulse:stream:other:room-old").Val())

	// A second pass finds nothing.
	swept, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestIntegrationRunSweepsOnTicker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb := getRedis(t)

	addEntry(t, rdb, "pulse:stream:commands:room-old", "1000-0")

	node, err := pool.AddNode(ctx, "janitor-"+t.Name(), rdb,
		pool.WithWorkerTTL(time.Second),
		pool.WithWorkerShutdownTTL(2*time.Second),
		pool.WithJobSinkBlockDuration(100*time.Millisecond),
	)
	require.NoError(t, err)
	defer func() { _ = node.Close(context.Background()) }()

	j, err := New(Options{
		Redis:         rdb,
		Node:          node,
		IdleTTL:       time.Hour,
		SweepInterval: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool {
		return rdb.Exists(context.Background(), "pulse:stream:commands:room-old").Val() == 0
	}, 15*time.Second, 100*time.Millisecond, "janitor did not sweep the idle stream")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop on cancellation")
	}
}
