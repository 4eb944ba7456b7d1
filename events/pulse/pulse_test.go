package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

var (
	testRedisClient *goredis.Client
	skipRedisTests  bool
)

func setupRedis() {
	ctx := context.Background()

	var containerErr error
	var container testcontainers.Container
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
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipRedisTests = true
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		skipRedisTests = true
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		skipRedisTests = true
		return
	}

	testRedisClient = goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := testRedisClient.Ping(ctx).Err(); err != nil {
		skipRedisTests = true
	}
}

func getPublisher(t *testing.T, streamName string) *Publisher {
	t.Helper()
	if testRedisClient == nil && !skipRedisTests {
		setupRedis()
	}
	if skipRedisTests {
		t.Skip("docker not available, skipping pulse event publisher test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	tel := telemetry.Bundle{Log: telemetry.NewNoopLogger(), Metrics: telemetry.NewNoopMetrics(), Tracer: telemetry.NewNoopTracer()}
	return NewPublisher(testRedisClient, streamName, tel)
}

func TestInitializeIsIdempotent(t *testing.T) {
	pub := getPublisher(t, "test-events-1")
	ctx := context.Background()

	require.NoError(t, pub.Initialize(ctx))
	require.NoError(t, pub.Initialize(ctx))
}

func TestPublishWithoutInitializeDoesNotError(t *testing.T) {
	pub := getPublisher(t, "test-events-2")
	err := pub.Publish(context.Background(), types.Event{ID: "evt-1", Kind: types.EventRunStateChanged})
	require.NoError(t, err)
}

func TestPublishThenConsumeViaSink(t *testing.T) {
	pub := getPublisher(t, "test-events-3")
	ctx := context.Background()
	require.NoError(t, pub.Initialize(ctx))

	sink, err := pub.NewSink(ctx, "test-consumer")
	require.NoError(t, err)
	defer sink.Close(ctx)

	event := types.Event{ID: "evt-2", Kind: types.EventRunStateChanged, Payload: map[string]any{"runId": "run-1"}}
	require.NoError(t, pub.Publish(ctx, event))

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	events := sink.Subscribe()
	select {
	case ev, ok := <-events:
		require.True(t, ok)
		var decoded types.Event
		require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
		require.Equal(t, "evt-2", decoded.ID)
		require.NoError(t, sink.Ack(ctx, ev))
	case <-timeoutCtx.Done():
		t.Fatal("context done before event delivered")
	}
}
