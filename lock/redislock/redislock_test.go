package redislock

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
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

func getLock(t *testing.T) *Lock {
	t.Helper()
	if testRedisClient == nil && !skipRedisTests {
		setupRedis()
	}
	if skipRedisTests {
		t.Skip("docker not available, skipping redis lock test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return New(testRedisClient)
}

func TestAcquireDeniesConcurrentOwner(t *testing.T) {
	l := getLock(t)
	ctx := context.Background()

	acquired, err := l.Acquire(ctx, "reaper", "instance-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = l.Acquire(ctx, "reaper", "instance-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestReleaseByNonOwnerFails(t *testing.T) {
	l := getLock(t)
	ctx := context.Background()

	acquired, err := l.Acquire(ctx, "reaper", "instance-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	released, err := l.Release(ctx, "reaper", "instance-b")
	require.NoError(t, err)
	require.False(t, released)

	acquired, err = l.Acquire(ctx, "reaper", "instance-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestReleaseByOwnerThenReacquire(t *testing.T) {
	l := getLock(t)
	ctx := context.Background()

	acquired, err := l.Acquire(ctx, "reaper", "instance-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	released, err := l.Release(ctx, "reaper", "instance-a")
	require.NoError(t, err)
	require.True(t, released)

	acquired, err = l.Acquire(ctx, "reaper", "instance-b", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestExtendByNonOwnerFails(t *testing.T) {
	l := getLock(t)
	ctx := context.Background()

	acquired, err := l.Acquire(ctx, "reaper", "instance-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	extended, err := l.Extend(ctx, "reaper", "instance-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, extended)
}
