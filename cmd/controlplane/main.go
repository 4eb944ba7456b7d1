// Command controlplane runs the fleetrun control plane: the Lease Stream
// Service over gRPC, the REST gateway, the scheduler's dispatch loop, and
// the periodic node reaper, all wired from environment configuration.
//
// # Configuration
//
// See config.LoadControlPlane for the full set of environment variables;
// the most load-bearing are REDIS_URL (leases, locks, event stream,
// replicated node registry) and, when USE_MONGO_RUN_STORE=true, MONGO_URI.
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/controlplane
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"google.golang.org/grpc"

	"github.com/fleetrun/core/api"
	"github.com/fleetrun/core/config"
	"github.com/fleetrun/core/events"
	"github.com/fleetrun/core/events/pulse"
	"github.com/fleetrun/core/lease"
	leaseredis "github.com/fleetrun/core/lease/redis"
	memorylease "github.com/fleetrun/core/lease/memory"
	"github.com/fleetrun/core/leasestream"
	"github.com/fleetrun/core/lock"
	memorylock "github.com/fleetrun/core/lock/memory"
	"github.com/fleetrun/core/lock/redislock"
	"github.com/fleetrun/core/nodes"
	memorynodes "github.com/fleetrun/core/nodes/memory"
	"github.com/fleetrun/core/nodes/replicated"
	"github.com/fleetrun/core/run"
	memoryrun "github.com/fleetrun/core/run/memory"
	mongorun "github.com/fleetrun/core/run/mongo"
	"github.com/fleetrun/core/scheduler"
	"github.com/fleetrun/core/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadControlPlane(os.Getenv("FLEETRUN_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel := telemetry.Bundle{
		Log:     telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	var rdb *goredis.Client
	if cfg.UseRedisLeases || cfg.UseReplicatedNodes {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	leases, err := buildLeaseRegistry(cfg, rdb)
	if err != nil {
		return err
	}

	runs, closeRuns, err := buildRunStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRuns()

	nodeRegistry, err := buildNodeRegistry(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	var eventBus events.Publisher = events.Noop{}
	if rdb != nil {
		pub := pulse.NewPublisher(rdb, cfg.EventStreamName, tel)
		if err := pub.Initialize(ctx); err != nil {
			// Per the event bus's durability open question, a stream that
			// cannot be created at startup must not block the control
			// plane; it simply runs with events discarded until restarted
			// against a reachable Redis.
			tel.Log.Warn(ctx, "event stream initialize failed, continuing without durable events", "err", err.Error())
		} else {
			eventBus = pub
		}
	}

	var distLock lock.Lock
	if rdb != nil {
		distLock = redislock.New(rdb)
	} else {
		distLock = memorylock.New()
	}

	sched := scheduler.New(runs, leases, nodeRegistry, scheduler.Config{
		LeaseTTL:             cfg.LeaseTTL,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		ContentionRetryLimit: cfg.ContentionRetryLimit,
	}, tel)
	sched.SetEvents(eventBus)
	go scheduler.RunDispatchLoop(ctx, sched, scheduler.DefaultDispatchInterval)

	ownerID := uuid.NewString()
	go nodes.RunReaper(ctx, nodeRegistry, distLock, nodes.ReaperConfig{
		Interval:         cfg.ReaperInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		LockTTL:          cfg.ReaperLockTTL,
		OwnerID:          ownerID,
	}, tel)

	leaseSvc := leasestream.NewService(runs, leases, leasestream.Config{
		PollInterval: leasestream.DefaultPollInterval,
		MaxAttempts:  cfg.MaxAttempts,
	}, tel)
	leaseSvc.SetEvents(eventBus)

	grpcServer := grpc.NewServer()
	leasestream.RegisterService(grpcServer, leaseSvc)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	go func() {
		tel.Log.Info(ctx, "starting grpc server", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			tel.Log.Error(ctx, "grpc server stopped", "err", err.Error())
		}
	}()

	restServer := api.NewServer(runs, nodeRegistry, sched, tel)
	httpServer := &http.Server{Addr: cfg.RESTAddr, Handler: restServer.Handler()}
	go func() {
		tel.Log.Info(ctx, "starting rest gateway", "addr", cfg.RESTAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tel.Log.Error(ctx, "rest server stopped", "err", err.Error())
		}
	}()

	<-ctx.Done()
	tel.Log.Info(context.Background(), "shutting down control plane")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		tel.Log.Warn(shutdownCtx, "rest shutdown error", "err", err.Error())
	}
	return nil
}

func buildLeaseRegistry(cfg config.ControlPlane, rdb *goredis.Client) (lease.Registry, error) {
	if cfg.UseRedisLeases {
		if rdb == nil {
			return nil, errors.New("use redis leases requires a redis connection")
		}
		return leaseredis.New(rdb), nil
	}
	return memorylease.New(), nil
}

func buildRunStore(ctx context.Context, cfg config.ControlPlane) (run.Store, func(), error) {
	if !cfg.UseMongoRunStore {
		return memoryrun.New(), func() {}, nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	collection := client.Database(cfg.MongoDB).Collection("runs")
	closeFn := func() {
		_ = client.Disconnect(context.Background())
	}
	return mongorun.New(collection), closeFn, nil
}

func buildNodeRegistry(ctx context.Context, cfg config.ControlPlane, rdb *goredis.Client) (nodes.Registry, error) {
	if !cfg.UseReplicatedNodes {
		return memorynodes.New(), nil
	}
	if rdb == nil {
		return nil, errors.New("use replicated nodes requires a redis connection")
	}
	return replicated.Join(ctx, "fleetrun-nodes", rdb)
}
