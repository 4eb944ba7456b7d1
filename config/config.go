// Package config loads the control plane's and node's runtime configuration
// from the environment, in the style of the teacher's own
// registry/cmd/registry/main.go: plain envOr/envDurationOr/envIntOr helpers
// with no config framework. An optional YAML file can seed the same fields
// for local development, since gopkg.in/yaml.v3 is already part of the
// stack for other config surfaces.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetrun/core/leasestream"
	"github.com/fleetrun/core/worker"
)

// ControlPlane holds every environment-tunable knob for the scheduler,
// control-plane gRPC/REST listeners, and the backing stores.
type ControlPlane struct {
	GRPCAddr string `yaml:"grpcAddr"`
	RESTAddr string `yaml:"restAddr"`

	RedisURL      string `yaml:"redisUrl"`
	RedisPassword string `yaml:"redisPassword"`

	MongoURI string `yaml:"mongoUri"`
	MongoDB  string `yaml:"mongoDatabase"`

	EventStreamName string `yaml:"eventStreamName"`

	LeaseTTL             time.Duration `yaml:"leaseTtl"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeatTimeout"`
	ContentionRetryLimit int           `yaml:"contentionRetryLimit"`

	// MaxAttempts is how many retryable failures the Lease Stream Service
	// re-queues a run for; the next failure after that transitions it to
	// failed instead of being re-queued.
	MaxAttempts int `yaml:"maxAttempts"`

	ReaperInterval time.Duration `yaml:"reaperInterval"`
	ReaperLockTTL  time.Duration `yaml:"reaperLockTtl"`

	UseReplicatedNodes bool `yaml:"useReplicatedNodes"`
	UseMongoRunStore   bool `yaml:"useMongoRunStore"`
	UseRedisLeases     bool `yaml:"useRedisLeases"`
}

// LoadControlPlane reads environment variables, applying defaults for
// anything unset. If path is non-empty, the YAML file at path is loaded
// first and then overridden by any environment variable that is set.
func LoadControlPlane(path string) (ControlPlane, error) {
	cfg := ControlPlane{
		GRPCAddr:             ":9090",
		RESTAddr:             ":8080",
		RedisURL:             "localhost:6379",
		MongoURI:             "mongodb://localhost:27017",
		MongoDB:              "fleetrun",
		EventStreamName:      "fleetrun-events",
		LeaseTTL:             30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		ContentionRetryLimit: 16,
		MaxAttempts:          leasestream.DefaultMaxAttempts,
		ReaperInterval:       30 * time.Second,
		ReaperLockTTL:        10 * time.Second,
	}

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return ControlPlane{}, err
		}
	}

	cfg.GRPCAddr = envOr("FLEETRUN_GRPC_ADDR", cfg.GRPCAddr)
	cfg.RESTAddr = envOr("FLEETRUN_REST_ADDR", cfg.RESTAddr)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MongoURI = envOr("MONGO_URI", cfg.MongoURI)
	cfg.MongoDB = envOr("MONGO_DATABASE", cfg.MongoDB)
	cfg.EventStreamName = envOr("EVENT_STREAM_NAME", cfg.EventStreamName)
	cfg.LeaseTTL = envDurationOr("LEASE_TTL", cfg.LeaseTTL)
	cfg.HeartbeatTimeout = envDurationOr("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.ContentionRetryLimit = envIntOr("CONTENTION_RETRY_LIMIT", cfg.ContentionRetryLimit)
	cfg.MaxAttempts = envIntOr("LEASE_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.ReaperInterval = envDurationOr("REAPER_INTERVAL", cfg.ReaperInterval)
	cfg.ReaperLockTTL = envDurationOr("REAPER_LOCK_TTL", cfg.ReaperLockTTL)
	cfg.UseReplicatedNodes = envBoolOr("USE_REPLICATED_NODES", cfg.UseReplicatedNodes)
	cfg.UseMongoRunStore = envBoolOr("USE_MONGO_RUN_STORE", cfg.UseMongoRunStore)
	cfg.UseRedisLeases = envBoolOr("USE_REDIS_LEASES", cfg.UseRedisLeases)

	return cfg, nil
}

// Node holds the environment-tunable knobs for the node lease loop binary.
type Node struct {
	NodeID              string        `yaml:"nodeId"`
	ControlPlaneAddr    string        `yaml:"controlPlaneAddr"`
	ControlPlaneREST    string        `yaml:"controlPlaneRestAddr"`
	Region              string        `yaml:"region"`
	Environment         string        `yaml:"environment"`
	Slots               int           `yaml:"slots"`
	MaxConcurrentLeases int           `yaml:"maxConcurrentLeases"`
	ReconnectCap        time.Duration `yaml:"reconnectCap"`
}

// ControlPlaneRESTAddr returns the base URL of the control plane's REST
// gateway, used for node registration and heartbeats.
func (n Node) ControlPlaneRESTAddr() string {
	return n.ControlPlaneREST
}

// LoadNode reads environment variables for the node binary, applying
// defaults for anything unset.
func LoadNode() Node {
	return Node{
		NodeID:              envOr("FLEETRUN_NODE_ID", ""),
		ControlPlaneAddr:    envOr("FLEETRUN_CONTROL_PLANE_ADDR", "localhost:9090"),
		ControlPlaneREST:    envOr("FLEETRUN_CONTROL_PLANE_REST_ADDR", "http://localhost:8080"),
		Region:              envOr("FLEETRUN_NODE_REGION", ""),
		Environment:         envOr("FLEETRUN_NODE_ENVIRONMENT", ""),
		Slots:               envIntOr("FLEETRUN_NODE_SLOTS", 4),
		MaxConcurrentLeases: envIntOr("FLEETRUN_NODE_MAX_LEASES", 4),
		ReconnectCap:        envDurationOr("FLEETRUN_NODE_RECONNECT_CAP", worker.DefaultReconnectCap),
	}
}

func loadYAML(path string, cfg *ControlPlane) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
