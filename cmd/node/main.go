// Command node runs a fleetrun worker node: it registers with the control
// plane's REST gateway, heartbeats its capacity on a timer, and drains its
// Pull stream via the Node Lease Loop, executing leased runs with the
// configured Executor.
//
// # Configuration
//
// See config.LoadNode for the full set of environment variables.
//
// # Example
//
//	FLEETRUN_NODE_ID=node-1 FLEETRUN_CONTROL_PLANE_ADDR=localhost:9090 go run ./cmd/node
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fleetrun/core/config"
	"github.com/fleetrun/core/leasestream"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
	"github.com/fleetrun/core/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadNode()
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()
	}

	tel := telemetry.Bundle{
		Log:     telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	conn, err := grpc.NewClient(cfg.ControlPlaneAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial control plane %s: %w", cfg.ControlPlaneAddr, err)
	}
	defer conn.Close()

	reg := &restRegistrar{baseURL: cfg.ControlPlaneRESTAddr(), httpClient: &http.Client{Timeout: 5 * time.Second}}
	capacity := types.Capacity{Slots: cfg.Slots}
	metadata := map[string]string{"region": cfg.Region, "environment": cfg.Environment}
	if err := reg.register(ctx, cfg.NodeID, metadata, capacity); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	client := leasestream.NewClient(conn)
	loop := worker.NewLoop(client, worker.EchoExecutor{}, worker.Config{
		NodeID:              cfg.NodeID,
		MaxConcurrentLeases: cfg.MaxConcurrentLeases,
		ReconnectCap:        cfg.ReconnectCap,
	}, tel)
	go reg.heartbeatLoop(ctx, cfg.NodeID, loop, tel)

	tel.Log.Info(ctx, "node starting", "nodeId", cfg.NodeID, "controlPlane", cfg.ControlPlaneAddr)
	loop.Run(ctx)
	tel.Log.Info(context.Background(), "node shut down", "nodeId", cfg.NodeID)
	return nil
}

// restRegistrar registers and heartbeats this node against the control
// plane's REST gateway (api.Server), rather than duplicating that logic
// over gRPC: the Lease Stream Service's gRPC surface is limited to
// Pull/Ack/Complete/Fail by design.
type restRegistrar struct {
	baseURL    string
	httpClient *http.Client
}

func (r *restRegistrar) register(ctx context.Context, nodeID string, metadata map[string]string, capacity types.Capacity) error {
	body, _ := json.Marshal(map[string]any{
		"nodeId":   nodeID,
		"metadata": metadata,
		"capacity": capacity,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/nodes:register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *restRegistrar) heartbeatLoop(ctx context.Context, nodeID string, loop *worker.Loop, tel telemetry.Bundle) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := types.NodeStatus{
				State:          types.NodeActive,
				AvailableSlots: loop.AvailableSlots(),
				ActiveRuns:     loop.InFlight(),
			}
			if err := r.heartbeat(ctx, nodeID, status); err != nil {
				tel.Log.Warn(ctx, "heartbeat failed", "nodeId", nodeID, "err", err.Error())
			}
		}
	}
}

func (r *restRegistrar) heartbeat(ctx context.Context, nodeID string, status types.NodeStatus) error {
	body, _ := json.Marshal(status)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/nodes/"+nodeID+":heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}
