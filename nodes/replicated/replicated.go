// Package replicated provides a Node Registry backed by goa.design/pulse/rmap,
// a Redis-backed replicated map. Every control-plane instance observes node
// state without a network round trip, mirroring the teacher's multi-instance
// registry clustering model (registry.Registry's healthMap/registryMap).
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/fleetrun/core/types"
)

// Registry is a pulse rmap-backed nodes.Registry.
type Registry struct {
	nodeMap *rmap.Map
	nowFunc func() time.Time
}

// Join joins (or creates) the replicated node map named mapName over redis.
func Join(ctx context.Context, mapName string, redis *goredis.Client) (*Registry, error) {
	m, err := rmap.Join(ctx, mapName, redis)
	if err != nil {
		return nil, fmt.Errorf("join node map %q: %w", mapName, err)
	}
	return &Registry{nodeMap: m, nowFunc: time.Now}, nil
}

func (r *Registry) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

func (r *Registry) Register(ctx context.Context, nodeID string, metadata map[string]string, capacity types.Capacity) (types.Node, error) {
	n := types.Node{
		ID:       nodeID,
		Metadata: metadata,
		Capacity: capacity,
		Status: types.NodeStatus{
			State:          types.NodeActive,
			ActiveRuns:     0,
			AvailableSlots: capacity.Slots,
		},
		LastHeartbeat: r.now(),
	}
	if err := r.put(ctx, n); err != nil {
		return types.Node{}, err
	}
	return n, nil
}

func (r *Registry) Heartbeat(ctx context.Context, nodeID string, status types.NodeStatus) (types.Node, bool, error) {
	n, ok, err := r.get(nodeID)
	if err != nil || !ok {
		return types.Node{}, false, err
	}
	n.Status = status
	n.LastHeartbeat = r.now()
	if err := r.put(ctx, n); err != nil {
		return types.Node{}, false, err
	}
	return n, true, nil
}

func (r *Registry) ListNodes(_ context.Context) ([]types.Node, error) {
	keys := r.nodeMap.Keys()
	out := make([]types.Node, 0, len(keys))
	for _, k := range keys {
		n, ok, err := r.get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *Registry) Delete(ctx context.Context, nodeID string) (bool, error) {
	if _, ok := r.nodeMap.Get(nodeID); !ok {
		return false, nil
	}
	if _, err := r.nodeMap.Delete(ctx, nodeID); err != nil {
		return false, fmt.Errorf("delete node %q: %w", nodeID, err)
	}
	return true, nil
}

func (r *Registry) put(ctx context.Context, n types.Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if _, err := r.nodeMap.Set(ctx, n.ID, string(raw)); err != nil {
		return fmt.Errorf("set node %q: %w", n.ID, err)
	}
	return nil
}

func (r *Registry) get(nodeID string) (types.Node, bool, error) {
	raw, ok := r.nodeMap.Get(nodeID)
	if !ok {
		return types.Node{}, false, nil
	}
	var n types.Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return types.Node{}, false, fmt.Errorf("decode node %q: %w", nodeID, err)
	}
	return n, true, nil
}
