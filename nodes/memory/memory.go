// Package memory provides an in-process Node Registry backed by a map and
// mutex; liveness is computed from each node's heartbeat timestamp.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fleetrun/core/types"
)

// Registry is an in-memory nodes.Registry.
type Registry struct {
	mu      sync.Mutex
	nodes   map[string]types.Node
	nowFunc func() time.Time
}

// New constructs an empty in-memory Registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]types.Node), nowFunc: time.Now}
}

func (r *Registry) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

func (r *Registry) Register(_ context.Context, nodeID string, metadata map[string]string, capacity types.Capacity) (types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

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
	r.nodes[nodeID] = n
	return n, nil
}

func (r *Registry) Heartbeat(_ context.Context, nodeID string, status types.NodeStatus) (types.Node, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return types.Node{}, false, nil
	}
	n.Status = status
	n.LastHeartbeat = r.now()
	r.nodes[nodeID] = n
	return n, true, nil
}

func (r *Registry) ListNodes(_ context.Context) ([]types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (r *Registry) Delete(_ context.Context, nodeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	return ok, nil
}
