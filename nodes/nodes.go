// Package nodes defines the Node Registry contract: node identity, declared
// capacity, live status, and heartbeat timestamp. A node is live for
// scheduling purposes only while active and within the heartbeat timeout;
// draining nodes stay live for run completion but are never chosen as a
// scheduling target.
package nodes

import (
	"context"
	"time"

	"github.com/fleetrun/core/types"
)

// DefaultHeartbeatTimeout is the heartbeat timeout used by
// scheduler.DefaultConfig and DefaultReaperConfig.
const DefaultHeartbeatTimeout = 60 * time.Second

// Registry is the abstract capability set every node registry
// implementation (memory, replicated) satisfies.
type Registry interface {
	// Register is idempotent on nodeID: re-registering replaces metadata and
	// capacity, resets status to active, and zeros the active-run count.
	Register(ctx context.Context, nodeID string, metadata map[string]string, capacity types.Capacity) (types.Node, error)
	// Heartbeat updates status and refreshes the heartbeat timestamp.
	Heartbeat(ctx context.Context, nodeID string, status types.NodeStatus) (types.Node, bool, error)
	// ListNodes returns every registered node.
	ListNodes(ctx context.Context) ([]types.Node, error)
	// Delete deregisters nodeID, returning false if it was not registered.
	Delete(ctx context.Context, nodeID string) (bool, error)
}

// LiveNodes filters nodes to those eligible as scheduling targets: active
// state and a fresh heartbeat.
func LiveNodes(all []types.Node, now time.Time, timeout time.Duration) []types.Node {
	var live []types.Node
	for _, n := range all {
		if n.Live(now, timeout) {
			live = append(live, n)
		}
	}
	return live
}
