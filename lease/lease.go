// Package lease defines the Lease Registry contract: TTL-bounded ownership
// records keyed by run id, with atomic acquire/release/extend. At most one
// active (non-expired) lease exists per run id at any instant; expiry is
// authoritative even if physical removal lags.
package lease

import (
	"context"
	"time"

	"github.com/fleetrun/core/types"
)

// Registry is the abstract capability set every lease store implementation
// (memory, redis) satisfies, so callers can swap backends without touching
// call sites.
type Registry interface {
	// AcquireLease grants a lease for runId to nodeId for ttl, succeeding
	// only if no active lease currently exists for runId.
	AcquireLease(ctx context.Context, runID, nodeID string, ttl time.Duration) (bool, error)
	// ReleaseLease unconditionally removes any active lease for runId.
	ReleaseLease(ctx context.Context, runID string) (bool, error)
	// GetLease returns the active lease for runID, or (types.Lease{}, false,
	// nil) if none exists or it has expired.
	GetLease(ctx context.Context, runID string) (types.Lease, bool, error)
	// ExtendLease extends the TTL of runID's active lease by additional. A
	// no-op returning false if the lease is missing or already expired.
	ExtendLease(ctx context.Context, runID string, additional time.Duration) (bool, error)
}
