// Package memory provides an in-process Lease Registry backed by a mutex
// and per-key expiry timestamps, for tests and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrun/core/types"
)

type entry struct {
	lease   types.Lease
	expires time.Time
}

// Registry is an in-memory lease.Registry. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.Mutex
	leases  map[string]entry
	nowFunc func() time.Time
}

// New constructs an empty in-memory Registry.
func New() *Registry {
	return &Registry{
		leases:  make(map[string]entry),
		nowFunc: time.Now,
	}
}

func (r *Registry) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

func (r *Registry) AcquireLease(_ context.Context, runID, nodeID string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.leases[runID]; ok && now.Before(e.expires) {
		return false, nil
	}

	r.leases[runID] = entry{
		lease: types.Lease{
			RunID:      runID,
			LeaseID:    uuid.NewString(),
			NodeID:     nodeID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		},
		expires: now.Add(ttl),
	}
	return true, nil
}

func (r *Registry) ReleaseLease(_ context.Context, runID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.leases[runID]
	delete(r.leases, runID)
	return ok, nil
}

func (r *Registry) GetLease(_ context.Context, runID string) (types.Lease, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.leases[runID]
	if !ok || !r.now().Before(e.expires) {
		return types.Lease{}, false, nil
	}
	return e.lease, true, nil
}

func (r *Registry) ExtendLease(_ context.Context, runID string, additional time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.leases[runID]
	if !ok || !r.now().Before(e.expires) {
		return false, nil
	}
	e.expires = e.expires.Add(additional)
	e.lease.ExpiresAt = e.expires
	r.leases[runID] = e
	return true, nil
}
