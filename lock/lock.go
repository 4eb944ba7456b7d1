// Package lock defines the Distributed Lock contract: an owner-scoped TTL
// lock coordinating multiple control-plane instances (reaper election,
// periodic jobs). Only the recorded owner may release or extend.
package lock

import (
	"context"
	"time"
)

// Lock is the abstract capability set every distributed lock implementation
// satisfies.
type Lock interface {
	// Acquire grants the lock under key to owner for ttl, succeeding only
	// if no other owner currently holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release removes the lock under key, but only if owner is still the
	// recorded holder.
	Release(ctx context.Context, key, owner string) (bool, error)
	// Extend extends the TTL of the lock under key by additional, but only
	// if owner is still the recorded holder.
	Extend(ctx context.Context, key, owner string, additional time.Duration) (bool, error)
}
