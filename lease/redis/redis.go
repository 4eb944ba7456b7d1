// Package redis is a Lease Registry backed by github.com/redis/go-redis/v9.
// Acquire uses SET key val NX PX ttl for an atomic set-if-absent-with-TTL.
// Release is an unconditional DEL run as a Lua script. Extend reads the
// lease with a client-side GET, then rewrites it in a Lua script that first
// checks on the server that the key still holds the same lease id, so a
// release and re-acquire in between makes the extend a no-op.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetrun/core/types"
)

const keyPrefix = "fleetrun:lease:"

// releaseScript deletes the key unconditionally, returning 1 if a key was
// removed and 0 otherwise, matching ReleaseLease's unconditional contract.
var releaseScript = goredis.NewScript(`
return redis.call("DEL", KEYS[1])
`)

// extendScript extends the TTL of KEYS[1] by ARGV[1] milliseconds only if
// the key currently exists (i.e. the lease has not already expired) and its
// stored lease id equals ARGV[3], and rewrites the stored payload's
// expiresAt so GetLease reflects it.
var extendScript = goredis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
if cjson.decode(raw)["leaseId"] ~= ARGV[3] then
  return 0
end
local pttl = redis.call("PTTL", KEYS[1])
if pttl < 0 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", pttl + tonumber(ARGV[1]))
return 1
`)

// Registry is a Redis-backed lease.Registry.
type Registry struct {
	client *goredis.Client
}

// New constructs a Registry using client for storage.
func New(client *goredis.Client) *Registry {
	return &Registry{client: client}
}

func key(runID string) string {
	return keyPrefix + runID
}

type payload struct {
	LeaseID    string    `json:"leaseId"`
	NodeID     string    `json:"nodeId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (p payload) toLease(runID string) types.Lease {
	return types.Lease{
		RunID:      runID,
		LeaseID:    p.LeaseID,
		NodeID:     p.NodeID,
		AcquiredAt: p.AcquiredAt,
		ExpiresAt:  p.ExpiresAt,
	}
}

func (r *Registry) AcquireLease(ctx context.Context, runID, nodeID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	p := payload{
		LeaseID:    uuid.NewString(),
		NodeID:     nodeID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, key(runID), raw, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Registry) ReleaseLease(ctx context.Context, runID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key(runID)}).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Registry) GetLease(ctx context.Context, runID string) (types.Lease, bool, error) {
	raw, err := r.client.Get(ctx, key(runID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return types.Lease{}, false, nil
	}
	if err != nil {
		return types.Lease{}, false, err
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.Lease{}, false, err
	}
	return p.toLease(runID), true, nil
}

func (r *Registry) ExtendLease(ctx context.Context, runID string, additional time.Duration) (bool, error) {
	existing, ok, err := r.GetLease(ctx, runID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	existing.ExpiresAt = existing.ExpiresAt.Add(additional)
	p := payload{
		LeaseID:    existing.LeaseID,
		NodeID:     existing.NodeID,
		AcquiredAt: existing.AcquiredAt,
		ExpiresAt:  existing.ExpiresAt,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	n, err := extendScript.Run(ctx, r.client, []string{key(runID)}, additional.Milliseconds(), raw, existing.LeaseID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
