package nodes

import (
	"context"
	"time"

	"github.com/fleetrun/core/lock"
	"github.com/fleetrun/core/telemetry"
)

// ReaperLockKey is the distributed lock key guarding the periodic reaper so
// only one control-plane instance deletes stale nodes at a time.
const ReaperLockKey = "fleetrun:reaper:nodes"

// ReaperConfig tunes the reaper loop.
type ReaperConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	LockTTL          time.Duration
	OwnerID          string
}

// DefaultReaperConfig returns sensible defaults for ownerID.
func DefaultReaperConfig(ownerID string) ReaperConfig {
	return ReaperConfig{
		Interval:         30 * time.Second,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		LockTTL:          20 * time.Second,
		OwnerID:          ownerID,
	}
}

// RunReaper periodically deletes nodes whose heartbeat has exceeded the
// configured timeout, guarded by l so that only one control-plane instance
// performs the sweep at a time. It blocks until ctx is cancelled.
func RunReaper(ctx context.Context, registry Registry, l lock.Lock, cfg ReaperConfig, tel telemetry.Bundle) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, registry, l, cfg, tel)
		}
	}
}

func sweepOnce(ctx context.Context, registry Registry, l lock.Lock, cfg ReaperConfig, tel telemetry.Bundle) {
	acquired, err := l.Acquire(ctx, ReaperLockKey, cfg.OwnerID, cfg.LockTTL)
	if err != nil {
		tel.Log.Warn(ctx, "reaper lock acquire failed", "err", err.Error())
		return
	}
	if !acquired {
		return // another instance is reaping this cycle
	}
	defer func() { _, _ = l.Release(ctx, ReaperLockKey, cfg.OwnerID) }()

	all, err := registry.ListNodes(ctx)
	if err != nil {
		tel.Log.Warn(ctx, "reaper list nodes failed", "err", err.Error())
		return
	}

	now := time.Now()
	for _, n := range all {
		if now.Sub(n.LastHeartbeat) <= cfg.HeartbeatTimeout {
			continue
		}
		if _, err := registry.Delete(ctx, n.ID); err != nil {
			tel.Log.Warn(ctx, "reaper delete node failed", "nodeId", n.ID, "err", err.Error())
			continue
		}
		tel.Log.Info(ctx, "reaped stale node", "nodeId", n.ID)
		tel.Metrics.IncCounter("nodes_reaped_total", 1)
	}
}
