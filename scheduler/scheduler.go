// Package scheduler implements least-loaded placement with hard placement
// constraints, capacity accounting, and tie-breaking. ScheduleRun picks a
// node, atomically acquires a lease for it, and transitions the run from
// pending to assigned; contention losses are retried internally and never
// surfaced to the caller.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fleetrun/core/events"
	"github.com/fleetrun/core/lease"
	"github.com/fleetrun/core/nodes"
	"github.com/fleetrun/core/run"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

// FailureReason labels why ScheduleRun returned no placement.
type FailureReason string

const (
	ReasonNoActiveNodes   FailureReason = "no_active_nodes"
	ReasonNoEligibleNodes FailureReason = "no_eligible_nodes"
	ReasonNoCapacity      FailureReason = "no_capacity"
)

// Config tunes the scheduler's behavior.
type Config struct {
	// LeaseTTL is the duration granted to a freshly acquired lease.
	LeaseTTL time.Duration
	// HeartbeatTimeout bounds how stale a node's heartbeat may be and still
	// count as live.
	HeartbeatTimeout time.Duration
	// ContentionRetryLimit bounds per-candidate-set iterations of the
	// acquire/retry loop in step 6 of the placement algorithm.
	ContentionRetryLimit int
	// ContentionRateLimit is the rate of the single limiter shared by all
	// ScheduleRun calls on a Scheduler, which every retry after a lost
	// acquisition race waits on, preventing a hot retry loop from starving
	// other scheduling attempts under heavy contention.
	ContentionRateLimit rate.Limit
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:             30 * time.Second,
		HeartbeatTimeout:     nodes.DefaultHeartbeatTimeout,
		ContentionRetryLimit: 16,
		ContentionRateLimit:  50,
	}
}

// Scheduler places pending runs onto live, eligible, available nodes.
type Scheduler struct {
	runs      run.Store
	leases    lease.Registry
	registry  nodes.Registry
	cfg       Config
	telemetry telemetry.Bundle
	events    events.Publisher
	limiter   *rate.Limiter
	nowFunc   func() time.Time
}

// New constructs a Scheduler over the given stores. Event publication
// defaults to a no-op; call SetEvents to wire a durable bus.
func New(runs run.Store, leases lease.Registry, registry nodes.Registry, cfg Config, tel telemetry.Bundle) *Scheduler {
	if cfg.ContentionRetryLimit <= 0 {
		cfg.ContentionRetryLimit = 16
	}
	if cfg.ContentionRateLimit <= 0 {
		cfg.ContentionRateLimit = 50
	}
	return &Scheduler{
		runs:      runs,
		leases:    leases,
		registry:  registry,
		cfg:       cfg,
		telemetry: tel,
		events:    events.Noop{},
		limiter:   rate.NewLimiter(cfg.ContentionRateLimit, 1),
		nowFunc:   time.Now,
	}
}

// SetEvents wires a durable event publisher; runs scheduled after this call
// emit run.state.changed events on successful placement.
func (s *Scheduler) SetEvents(pub events.Publisher) {
	s.events = pub
}

type candidate struct {
	node           types.Node
	loadPct        float64
	availableSlots int
}

// DefaultDispatchInterval is the cadence at which RunDispatchLoop re-scans
// the run store for pending runs left unplaced by a prior attempt (e.g. no
// node had capacity at creation time, or a node was still warming up).
const DefaultDispatchInterval = 3 * time.Second

// RunDispatchLoop periodically lists pending runs and attempts to place
// each of them via ScheduleRun, until ctx is cancelled. Runs that fail to
// place simply remain pending for the next tick. The REST gateway attempts
// an immediate placement on creation; this loop catches up runs that missed
// it and runs put back to pending after a retryable failure.
func RunDispatchLoop(ctx context.Context, s *Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchPending(ctx)
		}
	}
}

func (s *Scheduler) dispatchPending(ctx context.Context) {
	pending, err := s.runs.ListRuns(ctx, types.RunFilter{Status: types.RunPending})
	if err != nil {
		s.telemetry.Log.Warn(ctx, "dispatch loop list pending failed", "err", err.Error())
		return
	}
	for _, r := range pending {
		if _, _, err := s.ScheduleRun(ctx, r, r.Spec.Constraints); err != nil {
			s.telemetry.Log.Warn(ctx, "dispatch loop schedule failed", "runId", r.ID, "err", err.Error())
		}
	}
}

// ScheduleRun attempts to place run per the constraints. It returns the
// assigned node id, or "" with a FailureReason if no placement could be
// made (callers leave the run pending in that case). The reason is empty
// when the run was no longer pending by the time it was placed.
func (s *Scheduler) ScheduleRun(ctx context.Context, r types.Run, constraints types.Constraints) (string, FailureReason, error) {
	start := time.Now()
	s.telemetry.Metrics.IncCounter("scheduling_attempts", 1)
	defer func() {
		s.telemetry.Metrics.RecordTimer("scheduling_duration", time.Since(start))
	}()

	ctx, span := s.telemetry.Tracer.Start(ctx, "scheduler.ScheduleRun")
	defer span.End()

	all, err := s.registry.ListNodes(ctx)
	if err != nil {
		return "", "", err
	}
	live := nodes.LiveNodes(all, s.nowFunc(), s.cfg.HeartbeatTimeout)
	if len(live) == 0 {
		s.telemetry.Metrics.IncCounter("scheduling_failures", 1, "reason", string(ReasonNoActiveNodes))
		return "", ReasonNoActiveNodes, nil
	}

	eligible := filterByConstraints(live, constraints)
	if len(eligible) == 0 {
		s.telemetry.Metrics.IncCounter("scheduling_failures", 1, "reason", string(ReasonNoEligibleNodes))
		return "", ReasonNoEligibleNodes, nil
	}

	candidates := filterByAvailability(eligible)
	if len(candidates) == 0 {
		s.telemetry.Metrics.IncCounter("scheduling_failures", 1, "reason", string(ReasonNoCapacity))
		return "", ReasonNoCapacity, nil
	}

	for attempt := 0; len(candidates) > 0 && attempt < s.cfg.ContentionRetryLimit; attempt++ {
		sortCandidates(candidates)
		head := candidates[0]

		if attempt > 0 {
			_ = s.limiter.Wait(ctx)
		}

		acquired, err := s.leases.AcquireLease(ctx, r.ID, head.node.ID, s.cfg.LeaseTTL)
		if err != nil {
			return "", "", err
		}
		if !acquired {
			candidates = candidates[1:]
			continue
		}

		nodeID := head.node.ID
		_, ok, err := s.runs.TransitionRun(ctx, r.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{NodeID: &nodeID})
		if err != nil {
			_, _ = s.leases.ReleaseLease(ctx, r.ID)
			return "", "", err
		}
		if !ok {
			// The run left pending state out from under us (e.g. an
			// administrative cancel); give back the lease we just took.
			_, _ = s.leases.ReleaseLease(ctx, r.ID)
			return "", "", nil
		}

		s.telemetry.Log.Info(ctx, "run scheduled", "runId", r.ID, "nodeId", nodeID)
		_ = s.events.Publish(ctx, types.Event{
			ID:        uuid.NewString(),
			Kind:      types.EventRunStateChanged,
			Timestamp: s.nowFunc(),
			Payload:   map[string]any{"runId": r.ID, "nodeId": nodeID, "status": string(types.RunAssigned)},
		})
		return nodeID, "", nil
	}

	s.telemetry.Metrics.IncCounter("scheduling_failures", 1, "reason", string(ReasonNoCapacity))
	return "", ReasonNoCapacity, nil
}

func filterByConstraints(live []types.Node, constraints types.Constraints) []types.Node {
	var out []types.Node
	for _, n := range live {
		if n.Status.State != types.NodeActive {
			continue
		}
		if !constraints.Match(n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func filterByAvailability(eligible []types.Node) []candidate {
	var out []candidate
	for _, n := range eligible {
		if n.Status.AvailableSlots <= 0 {
			continue
		}
		loadPct := 0.0
		if n.Capacity.Slots > 0 {
			loadPct = float64(n.Status.ActiveRuns) / float64(n.Capacity.Slots)
		}
		out = append(out, candidate{node: n, loadPct: loadPct, availableSlots: n.Status.AvailableSlots})
	}
	return out
}

// sortCandidates orders by (load% asc, available_slots desc), falling back
// to node id for a stable tie-break.
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.loadPct != b.loadPct {
			return a.loadPct < b.loadPct
		}
		if a.availableSlots != b.availableSlots {
			return a.availableSlots > b.availableSlots
		}
		return a.node.ID < b.node.ID
	})
}
