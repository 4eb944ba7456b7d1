// Package run defines the Run Store contract: durable run records with
// status, timings, costs, error info, and trace id. Transitions are
// conditional updates guarded by the caller's expected current states; an
// illegal transition fails atomically and leaves the record unchanged.
package run

import (
	"context"
	"time"

	"github.com/fleetrun/core/types"
)

// Store is the abstract capability set every run store implementation
// (memory, mongo) satisfies.
type Store interface {
	// CreateRun inserts a new run with status pending, a fresh id, and the
	// current time as its creation timestamp.
	CreateRun(ctx context.Context, spec types.RunSpec) (types.Run, error)
	// GetRun returns the run, or (types.Run{}, false, nil) if runID is
	// unknown.
	GetRun(ctx context.Context, runID string) (types.Run, bool, error)
	// ListRuns returns runs matching filter; zero-value fields of filter are
	// unconstrained.
	ListRuns(ctx context.Context, filter types.RunFilter) ([]types.Run, error)
	// TransitionRun conditionally moves runID from one of fromStates to
	// toState, applying patch. Returns (types.Run{}, false, nil) if the
	// run's current status is not in fromStates, or the run is unknown.
	TransitionRun(ctx context.Context, runID string, fromStates []types.RunStatus, toState types.RunStatus, patch types.RunPatch) (types.Run, bool, error)
}

// ApplyPatch merges patch fields into run in place. Used by the in-memory
// Store; run/mongo sets the same fields through its own $set update.
func ApplyPatch(run *types.Run, patch types.RunPatch, now time.Time) {
	if patch.NodeID != nil {
		run.NodeID = *patch.NodeID
	}
	if patch.Timings != nil {
		run.Timings = *patch.Timings
	}
	if patch.Cost != nil {
		run.Cost = *patch.Cost
	}
	if patch.Error != nil {
		run.Error = patch.Error
	}
	if patch.TraceID != nil {
		run.TraceID = *patch.TraceID
	}
	if patch.Attempts != nil {
		run.Attempts = *patch.Attempts
	}
	run.UpdatedAt = now
}

// MatchesFilter reports whether run satisfies filter.
func MatchesFilter(r types.Run, filter types.RunFilter) bool {
	if filter.Status != "" && r.Status != filter.Status {
		return false
	}
	if filter.NodeID != "" && r.NodeID != filter.NodeID {
		return false
	}
	if filter.AgentID != "" && r.Spec.AgentID != filter.AgentID {
		return false
	}
	return true
}

// inStates reports whether s is a member of states.
func inStates(s types.RunStatus, states []types.RunStatus) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition is shared validation logic: true if current is a member of
// fromStates.
func CanTransition(current types.RunStatus, fromStates []types.RunStatus) bool {
	return inStates(current, fromStates)
}
