// Package memory provides an in-process Run Store backed by a map and
// mutex, with conditional transitions guarded by a per-run state check.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrun/core/run"
	"github.com/fleetrun/core/types"
)

// Store is an in-memory run.Store.
type Store struct {
	mu      sync.Mutex
	runs    map[string]types.Run
	nowFunc func() time.Time
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{runs: make(map[string]types.Run), nowFunc: time.Now}
}

func (s *Store) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

func (s *Store) CreateRun(_ context.Context, spec types.RunSpec) (types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r := types.Run{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    types.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[r.ID] = r
	return r, nil
}

func (s *Store) GetRun(_ context.Context, runID string) (types.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	return r, ok, nil
}

func (s *Store) ListRuns(_ context.Context, filter types.RunFilter) ([]types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Run
	for _, r := range s.runs {
		if run.MatchesFilter(r, filter) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) TransitionRun(_ context.Context, runID string, fromStates []types.RunStatus, toState types.RunStatus, patch types.RunPatch) (types.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return types.Run{}, false, nil
	}
	if !run.CanTransition(r.Status, fromStates) {
		return types.Run{}, false, nil
	}

	r.Status = toState
	run.ApplyPatch(&r, patch, s.now())
	s.runs[runID] = r
	return r, true, nil
}
