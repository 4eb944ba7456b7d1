package leasestream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrun/core/events"
	"github.com/fleetrun/core/lease"
	"github.com/fleetrun/core/run"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

// DefaultPollInterval is the cadence at which the Pull emission loop
// re-scans the run store for assigned runs leased to the connected node.
const DefaultPollInterval = 2 * time.Second

// DefaultMaxAttempts bounds how many retryable failures a run may absorb
// before it is left in the terminal failed state.
const DefaultMaxAttempts = 3

// Config tunes the Lease Stream Service.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: DefaultPollInterval, MaxAttempts: DefaultMaxAttempts}
}

// outstanding tracks, per node, the lease ids emitted but not yet
// acknowledged as complete/failed — the semaphore enforcing a Pull
// caller's requested maxLeases backpressure bound.
type outstanding struct {
	mu    sync.Mutex
	byKey map[string]map[string]bool // nodeID -> leaseID -> true
}

func newOutstanding() *outstanding {
	return &outstanding{byKey: make(map[string]map[string]bool)}
}

func (o *outstanding) count(nodeID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byKey[nodeID])
}

func (o *outstanding) add(nodeID, leaseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byKey[nodeID] == nil {
		o.byKey[nodeID] = make(map[string]bool)
	}
	o.byKey[nodeID][leaseID] = true
}

func (o *outstanding) remove(nodeID, leaseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.byKey[nodeID], leaseID)
}

// Service implements the Lease Stream Service's business logic; grpc.go
// adapts it onto a hand-registered grpc.ServiceDesc.
type Service struct {
	runs      run.Store
	leases    lease.Registry
	cfg       Config
	telemetry telemetry.Bundle
	events    events.Publisher
	out       *outstanding
}

// NewService constructs a Service over the given stores. Event publication
// defaults to a no-op; call SetEvents to wire a durable bus.
func NewService(runs run.Store, leases lease.Registry, cfg Config, tel telemetry.Bundle) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Service{runs: runs, leases: leases, cfg: cfg, telemetry: tel, events: events.Noop{}, out: newOutstanding()}
}

// SetEvents wires a durable event publisher; transitions recorded after
// this call emit run.state.changed events.
func (s *Service) SetEvents(pub events.Publisher) {
	s.events = pub
}

func (s *Service) publishStateChanged(ctx context.Context, runID string, status types.RunStatus) {
	_ = s.events.Publish(ctx, types.Event{
		ID:        uuid.NewString(),
		Kind:      types.EventRunStateChanged,
		Timestamp: time.Now(),
		Payload:   map[string]any{"runId": runID, "status": string(status)},
	})
}

// sendFunc delivers one lease to the calling stream; returns an error if the
// stream can no longer accept messages (client gone, cancelled).
type sendFunc func(LeaseMessage) error

// Pull streams leases assigned to nodeID as they become available, never
// exceeding maxLeases concurrently outstanding to that node. A lease already
// outstanding is not sent again. It blocks until ctx is cancelled or an
// emission fails.
func (s *Service) Pull(ctx context.Context, req PullRequest, send sendFunc) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.emitAssignable(ctx, req, send); err != nil {
				return err
			}
		}
	}
}

func (s *Service) emitAssignable(ctx context.Context, req PullRequest, send sendFunc) error {
	available := req.MaxLeases - s.out.count(req.NodeID)
	if available <= 0 {
		return nil
	}

	assigned, err := s.runs.ListRuns(ctx, types.RunFilter{Status: types.RunAssigned, NodeID: req.NodeID})
	if err != nil {
		return err
	}

	for _, r := range assigned {
		if available <= 0 {
			return nil
		}
		l, ok, err := s.leases.GetLease(ctx, r.ID)
		if err != nil {
			return err
		}
		if !ok || l.NodeID != req.NodeID {
			continue
		}
		s.out.mu.Lock()
		alreadySent := s.out.byKey[req.NodeID][l.LeaseID]
		s.out.mu.Unlock()
		if alreadySent {
			continue
		}
		s.out.add(req.NodeID, l.LeaseID)
		msg := leaseMessageFrom(l, r, l.ExpiresAt.UnixMilli())
		if err := send(msg); err != nil {
			s.out.remove(req.NodeID, l.LeaseID)
			return err
		}
		available--
	}
	return nil
}

// Ack records that a node observed a lease. Diagnostic only.
func (s *Service) Ack(_ context.Context, req AckRequest) (AckResponse, error) {
	s.telemetry.Log.Debug(context.Background(), "lease ack", "leaseId", req.LeaseID, "nodeId", req.NodeID)
	return AckResponse{Success: true}, nil
}

// Complete validates ownership, transitions the run to completed, and
// releases the lease.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	r, ok, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return CompleteResponse{}, err
	}
	if !ok || r.NodeID != req.NodeID {
		s.telemetry.Log.Warn(ctx, "complete rejected: node mismatch", "runId", req.RunID, "nodeId", req.NodeID)
		return CompleteResponse{Success: false, Message: "node does not hold this run's lease"}, nil
	}

	timings := req.Timings
	cost := req.Cost
	_, ok, err = s.runs.TransitionRun(ctx, req.RunID, []types.RunStatus{types.RunAssigned, types.RunRunning}, types.RunCompleted, types.RunPatch{
		Timings: &timings,
		Cost:    &cost,
	})
	if err != nil {
		return CompleteResponse{}, err
	}
	if !ok {
		return CompleteResponse{Success: false, Message: "run not in a completable state"}, nil
	}

	if _, err := s.leases.ReleaseLease(ctx, req.RunID); err != nil {
		return CompleteResponse{}, err
	}
	s.out.remove(req.NodeID, req.LeaseID)

	s.telemetry.Metrics.IncCounter("runs_completed_total", 1)
	s.telemetry.Metrics.RecordTimer("run_duration_ms", time.Duration(timings.DurationMs)*time.Millisecond)
	s.publishStateChanged(ctx, req.RunID, types.RunCompleted)
	return CompleteResponse{Success: true}, nil
}

// Fail validates ownership, transitions the run to failed (or back to
// pending with an incremented attempt count if retryable and under the
// attempt limit), and releases the lease.
func (s *Service) Fail(ctx context.Context, req FailRequest) (FailResponse, error) {
	r, ok, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return FailResponse{}, err
	}
	if !ok || r.NodeID != req.NodeID {
		s.telemetry.Log.Warn(ctx, "fail rejected: node mismatch", "runId", req.RunID, "nodeId", req.NodeID)
		return FailResponse{Success: false}, nil
	}

	errInfo := &types.ErrorInfo{Message: req.ErrorMessage, Details: req.ErrorDetails}
	shouldRetry := req.Retryable && r.Attempts < s.cfg.MaxAttempts
	attempts := r.Attempts + 1

	if shouldRetry {
		_, ok, err = s.runs.TransitionRun(ctx, req.RunID, []types.RunStatus{types.RunAssigned, types.RunRunning}, types.RunPending, types.RunPatch{Error: errInfo, Attempts: &attempts})
	} else {
		_, ok, err = s.runs.TransitionRun(ctx, req.RunID, []types.RunStatus{types.RunAssigned, types.RunRunning}, types.RunFailed, types.RunPatch{Error: errInfo, Attempts: &attempts})
	}
	if err != nil {
		return FailResponse{}, err
	}
	if !ok {
		return FailResponse{Success: false}, nil
	}

	if _, err := s.leases.ReleaseLease(ctx, req.RunID); err != nil {
		return FailResponse{}, err
	}
	s.out.remove(req.NodeID, req.LeaseID)

	s.telemetry.Metrics.IncCounter("runs_failed_total", 1)
	finalStatus := types.RunFailed
	if shouldRetry {
		finalStatus = types.RunPending
	}
	s.publishStateChanged(ctx, req.RunID, finalStatus)
	return FailResponse{Success: true, ShouldRetry: shouldRetry}, nil
}

