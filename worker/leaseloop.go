package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleetrun/core/leasestream"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

// PullStreamer is the subset of leasestream.Client the loop depends on, so
// tests can substitute an in-memory fake instead of a real gRPC connection.
type PullStreamer interface {
	Pull(ctx context.Context, req leasestream.PullRequest) (leasestream.PullClient, error)
	Ack(ctx context.Context, req leasestream.AckRequest) (*leasestream.AckResponse, error)
	Complete(ctx context.Context, req leasestream.CompleteRequest) (*leasestream.CompleteResponse, error)
	Fail(ctx context.Context, req leasestream.FailRequest) (*leasestream.FailResponse, error)
}

// Config tunes the Node Lease Loop.
type Config struct {
	NodeID              string
	MaxConcurrentLeases int
	MaxLeasesRequested  int
	ReconnectCap        time.Duration
}

// Loop drains a node's Pull stream, dispatches each lease to its own
// executor goroutine, and reports outcomes. Stopping the loop cancels the Pull
// stream; in-flight tasks observe the cancellation, and any unreported
// leases are abandoned to expire server-side.
type Loop struct {
	client   PullStreamer
	executor Executor
	cfg      Config
	tel      telemetry.Bundle

	inFlight int64
}

// NewLoop constructs a Loop.
func NewLoop(client PullStreamer, executor Executor, cfg Config, tel telemetry.Bundle) *Loop {
	if cfg.MaxConcurrentLeases <= 0 {
		cfg.MaxConcurrentLeases = 4
	}
	if cfg.MaxLeasesRequested <= 0 {
		cfg.MaxLeasesRequested = cfg.MaxConcurrentLeases
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = DefaultReconnectCap
	}
	return &Loop{client: client, executor: executor, cfg: cfg, tel: tel}
}

// InFlight reports how many leases this node is currently executing; nodes
// report this on their next heartbeat as ActiveRuns.
func (l *Loop) InFlight() int {
	return int(atomic.LoadInt64(&l.inFlight))
}

// AvailableSlots reports how many more leases this node can accept right
// now; nodes report this on their next heartbeat.
func (l *Loop) AvailableSlots() int {
	if avail := l.cfg.MaxConcurrentLeases - l.InFlight(); avail > 0 {
		return avail
	}
	return 0
}

// Run connects the Pull stream and processes leases until ctx is
// cancelled, reconnecting with exponential backoff and jitter on any
// stream error.
func (l *Loop) Run(ctx context.Context) {
	attempt := 0
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		stream, err := l.client.Pull(ctx, leasestream.PullRequest{NodeID: l.cfg.NodeID, MaxLeases: l.cfg.MaxLeasesRequested})
		if err != nil {
			l.tel.Log.Warn(ctx, "pull stream establish failed", "err", err.Error())
			if !l.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		if !l.drain(ctx, stream, &wg) {
			return
		}
		if !l.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (l *Loop) sleepBackoff(ctx context.Context, attempt int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(nextReconnectDelay(attempt, l.cfg.ReconnectCap)):
		return true
	}
}

// drain reads lease messages off stream until it ends or errors, spawning a
// processing task per lease. drain itself applies no cap on tasks; the
// number of leases in flight is bounded by the MaxLeases the loop requested
// on the Pull stream, which the server enforces. Returns false if ctx is
// found cancelled after a message is received; a stream error returns true
// and leaves the cancellation check to Run's backoff.
func (l *Loop) drain(ctx context.Context, stream leasestream.PullClient, wg *sync.WaitGroup) bool {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if leasestream.IsStreamClosed(err) {
				return true
			}
			l.tel.Log.Warn(ctx, "pull stream recv error", "err", err.Error())
			return true
		}

		select {
		case <-ctx.Done():
			return false
		default:
		}

		atomic.AddInt64(&l.inFlight, 1)
		wg.Add(1)
		go func(m leasestream.LeaseMessage) {
			defer wg.Done()
			defer atomic.AddInt64(&l.inFlight, -1)
			l.process(ctx, m)
		}(*msg)
	}
}

func (l *Loop) process(ctx context.Context, msg leasestream.LeaseMessage) {
	go func() {
		_, _ = l.client.Ack(ctx, leasestream.AckRequest{
			LeaseID:         msg.LeaseID,
			NodeID:          l.cfg.NodeID,
			ClientTimestamp: time.Now().UnixMilli(),
		})
	}()

	deadline := time.UnixMilli(msg.DeadlineUnixMs)
	if msg.MaxDurationSec > 0 {
		if budgetDeadline := time.Now().Add(time.Duration(msg.MaxDurationSec) * time.Second); budgetDeadline.Before(deadline) {
			deadline = budgetDeadline
		}
	}

	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, err := l.executor.Execute(execCtx, msg, Input(msg.InputRef))
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		l.reportFailure(ctx, msg, err, durationMs)
		return
	}

	_, cerr := l.client.Complete(ctx, leasestream.CompleteRequest{
		LeaseID: msg.LeaseID,
		RunID:   msg.RunID,
		NodeID:  l.cfg.NodeID,
		Result:  result.Output,
		Timings: timingsFor(durationMs),
		Cost:    costFor(result.Tokens),
	})
	if cerr != nil {
		l.tel.Log.Warn(ctx, "complete call failed", "runId", msg.RunID, "err", cerr.Error())
	}
}

func (l *Loop) reportFailure(ctx context.Context, msg leasestream.LeaseMessage, execErr error, durationMs int64) {
	retryable := isRetryable(execErr)
	_, err := l.client.Fail(ctx, leasestream.FailRequest{
		LeaseID:      msg.LeaseID,
		RunID:        msg.RunID,
		NodeID:       l.cfg.NodeID,
		ErrorMessage: execErr.Error(),
		Timings:      timingsFor(durationMs),
		Retryable:    retryable,
	})
	if err != nil {
		l.tel.Log.Warn(ctx, "fail call failed", "runId", msg.RunID, "err", err.Error())
	}
}

// isRetryable classifies an executor error per the guidance in the error
// handling design: timeouts, explicit deadline-exceeded, deserialization
// failures, and auth/permission errors are non-retryable; transient
// transport failures and unavailable backends are retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.DeadlineExceeded, codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return false
	}
	return false
}

func timingsFor(durationMs int64) types.Timings {
	return types.Timings{DurationMs: durationMs, ExecutionMs: durationMs}
}

func costFor(t TokenUsage) types.Cost {
	return types.Cost{TokensIn: t.In, TokensOut: t.Out, USD: t.USD}
}
