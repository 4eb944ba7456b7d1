// Package worker implements the Node Lease Loop (C7): the client of the
// Lease Stream Service that pulls leases, executes them via an opaque
// Executor, reports outcome, and reconnects with exponential backoff and
// jitter.
package worker

import (
	"context"

	"github.com/fleetrun/core/leasestream"
)

// Input is the opaque payload handed to an Executor, resolved from a
// lease's run spec by the node before invocation; the control plane never
// inspects its contents.
type Input map[string]string

// Result is the opaque outcome of a successful execution.
type Result struct {
	Output map[string]string
	Tokens TokenUsage
}

// TokenUsage mirrors the cost fields the node reports back via Complete.
type TokenUsage struct {
	In  int
	Out int
	USD float64
}

// Executor runs one agent execution. The control plane treats it as an
// opaque function (RunSpec, input) -> Result | error: agent authoring,
// tool registries, and LLM provider adapters are out of scope.
type Executor interface {
	Execute(ctx context.Context, spec leasestream.LeaseMessage, input Input) (Result, error)
}

// EchoExecutor is an in-memory Executor shipped for tests and demos only:
// it echoes the lease's input reference back as the result without
// performing any real agent work.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, spec leasestream.LeaseMessage, input Input) (Result, error) {
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return Result{Output: out}, nil
}
