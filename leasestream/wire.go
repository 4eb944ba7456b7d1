// Package leasestream implements the Lease Stream Service: a server-streaming
// Pull endpoint delivering leases to a node, plus unary Ack/Complete/Fail
// callbacks, over real gRPC transport using a hand-registered
// grpc.ServiceDesc and a JSON wire codec (see grpc.go) rather than
// protoc-generated stubs.
package leasestream

import "github.com/fleetrun/core/types"

// PullRequest opens a Pull stream for one node.
type PullRequest struct {
	NodeID    string `json:"nodeId"`
	MaxLeases int    `json:"maxLeases"`
}

// LeaseMessage is one lease emitted on a Pull stream.
type LeaseMessage struct {
	LeaseID        string            `json:"leaseId"`
	RunID          string            `json:"runId"`
	AgentID        string            `json:"agentId"`
	Version        string            `json:"version"`
	DeploymentID   string            `json:"deploymentId,omitempty"`
	InputRef       map[string]string `json:"inputRef,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MaxTokens      int               `json:"maxTokens,omitempty"`
	MaxDurationSec int               `json:"maxDurationSeconds,omitempty"`
	DeadlineUnixMs int64             `json:"deadlineUnixMs"`
	TraceID        string            `json:"traceId,omitempty"`
}

func leaseMessageFrom(l types.Lease, r types.Run, deadline int64) LeaseMessage {
	return LeaseMessage{
		LeaseID:        l.LeaseID,
		RunID:          r.ID,
		AgentID:        r.Spec.AgentID,
		Version:        r.Spec.Version,
		DeploymentID:   r.Spec.DeploymentID,
		InputRef:       r.Spec.InputRef,
		Metadata:       r.Spec.Metadata,
		MaxTokens:      r.Spec.Budgets.MaxTokens,
		MaxDurationSec: r.Spec.Budgets.MaxDurationSeconds,
		DeadlineUnixMs: deadline,
		TraceID:        r.TraceID,
	}
}

// AckRequest is the diagnostic Ack callback payload; not required for
// correctness.
type AckRequest struct {
	LeaseID         string `json:"leaseId"`
	NodeID          string `json:"nodeId"`
	ClientTimestamp int64  `json:"clientTimestampMs"`
}

// AckResponse acknowledges an Ack call.
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CompleteRequest reports successful execution of a leased run.
type CompleteRequest struct {
	LeaseID string            `json:"leaseId"`
	RunID   string            `json:"runId"`
	NodeID  string            `json:"nodeId"`
	Result  map[string]string `json:"result,omitempty"`
	Timings types.Timings     `json:"timings"`
	Cost    types.Cost        `json:"costs"`
}

// CompleteResponse reports whether the Complete call was accepted.
type CompleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FailRequest reports failed execution of a leased run.
type FailRequest struct {
	LeaseID      string            `json:"leaseId"`
	RunID        string            `json:"runId"`
	NodeID       string            `json:"nodeId"`
	ErrorMessage string            `json:"errorMessage"`
	ErrorDetails map[string]string `json:"errorDetails,omitempty"`
	Timings      types.Timings     `json:"timings"`
	Retryable    bool              `json:"retryable"`
}

// FailResponse reports whether the Fail call was accepted, and whether the
// caller should expect the run to be rescheduled.
type FailResponse struct {
	Success     bool   `json:"success"`
	ShouldRetry bool   `json:"shouldRetry"`
	Message     string `json:"message,omitempty"`
}
