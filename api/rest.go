// Package api implements the REST Gateway (C10): a thin net/http wrapper
// over the Run Store and Node Registry for operators and tooling that would
// rather poll a JSON endpoint than speak the leasestream gRPC wire format.
// It mirrors the teacher's own binaries, which wire net/http directly using
// the stdlib ServeMux pattern rather than a third-party router.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fleetrun/core/internal/apierr"
	"github.com/fleetrun/core/nodes"
	"github.com/fleetrun/core/run"
	"github.com/fleetrun/core/scheduler"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

// Server exposes the control plane's run and node state over REST.
type Server struct {
	runs  run.Store
	nodes nodes.Registry
	sched *scheduler.Scheduler
	tel   telemetry.Bundle
}

// NewServer constructs a Server over the given stores. sched may be nil, in
// which case created runs are left pending for the scheduler's own
// dispatch loop to pick up rather than placed immediately.
func NewServer(runs run.Store, registry nodes.Registry, sched *scheduler.Scheduler, tel telemetry.Bundle) *Server {
	return &Server{runs: runs, nodes: registry, sched: sched, tel: tel}
}

// Handler returns the http.Handler routing every REST endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.createRun)
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.HandleFunc("POST /runs/{id}:complete", s.completeRun)
	mux.HandleFunc("POST /runs/{id}:fail", s.failRun)
	mux.HandleFunc("POST /runs/{id}:cancel", s.cancelRun)
	mux.HandleFunc("POST /nodes:register", s.registerNode)
	mux.HandleFunc("POST /nodes/{id}:heartbeat", s.heartbeatNode)
	mux.HandleFunc("GET /nodes", s.listNodes)
	mux.HandleFunc("DELETE /nodes/{id}", s.deleteNode)
	return mux
}

type createRunRequest struct {
	Spec types.RunSpec `json:"spec"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := s.runs.CreateRun(r.Context(), req.Spec)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.sched != nil {
		if nodeID, _, err := s.sched.ScheduleRun(r.Context(), created, req.Spec.Constraints); err != nil {
			s.tel.Log.Warn(r.Context(), "immediate scheduling attempt failed", "runId", created.ID, "err", err.Error())
		} else if nodeID != "" {
			if refreshed, ok, err := s.runs.GetRun(r.Context(), created.ID); err == nil && ok {
				created = refreshed
			}
		}
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, ok, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apierr.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.RunFilter{
		Status:  types.RunStatus(q.Get("status")),
		NodeID:  q.Get("nodeId"),
		AgentID: q.Get("agentId"),
	}
	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type completeRunRequest struct {
	Timings types.Timings `json:"timings"`
	Cost    types.Cost    `json:"cost"`
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req completeRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patch := types.RunPatch{Timings: &req.Timings, Cost: &req.Cost}
	updated, ok, err := s.runs.TransitionRun(r.Context(), id,
		[]types.RunStatus{types.RunAssigned, types.RunRunning}, types.RunCompleted, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apierr.ErrPrecondition)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type failRunRequest struct {
	Error       types.ErrorInfo `json:"error"`
	Retryable   bool            `json:"retryable"`
	MaxAttempts int             `json:"maxAttempts"`
}

func (s *Server) failRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req failRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	current, ok, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apierr.ErrNotFound)
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	shouldRetry := req.Retryable && current.Attempts < maxAttempts
	attempts := current.Attempts + 1
	patch := types.RunPatch{Error: &req.Error, Attempts: &attempts}

	toState := types.RunFailed
	if shouldRetry {
		toState = types.RunPending
	}
	updated, ok, err := s.runs.TransitionRun(r.Context(), id,
		[]types.RunStatus{types.RunAssigned, types.RunRunning}, toState, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apierr.ErrPrecondition)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// cancelRun moves a run to cancelled from pending, assigned, or running.
// Cancellation while running only marks the terminal state here; the node
// executing the run is not notified, and its later Complete or Fail for the
// run is rejected because the run is no longer assigned or running.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	updated, ok, err := s.runs.TransitionRun(r.Context(), id,
		[]types.RunStatus{types.RunPending, types.RunAssigned, types.RunRunning},
		types.RunCancelled, types.RunPatch{})
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apierr.ErrPrecondition)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type registerNodeRequest struct {
	NodeID   string            `json:"nodeId"`
	Metadata map[string]string `json:"metadata"`
	Capacity types.Capacity    `json:"capacity"`
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	node, err := s.nodes.Register(r.Context(), req.NodeID, req.Metadata, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) heartbeatNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var status types.NodeStatus
	if !decodeBody(w, r, &status) {
		return
	}
	node, ok, err := s.nodes.Heartbeat(r.Context(), id, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apierr.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	all, err := s.nodes.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.nodes.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, apierr.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := apierr.KindOf(err); ok {
		switch kind {
		case apierr.KindNotFound:
			status = http.StatusNotFound
		case apierr.KindPrecondition, apierr.KindContention:
			status = http.StatusConflict
		case apierr.KindInvalid:
			status = http.StatusBadRequest
		case apierr.KindUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	http.Error(w, `{"error":"`+err.Error()+`"}`, status)
}
