package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	memorylease "github.com/fleetrun/core/lease/memory"
	memorynodes "github.com/fleetrun/core/nodes/memory"
	memoryrun "github.com/fleetrun/core/run/memory"
	"github.com/fleetrun/core/scheduler"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

func testTelemetry() telemetry.Bundle {
	return telemetry.Bundle{
		Log:     telemetry.NewNoopLogger(),
		Metrics: telemetry.NewNoopMetrics(),
		Tracer:  telemetry.NewNoopTracer(),
	}
}

func newTestServer(t *testing.T, withScheduler bool) (*Server, *memorynodes.Registry, *memoryrun.Store) {
	t.Helper()
	runs := memoryrun.New()
	registry := memorynodes.New()
	tel := testTelemetry()

	var sched *scheduler.Scheduler
	if withScheduler {
		leases := memorylease.New()
		sched = scheduler.New(runs, leases, registry, scheduler.DefaultConfig(), tel)
	}
	return NewServer(runs, registry, sched, tel), registry, runs
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRunWithoutSchedulerStaysPending(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/runs", createRunRequest{Spec: types.RunSpec{AgentID: "agent-1", Version: "v1"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, types.RunPending, created.Status)
}

func TestCreateRunSchedulesImmediatelyWhenNodeAvailable(t *testing.T) {
	srv, registry, _ := newTestServer(t, true)
	h := srv.Handler()

	_, err := registry.Register(context.Background(), "node-a", nil, types.Capacity{Slots: 2})
	require.NoError(t, err)
	_, _, err = registry.Heartbeat(context.Background(), "node-a", types.NodeStatus{State: types.NodeActive, AvailableSlots: 2})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodPost, "/runs", createRunRequest{Spec: types.RunSpec{AgentID: "agent-1", Version: "v1"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, types.RunAssigned, created.Status)
	require.Equal(t, "node-a", created.NodeID)
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/runs/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteRunRequiresAssignedOrRunning(t *testing.T) {
	srv, _, runStore := newTestServer(t, false)
	h := srv.Handler()

	created, err := runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodPost, "/runs/"+created.ID+":complete", completeRunRequest{})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestFailRunRetriesWhenUnderAttemptLimit(t *testing.T) {
	srv, _, runStore := newTestServer(t, false)
	h := srv.Handler()

	created, err := runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)
	nodeID := "node-a"
	_, ok, err := runStore.TransitionRun(context.Background(), created.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{NodeID: &nodeID})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, h, http.MethodPost, "/runs/"+created.ID+":fail", failRunRequest{
		Error:     types.ErrorInfo{Message: "transient"},
		Retryable: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, types.RunPending, updated.Status)
	require.Equal(t, 1, updated.Attempts)
}

func TestFailRunTerminatesWhenAttemptLimitExhausted(t *testing.T) {
	srv, _, runStore := newTestServer(t, false)
	h := srv.Handler()

	created, err := runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)
	nodeID := "node-a"
	priorAttempts := 1
	_, ok, err := runStore.TransitionRun(context.Background(), created.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{NodeID: &nodeID, Attempts: &priorAttempts})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, h, http.MethodPost, "/runs/"+created.ID+":fail", failRunRequest{
		Error:       types.ErrorInfo{Message: "fatal"},
		Retryable:   true,
		MaxAttempts: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, types.RunFailed, updated.Status)
}

func TestCancelRunFromPending(t *testing.T) {
	srv, _, runStore := newTestServer(t, false)
	h := srv.Handler()

	created, err := runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodPost, "/runs/"+created.ID+":cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, types.RunCancelled, updated.Status)
}

func TestCancelRunFromTerminalStateConflicts(t *testing.T) {
	srv, _, runStore := newTestServer(t, false)
	h := srv.Handler()

	created, err := runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)
	_, ok, err := runStore.TransitionRun(context.Background(), created.ID, []types.RunStatus{types.RunPending}, types.RunCancelled, types.RunPatch{})
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, h, http.MethodPost, "/runs/"+created.ID+":cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRunsFiltersByQueryParams(t *testing.T) {
	srv, _, runStore := newTestServer(t, false)
	h := srv.Handler()

	_, err := runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-a", Version: "v1"})
	require.NoError(t, err)
	_, err = runStore.CreateRun(context.Background(), types.RunSpec{AgentID: "agent-b", Version: "v1"})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodGet, "/runs?agentId=agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []types.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, "agent-a", runs[0].Spec.AgentID)
}

func TestRegisterAndHeartbeatNode(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/nodes:register", registerNodeRequest{
		NodeID:   "node-a",
		Capacity: types.Capacity{Slots: 4},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/nodes/node-a:heartbeat", types.NodeStatus{State: types.NodeActive, AvailableSlots: 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, 3, updated.Status.AvailableSlots)
}

func TestHeartbeatUnknownNodeNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/nodes/ghost:heartbeat", types.NodeStatus{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAndDeleteNodes(t *testing.T) {
	srv, registry, _ := newTestServer(t, false)
	h := srv.Handler()

	_, err := registry.Register(context.Background(), "node-a", nil, types.Capacity{Slots: 1})
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = doRequest(t, h, http.MethodDelete, "/nodes/node-a", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/nodes/node-a", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
