package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fleetrun/core/types"
)

var (
	testMongoClient *mongo.Client
	skipMongoTests  bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	var container testcontainers.Container
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("docker not available, skipping mongo run store test")
	}
	collection := testMongoClient.Database("fleetrun_test").Collection(t.Name())
	require.NoError(t, collection.Drop(context.Background()))
	return New(collection)
}

func TestCreateAndGetRun(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	created, err := st.CreateRun(ctx, types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)
	require.Equal(t, types.RunPending, created.Status)

	got, ok, err := st.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, got.ID)
}

func TestTransitionRunIsAtomicOnCurrentStatus(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	created, err := st.CreateRun(ctx, types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)

	nodeID := "node-a"
	updated, ok, err := st.TransitionRun(ctx, created.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{NodeID: &nodeID})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunAssigned, updated.Status)
	require.Equal(t, "node-a", updated.NodeID)

	// An illegal transition (already assigned, not pending) must fail and
	// leave the record unchanged.
	_, ok, err = st.TransitionRun(ctx, created.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{})
	require.NoError(t, err)
	require.False(t, ok)

	unchanged, ok, err := st.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunAssigned, unchanged.Status)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.CreateRun(ctx, types.RunSpec{AgentID: "agent-x", Version: "v1"})
		require.NoError(t, err)
	}
	r, err := st.CreateRun(ctx, types.RunSpec{AgentID: "agent-x", Version: "v1"})
	require.NoError(t, err)
	nodeID := "node-1"
	_, ok, err := st.TransitionRun(ctx, r.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{NodeID: &nodeID})
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := st.ListRuns(ctx, types.RunFilter{Status: types.RunPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)

	assigned, err := st.ListRuns(ctx, types.RunFilter{Status: types.RunAssigned})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
}

func TestTransitionRunPersistsAttempts(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	created, err := st.CreateRun(ctx, types.RunSpec{AgentID: "agent-1", Version: "v1"})
	require.NoError(t, err)

	nodeID := "node-a"
	_, ok, err := st.TransitionRun(ctx, created.ID, []types.RunStatus{types.RunPending}, types.RunAssigned, types.RunPatch{NodeID: &nodeID})
	require.NoError(t, err)
	require.True(t, ok)

	attempts := 1
	errInfo := &types.ErrorInfo{Message: "transient timeout"}
	updated, ok, err := st.TransitionRun(ctx, created.ID, []types.RunStatus{types.RunAssigned}, types.RunPending, types.RunPatch{
		Error:    errInfo,
		Attempts: &attempts,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.Error)
}

func TestMain_unused(t *testing.T) {
	_ = time.Second
}
