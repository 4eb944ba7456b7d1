package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/core/types"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	ctx := context.Background()

	_, err := r.Register(ctx, "n1", map[string]string{"region": "r1"}, types.Capacity{Slots: 4})
	require.NoError(t, err)

	_, found, err := r.Heartbeat(ctx, "n1", types.NodeStatus{State: types.NodeActive, ActiveRuns: 3, AvailableSlots: 1})
	require.NoError(t, err)
	require.True(t, found)

	n, err := r.Register(ctx, "n1", map[string]string{"region": "r2"}, types.Capacity{Slots: 8})
	require.NoError(t, err)
	require.Equal(t, "r2", n.Metadata["region"])
	require.Equal(t, 8, n.Capacity.Slots)
	require.Equal(t, types.NodeActive, n.Status.State)
	require.Zero(t, n.Status.ActiveRuns, "re-registering must zero the active-run count")
}

func TestLiveNodes(t *testing.T) {
	r := New()
	ctx := context.Background()
	base := time.Now()
	r.nowFunc = func() time.Time { return base }

	_, err := r.Register(ctx, "fresh", nil, types.Capacity{Slots: 1})
	require.NoError(t, err)
	_, err = r.Register(ctx, "stale", nil, types.Capacity{Slots: 1})
	require.NoError(t, err)

	r.nowFunc = func() time.Time { return base.Add(90 * time.Second) }
	_, _, err = r.Heartbeat(ctx, "fresh", types.NodeStatus{State: types.NodeActive, AvailableSlots: 1})
	require.NoError(t, err)

	all, err := r.ListNodes(ctx)
	require.NoError(t, err)

	live := 0
	for _, n := range all {
		if n.Live(r.now(), 60*time.Second) {
			live++
			require.Equal(t, "fresh", n.ID)
		}
	}
	require.Equal(t, 1, live, "only the node with a recent heartbeat should be live")
}

func TestDelete(t *testing.T) {
	r := New()
	ctx := context.Background()

	_, err := r.Register(ctx, "n1", nil, types.Capacity{Slots: 1})
	require.NoError(t, err)

	ok, err := r.Delete(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Delete(ctx, "n1")
	require.NoError(t, err)
	require.False(t, ok)
}
