package scheduler

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	leasemem "github.com/fleetrun/core/lease/memory"
	nodesmem "github.com/fleetrun/core/nodes/memory"
	runmem "github.com/fleetrun/core/run/memory"
	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

type labeledNode struct {
	id       string
	region   string
	slots    int
	occupied int
}

func genLabeledNode() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("n1", "n2", "n3", "n4"),
		gen.OneConstOf("r1", "r2"),
		gen.IntRange(1, 8),
	).Map(func(vals []any) labeledNode {
		slots := vals[2].(int)
		return labeledNode{id: vals[0].(string), region: vals[1].(string), slots: slots, occupied: 0}
	})
}

// TestScheduleRespectsRegionConstraint is the "constraint-respecting"
// property: no node lacking a required label ever receives the run.
func TestScheduleRespectsRegionConstraint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("scheduler never assigns to a node outside the required region", prop.ForAll(
		func(nodeSpecs []labeledNode, requiredRegion string) bool {
			ctx := context.Background()
			runs := runmem.New()
			leases := leasemem.New()
			registry := nodesmem.New()
			sched := New(runs, leases, registry, DefaultConfig(), telemetry.Noop())

			seen := map[string]bool{}
			for _, ns := range nodeSpecs {
				if seen[ns.id] {
					continue
				}
				seen[ns.id] = true
				if _, err := registry.Register(ctx, ns.id, map[string]string{"region": ns.region}, types.Capacity{Slots: ns.slots}); err != nil {
					return false
				}
				if _, _, err := registry.Heartbeat(ctx, ns.id, types.NodeStatus{State: types.NodeActive, AvailableSlots: ns.slots}); err != nil {
					return false
				}
			}

			r, err := runs.CreateRun(ctx, types.RunSpec{AgentID: "a1", Version: "v1"})
			if err != nil {
				return false
			}

			nodeID, _, err := sched.ScheduleRun(ctx, r, types.Constraints{Region: []string{requiredRegion}})
			if err != nil {
				return false
			}
			if nodeID == "" {
				return true // no placement made; constraint trivially respected
			}

			assigned, err := registry.ListNodes(ctx)
			if err != nil {
				return false
			}
			for _, n := range assigned {
				if n.ID == nodeID {
					return n.Metadata["region"] == requiredRegion
				}
			}
			return false
		},
		gen.SliceOfN(4, genLabeledNode()),
		gen.OneConstOf("r1", "r2", "r3"),
	))

	properties.TestingRun(t)
}
