package memory

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// opKind is either an acquire attempt (by some node) or a release, applied
// in sequence to a single run id.
type opKind int

const (
	opAcquire opKind = iota
	opRelease
)

type leaseOp struct {
	kind   opKind
	nodeID string
}

func genLeaseOp() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(opAcquire, opRelease),
		gen.OneConstOf("node-a", "node-b", "node-c"),
	).Map(func(vals []any) leaseOp {
		return leaseOp{kind: vals[0].(opKind), nodeID: vals[1].(string)}
	})
}

// TestAtMostOneActiveLeasePerRun asserts the universal invariant: for a
// single run id, at most one lease is ever active at any instant, regardless
// of the interleaving of acquire/release calls from competing nodes.
func TestAtMostOneActiveLeasePerRun(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one active lease per run id survives any op sequence", prop.ForAll(
		func(ops []leaseOp) bool {
			r := New()
			ctx := context.Background()
			holder := ""

			for _, op := range ops {
				switch op.kind {
				case opAcquire:
					ok, err := r.AcquireLease(ctx, "run-x", op.nodeID, time.Minute)
					if err != nil {
						return false
					}
					if ok {
						if holder != "" {
							return false // acquired while another holder was active
						}
						holder = op.nodeID
					}
				case opRelease:
					if _, err := r.ReleaseLease(ctx, "run-x"); err != nil {
						return false
					}
					holder = ""
				}

				lease, found, err := r.GetLease(ctx, "run-x")
				if err != nil {
					return false
				}
				if holder == "" && found {
					return false
				}
				if holder != "" && (!found || lease.NodeID != holder) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genLeaseOp()),
	))

	properties.TestingRun(t)
}
