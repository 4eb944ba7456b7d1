// Package mongo provides a MongoDB implementation of the Run Store using
// go.mongodb.org/mongo-driver/v2. TransitionRun is a single FindOneAndUpdate
// filtering on _id AND current status, so the conditional transition is
// atomic at the database layer without any application-level locking.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fleetrun/core/run"
	"github.com/fleetrun/core/types"
)

// Store is a MongoDB-backed run.Store.
type Store struct {
	collection *mongo.Collection
	nowFunc    func() bson.DateTime
}

// Compile-time check that Store implements run.Store.
var _ run.Store = (*Store)(nil)

// New constructs a Store using the provided collection. The collection
// should come from a connected mongo.Client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

func (s *Store) CreateRun(ctx context.Context, spec types.RunSpec) (types.Run, error) {
	now := nowMillis()
	r := types.Run{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    types.RunPending,
		CreatedAt: now.Time(),
		UpdatedAt: now.Time(),
	}
	if _, err := s.collection.InsertOne(ctx, r); err != nil {
		return types.Run{}, fmt.Errorf("mongodb create run %q: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (types.Run, bool, error) {
	var r types.Run
	err := s.collection.FindOne(ctx, bson.M{"_id": runID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Run{}, false, nil
	}
	if err != nil {
		return types.Run{}, false, fmt.Errorf("mongodb get run %q: %w", runID, err)
	}
	return r, true, nil
}

func (s *Store) ListRuns(ctx context.Context, filter types.RunFilter) ([]types.Run, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.NodeID != "" {
		query["nodeId"] = filter.NodeID
	}
	if filter.AgentID != "" {
		query["spec.agentId"] = filter.AgentID
	}

	cursor, err := s.collection.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mongodb list runs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var runs []types.Run
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("mongodb list runs decode: %w", err)
	}
	return runs, nil
}

func (s *Store) TransitionRun(ctx context.Context, runID string, fromStates []types.RunStatus, toState types.RunStatus, patch types.RunPatch) (types.Run, bool, error) {
	update := bson.M{"status": toState, "updatedAt": nowMillis()}
	if patch.NodeID != nil {
		update["nodeId"] = *patch.NodeID
	}
	if patch.Timings != nil {
		update["timings"] = *patch.Timings
	}
	if patch.Cost != nil {
		update["cost"] = *patch.Cost
	}
	if patch.Error != nil {
		update["error"] = *patch.Error
	}
	if patch.TraceID != nil {
		update["traceId"] = *patch.TraceID
	}
	if patch.Attempts != nil {
		update["attempts"] = *patch.Attempts
	}

	query := bson.M{"_id": runID, "status": bson.M{"$in": fromStates}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var r types.Run
	err := s.collection.FindOneAndUpdate(ctx, query, bson.M{"$set": update}, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the run is unknown or its current status isn't a member
		// of fromStates; both are a failed precondition, not an error.
		return types.Run{}, false, nil
	}
	if err != nil {
		return types.Run{}, false, fmt.Errorf("mongodb transition run %q: %w", runID, err)
	}
	return r, true, nil
}

func nowMillis() bson.DateTime {
	return bson.NewDateTimeFromTime(time.Now())
}
