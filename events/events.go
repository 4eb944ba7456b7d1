// Package events defines the Event Publisher contract: best-effort durable
// publication of state-change events. Publish failures are logged and
// counted but must never block the state transition that triggered them.
package events

import (
	"context"

	"github.com/fleetrun/core/types"
)

// Publisher ensures a durable topic exists and publishes events to it with
// at-least-once delivery.
type Publisher interface {
	// Initialize ensures the durable topic/stream exists with the
	// configured retention, idempotently.
	Initialize(ctx context.Context) error
	// Publish writes one event. Implementations must not return an error
	// that the caller is expected to treat as fatal to its own state
	// transition; pulse.Publisher logs and counts failures and always
	// returns nil.
	Publish(ctx context.Context, event types.Event) error
}

// Noop discards every event; useful for tests and for components that
// choose not to wire an event bus.
type Noop struct{}

func (Noop) Initialize(context.Context) error          { return nil }
func (Noop) Publish(context.Context, types.Event) error { return nil }
