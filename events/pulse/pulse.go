// Package pulse publishes control-plane events onto a goa.design/pulse
// stream, adapted from the teacher's registry/result_stream.go and
// stream_manager.go (which wrap the same package for tool-result delivery).
// Topic creation is idempotent; publish failures are logged and counted,
// never propagated as a reason to roll back the originating state
// transition.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/fleetrun/core/telemetry"
	"github.com/fleetrun/core/types"
)

// DefaultStreamName is the single logical stream carrying every event kind;
// subjects events.run.*, events.node.*, events.agent.* are distinguished by
// types.Event.Kind rather than separate streams.
const DefaultStreamName = "fleetrun-events"

// DefaultMaxBytes caps the stream at roughly 1 GiB, per the event topic's
// size-cap requirement.
const DefaultMaxBytes = 1 << 30

// Publisher publishes events onto a Pulse stream backed by Redis.
type Publisher struct {
	redis      *goredis.Client
	streamName string
	stream     *streaming.Stream
	telemetry  telemetry.Bundle
}

// NewPublisher constructs a Publisher. Initialize must be called before
// Publish.
func NewPublisher(redis *goredis.Client, streamName string, tel telemetry.Bundle) *Publisher {
	if streamName == "" {
		streamName = DefaultStreamName
	}
	return &Publisher{redis: redis, streamName: streamName, telemetry: tel}
}

// Initialize idempotently creates the backing stream with a size cap of
// DefaultMaxBytes; no time-based retention is configured, so entries age
// out only when the cap is reached. Safe to call repeatedly, including
// across restarts, and
// across multiple control-plane instances joining the same stream name.
func (p *Publisher) Initialize(ctx context.Context) error {
	stream, err := streaming.NewStream(p.streamName, p.redis,
		streamopts.WithStreamMaxLen(0),
		streamopts.WithStreamMaxBytes(DefaultMaxBytes),
	)
	if err != nil {
		return fmt.Errorf("initialize event stream %q: %w", p.streamName, err)
	}
	p.stream = stream
	return nil
}

// Publish writes event onto the stream. Failures are logged and counted via
// events_publish_failed_total, never returned to a caller that would roll
// back a committed transition; Publish always returns nil.
func (p *Publisher) Publish(ctx context.Context, event types.Event) error {
	if p.stream == nil {
		p.telemetry.Log.Warn(ctx, "event publish skipped: stream not initialized", "kind", string(event.Kind))
		p.telemetry.Metrics.IncCounter("events_publish_failed_total", 1, "kind", string(event.Kind))
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.telemetry.Log.Error(ctx, "event marshal failed", "kind", string(event.Kind), "err", err.Error())
		p.telemetry.Metrics.IncCounter("events_publish_failed_total", 1, "kind", string(event.Kind))
		return nil
	}

	if _, err := p.stream.Add(ctx, string(event.Kind), payload); err != nil {
		p.telemetry.Log.Error(ctx, "event publish failed", "kind", string(event.Kind), "err", err.Error())
		p.telemetry.Metrics.IncCounter("events_publish_failed_total", 1, "kind", string(event.Kind))
		return nil
	}
	return nil
}

// NewSink opens a Pulse sink for consuming this publisher's stream, used by
// event-bus test harnesses and out-of-process consumers.
func (p *Publisher) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (*streaming.Sink, error) {
	if p.stream == nil {
		return nil, fmt.Errorf("event stream %q not initialized", p.streamName)
	}
	return p.stream.NewSink(ctx, name, opts...)
}
