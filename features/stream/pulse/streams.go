package pulse

import (
	"context"
	"errors"

	clientspulse "agentflow.dev/agentflow/features/stream/pulse/clients/pulse"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// EventStreams bundles a publishing sink with a subscriber factory over one
// Pulse client, so services share a single Redis connection pool for both
// directions.
type EventStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// EventStreamsOptions configures NewEventStreams.
type EventStreamsOptions struct {
	// Client serves both publishing and subscribing. Required.
	Client clientspulse.Client
	// Sink holds optional sink overrides; the Client field is filled in.
	Sink Options
}

// NewEventStreams constructs the helper. Pass Sink() to the event bus and
// keep the helper around to create subscribers for remote followers.
func NewEventStreams(opts EventStreamsOptions) (*EventStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &EventStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing side for event bus registration.
func (e *EventStreams) Sink() events.Sink { return e.sink }

// NewSubscriber builds a subscriber on the shared client.
func (e *EventStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = e.client
	return NewSubscriber(opts)
}

// Close shuts the publishing sink down. Call after all subscribers have
// been cancelled.
func (e *EventStreams) Close(ctx context.Context) error {
	return e.sink.Close(ctx)
}
