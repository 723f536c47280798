// Package pulse mirrors workflow execution events to goa.design/pulse
// streams so that subscribers in other processes can follow a run.
// Services build a Redis client, wrap it with clients/pulse, and register
// the resulting sink on the event bus.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	clientspulse "agentflow.dev/agentflow/features/stream/pulse/clients/pulse"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// StreamName is the default mapping from an execution to its Pulse stream.
func StreamName(executionID string) string {
	return "workflow-events:" + executionID
}

type (
	// Options configures the sink.
	Options struct {
		// Client publishes the records. Required.
		Client clientspulse.Client
		// StreamName derives the target stream from an execution id.
		// Defaults to StreamName.
		StreamName func(executionID string) string
		// OnPublished, when set, runs after each successful publish with
		// the entry id Redis assigned. Its error fails the Send.
		OnPublished func(ctx context.Context, pub Published) error
	}

	// Published describes one record that reached its stream.
	Published struct {
		ExecutionID string
		Record      events.Record
		StreamID    string
		EntryID     string
	}

	// Sink publishes execution records to per-execution Pulse streams. It
	// implements events.Sink and is safe for concurrent Send calls.
	Sink struct {
		client      clientspulse.Client
		streamName  func(string) string
		onPublished func(context.Context, Published) error
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = StreamName
	}
	return &Sink{
		client:      opts.Client,
		streamName:  name,
		onPublished: opts.OnPublished,
	}, nil
}

// Send publishes one record to the execution's stream. The Pulse entry name
// carries the event type so consumers can filter without decoding.
func (s *Sink) Send(ctx context.Context, executionID string, rec events.Record) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	streamID := s.streamName(executionID)
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	entryID, err := handle.Add(ctx, entryName(rec), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, Published{
			ExecutionID: executionID,
			Record:      rec,
			StreamID:    streamID,
			EntryID:     entryID,
		})
	}
	return nil
}

// Close releases the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// entryName extracts the event type from the record's wire form.
func entryName(rec events.Record) string {
	if t := gjson.GetBytes(rec.Event, "type").String(); t != "" {
		return t
	}
	return "record"
}
