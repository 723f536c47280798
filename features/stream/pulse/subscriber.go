package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "agentflow.dev/agentflow/features/stream/pulse/clients/pulse"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// DefaultSinkName identifies the consumer group subscribers join when the
// options do not name one.
const DefaultSinkName = "agentflow_subscriber"

type (
	// RecordDecoder converts raw Pulse payloads back into event records.
	RecordDecoder func([]byte) (events.Record, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client consumes the streams. Required.
		Client clientspulse.Client
		// SinkName is the Pulse consumer group. Defaults to
		// DefaultSinkName.
		SinkName string
		// Buffer is the record channel capacity. Defaults to 64.
		Buffer int
		// StreamName derives the stream from an execution id. Defaults to
		// StreamName.
		StreamName func(executionID string) string
		// Decoder deserializes entry payloads. Defaults to the JSON record
		// decoder the sink writes.
		Decoder RecordDecoder
	}

	// Subscriber follows the Pulse stream of an execution and emits the
	// records the sink published, acknowledging each after delivery.
	Subscriber struct {
		client     clientspulse.Client
		name       string
		buffer     int
		streamName func(string) string
		decode     RecordDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = DefaultSinkName
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	streamName := opts.StreamName
	if streamName == nil {
		streamName = StreamName
	}
	decode := opts.Decoder
	if decode == nil {
		decode = decodeRecord
	}
	return &Subscriber{
		client:     opts.Client,
		name:       name,
		buffer:     buffer,
		streamName: streamName,
		decode:     decode,
	}, nil
}

// Subscribe attaches to an execution's stream and returns channels for
// records and errors plus a cancel that stops consumption and closes both.
//
//	recs, errs, cancel, err := sub.Subscribe(ctx, executionID)
//	defer cancel()
//	for rec := range recs {
//	    // forward rec
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	executionID string,
	opts ...streamopts.Sink,
) (<-chan events.Record, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.streamName(executionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	recs := make(chan events.Record, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, recs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return recs, errs, cancelFunc, nil
}

// consume drains the Pulse sink, decoding and acknowledging each entry. A
// decode or ack failure is reported on errs and stops consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- events.Record, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			rec, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeRecord parses the JSON form the sink publishes.
func decodeRecord(payload []byte) (events.Record, error) {
	var rec events.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return events.Record{}, err
	}
	if len(rec.Event) == 0 {
		return events.Record{}, errors.New("record has no event body")
	}
	return rec, nil
}
