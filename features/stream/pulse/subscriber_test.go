package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"agentflow.dev/agentflow/runtime/workflow/events"
)

func TestSubscribeEmitsRecords(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	snk := &stubSink{ch: eventCh}
	str := &stubStream{sink: snk}
	cli := &stubClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	recs, errs, cancel, err := sub.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, []string{"workflow-events:exec-1"}, cli.names)

	payload, err := json.Marshal(nodeCompleteRecord())
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	rec := <-recs
	assert.EqualValues(t, 42, rec.Timestamp)
	assert.JSONEq(t, `{"type":"node-complete","nodeId":"n1","result":"ok"}`, string(rec.Event))

	// The channel closes once the sink drains, and the entry was acked.
	_, open := <-recs
	assert.False(t, open)
	assert.Empty(t, errs)

	snk.mu.Lock()
	acked := append([]string(nil), snk.acked...)
	snk.mu.Unlock()
	assert.Equal(t, []string{"1-0"}, acked)
}

func TestSubscribeDecodeErrorStopsConsumption(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	snk := &stubSink{ch: eventCh}
	cli := &stubClient{stream: &stubStream{sink: snk}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	recs, errs, cancel, err := sub.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	defer cancel()

	eventCh <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	close(eventCh)

	err = <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse decode payload")
	_, open := <-recs
	assert.False(t, open)
}

func TestSubscribeCancelClosesSink(t *testing.T) {
	eventCh := make(chan *streaming.Event)
	snk := &stubSink{ch: eventCh}
	cli := &stubClient{stream: &stubStream{sink: snk}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	recs, _, cancel, err := sub.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	closed := false
	for time.Now().Before(deadline) {
		select {
		case _, open := <-recs:
			if !open {
				closed = true
			}
		default:
		}
		if closed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, closed)

	snk.mu.Lock()
	sinkClosed := snk.closed
	snk.mu.Unlock()
	assert.True(t, sinkClosed)
}

func TestSubscribeSinkCreationError(t *testing.T) {
	cli := &stubClient{stream: &stubStream{sinkErr: errors.New("no sink")}}
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	_, _, _, err = sub.Subscribe(context.Background(), "exec-1")
	require.EqualError(t, err, "no sink")
}

func TestDecodeRecordRejectsEmptyEvent(t *testing.T) {
	_, err := decodeRecord([]byte(`{"timestamp":5}`))
	require.Error(t, err)
}
