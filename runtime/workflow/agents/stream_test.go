package agents

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow.dev/agentflow/runtime/workflow/events"
)

func TestStreamerDeliversInOrderThenEOF(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := NewStreamer(ctx)
	st.SetSessionID("sess-1")
	st.Go(func(context.Context) error {
		for _, evt := range []events.AgentEvent{
			events.TextDelta("hel"),
			events.TextDelta("lo"),
			events.Complete("hello"),
		} {
			if err := st.Emit(evt); err != nil {
				return err
			}
		}
		return nil
	})

	var got []events.AgentEvent
	for {
		evt, err := st.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, evt)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "hel", got[0].Content)
	assert.Equal(t, "lo", got[1].Content)
	assert.Equal(t, events.AgentComplete, got[2].Type)
	assert.Equal(t, "sess-1", st.SessionID())
	require.NoError(t, st.Close())
}

func TestStreamerProducerErrorSticks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boom := errors.New("backend unavailable")
	st := NewStreamer(ctx)
	st.Go(func(context.Context) error {
		_ = st.Emit(events.TextDelta("partial"))
		return boom
	})

	evt, err := st.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", evt.Content)

	_, err = st.Recv(ctx)
	require.ErrorIs(t, err, boom)
	// The error repeats on subsequent calls.
	_, err = st.Recv(ctx)
	require.ErrorIs(t, err, boom)
}

func TestStreamerRecvHonorsCallerContext(t *testing.T) {
	t.Parallel()

	st := NewStreamer(context.Background())
	st.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := st.Recv(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, st.Close())
}

func TestStreamerCloseUnblocksProducer(t *testing.T) {
	t.Parallel()

	st := NewStreamer(context.Background())
	released := make(chan struct{})
	st.Go(func(ctx context.Context) error {
		defer close(released)
		for {
			if err := st.Emit(events.TextDelta("x")); err != nil {
				return err
			}
		}
	})

	require.NoError(t, st.Close())
	<-released

	_, err := st.Recv(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeltaTracker(t *testing.T) {
	t.Parallel()

	var d DeltaTracker
	assert.Equal(t, "hel", d.Delta("hel"))
	assert.Equal(t, "lo", d.Delta("hello"))
	assert.Equal(t, "", d.Delta("hello"))
	// Non-extending snapshot resets the tracker.
	assert.Equal(t, "fresh", d.Delta("fresh"))
	assert.Equal(t, " start", d.Delta("fresh start"))
}

func TestDeltaTrackerReassemblesSnapshots(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("concatenated deltas equal the final snapshot", prop.ForAll(
		func(chunks []string) bool {
			var d DeltaTracker
			var cumulative, rebuilt strings.Builder
			for _, c := range chunks {
				cumulative.WriteString(c)
				rebuilt.WriteString(d.Delta(cumulative.String()))
			}
			return rebuilt.String() == cumulative.String()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
