package middleware

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/agents/agenttest"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// drain consumes a stream to its end and returns the terminal error, nil
// for a clean end.
func drain(t *testing.T, st agents.Stream) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func TestWatchReportsTerminalErrorOnce(t *testing.T) {
	t.Parallel()

	ag := agenttest.New(agenttest.Turn{
		Events: []events.AgentEvent{events.TextDelta("a")},
		Err:    errors.New("boom"),
	})
	st, err := ag.Run(context.Background(), agents.Input{Prompt: "p"})
	require.NoError(t, err)

	var got []error
	w := watch(st, func(err error) { got = append(got, err) })
	require.EqualError(t, drain(t, w), "boom")

	// The terminal error sticks; neither re-receiving nor closing may
	// report again.
	_, err = w.Recv(context.Background())
	require.Error(t, err)
	_ = w.Close()

	require.Len(t, got, 1)
	require.EqualError(t, got[0], "boom")
}

func TestWatchReportsCleanEnd(t *testing.T) {
	t.Parallel()

	st, err := agenttest.Echo().Run(context.Background(), agents.Input{Prompt: "hello"})
	require.NoError(t, err)

	var got []error
	w := watch(st, func(err error) { got = append(got, err) })
	require.NoError(t, drain(t, w))
	require.Equal(t, []error{nil}, got)
}

func TestWatchCloseBeforeTerminalCountsClean(t *testing.T) {
	t.Parallel()

	st, err := agenttest.Hanging().Run(context.Background(), agents.Input{Prompt: "p"})
	require.NoError(t, err)

	var got []error
	w := watch(st, func(err error) { got = append(got, err) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, err := w.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "working", evt.Content)

	require.NoError(t, w.Close())
	require.Equal(t, []error{nil}, got)
}
