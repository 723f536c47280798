// Package middleware provides reusable agents.Agent wrappers for the
// backend boundary: an AIMD adaptive rate limiter and a circuit breaker.
//
// An agent turn does not finish when Run returns; it finishes when the
// returned stream ends. The wrappers therefore watch the stream and act on
// its terminal state rather than on the Run error alone.
package middleware

import (
	"context"
	"errors"
	"io"
	"sync"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

type watchedStream struct {
	agents.Stream
	once   sync.Once
	report func(error)
}

// watch wraps a stream so that report fires exactly once with the turn
// outcome: nil on a clean end or a close before one, the terminal error
// otherwise.
func watch(st agents.Stream, report func(error)) agents.Stream {
	return &watchedStream{Stream: st, report: report}
}

func (w *watchedStream) Recv(ctx context.Context) (events.AgentEvent, error) {
	evt, err := w.Stream.Recv(ctx)
	if err != nil {
		outcome := err
		if errors.Is(err, io.EOF) {
			outcome = nil
		}
		w.once.Do(func() { w.report(outcome) })
	}
	return evt, err
}

func (w *watchedStream) Close() error {
	err := w.Stream.Close()
	w.once.Do(func() { w.report(nil) })
	return err
}
