// Package agenttest provides scripted agent backends for tests.
package agenttest

import (
	"context"
	"sync"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// Turn scripts one Run call: the events to stream, the session to report,
// and the terminal error, if any, after the events have been delivered.
type Turn struct {
	Events    []events.AgentEvent
	SessionID string
	Err       error
}

// Agent replays scripted turns in order and records the inputs it was
// given. Calls beyond the script complete immediately with an empty
// result.
type Agent struct {
	mu    sync.Mutex
	turns []Turn
	next  int
	calls []agents.Input
}

// New builds a scripted agent.
func New(turns ...Turn) *Agent {
	return &Agent{turns: turns}
}

// Run streams the next scripted turn.
func (a *Agent) Run(ctx context.Context, in agents.Input) (agents.Stream, error) {
	a.mu.Lock()
	a.calls = append(a.calls, in)
	var turn Turn
	if a.next < len(a.turns) {
		turn = a.turns[a.next]
		a.next++
	} else {
		turn = Turn{Events: []events.AgentEvent{events.Complete("")}}
	}
	a.mu.Unlock()

	st := agents.NewStreamer(ctx)
	st.SetSessionID(turn.SessionID)
	st.Go(func(context.Context) error {
		for _, evt := range turn.Events {
			if err := st.Emit(evt); err != nil {
				return err
			}
		}
		return turn.Err
	})
	return st, nil
}

// Calls returns the inputs Run has been given so far.
func (a *Agent) Calls() []agents.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agents.Input(nil), a.calls...)
}

type echo struct{}

// Echo returns an agent that streams its prompt back as a single text
// delta and completes with the prompt as its result.
func Echo() agents.Agent { return echo{} }

func (echo) Run(ctx context.Context, in agents.Input) (agents.Stream, error) {
	st := agents.NewStreamer(ctx)
	st.SetSessionID("echo-session")
	st.Go(func(context.Context) error {
		if err := st.Emit(events.TextDelta(in.Prompt)); err != nil {
			return err
		}
		return st.Emit(events.Complete(in.Prompt))
	})
	return st, nil
}

type hanging struct{}

// Hanging returns an agent that emits one delta and then blocks until its
// context is cancelled, for interrupt and timeout tests.
func Hanging() agents.Agent { return hanging{} }

func (hanging) Run(ctx context.Context, _ agents.Input) (agents.Stream, error) {
	st := agents.NewStreamer(ctx)
	st.Go(func(ctx context.Context) error {
		_ = st.Emit(events.TextDelta("working"))
		<-ctx.Done()
		return ctx.Err()
	})
	return st, nil
}
