// Package agents defines the backend-neutral agent contract: one Run call
// per workflow-node turn, a uniform event stream while the turn is in
// flight, and structured-output helpers shared by every backend.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// ErrRateLimited marks provider throttling. Backend adapters wrap the
// provider error with it so middleware can detect 429-class failures with
// errors.Is and back off.
var ErrRateLimited = errors.New("agents: rate limited")

type (
	// Input is one fully resolved agent turn. Reference interpolation has
	// already happened by the time an Input reaches a backend.
	Input struct {
		// Prompt is the user query for this turn.
		Prompt string

		// SystemPrompt, when set, overrides the backend default.
		SystemPrompt string

		// Model names the backend model, e.g. "sonnet" or "gpt-5-codex".
		Model string

		// SessionID resumes a prior conversation. Empty starts a fresh
		// session; the backend assigns an ID and reports it on the
		// stream.
		SessionID string

		// WorkingDirectory is where tool calls run, when the backend
		// supports tools.
		WorkingDirectory string

		// Output, when set, requests structured output conforming to its
		// schema.
		Output *OutputConfig
	}

	// OutputConfig describes a structured-output request.
	OutputConfig struct {
		// Schema is the JSON Schema the final result must satisfy.
		Schema map[string]any

		// FilePath, when set, asks the executor to also write the
		// structured result to this path under the node's working
		// directory.
		FilePath string
	}

	// Agent is one backend adapter. Run starts a single turn and returns
	// immediately; events arrive on the stream until the turn completes
	// or fails. Cancelling ctx interrupts the turn.
	Agent interface {
		Run(ctx context.Context, in Input) (Stream, error)
	}

	// Stream delivers the turn's events in order, ending with a complete
	// or error event followed by io.EOF from Recv.
	Stream interface {
		// Recv returns the next event, ctx.Err if ctx ends first, and
		// io.EOF once the turn is over.
		Recv(ctx context.Context) (events.AgentEvent, error)

		// SessionID reports the backend session after the turn, for
		// reuse on the next one. Valid once Recv has returned io.EOF.
		SessionID() string

		// Close releases the stream. Safe to call more than once.
		Close() error
	}
)

// Registry maps agent node types to their backends. Registration happens
// at wiring time; lookups are concurrent-safe.
type Registry struct {
	mu     sync.RWMutex
	agents map[workflow.NodeType]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[workflow.NodeType]Agent)}
}

// Register binds an agent backend to a node type, replacing any prior
// binding.
func (r *Registry) Register(t workflow.NodeType, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[t] = a
}

// Agent returns the backend bound to t.
func (r *Registry) Agent(t workflow.NodeType) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("no agent backend registered for node type %q", t)
	}
	return a, nil
}

// Types returns the registered node types.
func (r *Registry) Types() []workflow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.NodeType, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	return out
}
