// Package exec implements the per-node executors. Each node type maps to one
// Executor that validates its config up front and drives a single run of the
// node: read resolved inputs, do the work, stream progress events, and return
// an outcome. Executors never touch scheduler state directly; everything
// flows through the Context hooks the engine provides.
package exec

import (
	"context"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/approval"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/refs"
	"agentflow.dev/agentflow/runtime/workflow/schema"
	"agentflow.dev/agentflow/runtime/workflow/telemetry"
)

type (
	// EmitFunc forwards one streaming event to the run's event bus under the
	// node-output envelope.
	EmitFunc func(events.AgentEvent)

	// Outcome is a successful node run. Output becomes the node's result and
	// feeds downstream reference resolution; Metadata travels back to the
	// scheduler only.
	Outcome struct {
		Output   any
		Metadata map[string]any
	}

	// Context is the run-scoped view handed to an executor, plus the hooks
	// it uses to talk back to the scheduler. The engine populates all fields
	// before each run; executors treat them as read-only.
	Context struct {
		ExecutionID string
		WorkflowID  string
		// UserInput is the string the execution started with.
		UserInput string
		// WorkingDirectory is the workflow-level default cwd.
		WorkingDirectory string
		// Workflow is the run's current definition snapshot.
		Workflow *workflow.Workflow
		// Inputs maps completed predecessor display names to their results.
		Inputs map[string]any
		// Ancestors maps every completed transitive ancestor's display name
		// to its result. Superset of Inputs.
		Ancestors map[string]any
		// Transcripts maps ancestor display names to their streamed events.
		// Populated only when the node's config asks for transcripts.
		Transcripts map[string][]events.AgentEvent
		// SessionID is the agent session captured on this node's previous
		// run, carried across loop iterations.
		SessionID string
		// RunCount is how many times this node has started, 1-based.
		RunCount int

		// Waiting announces an approval pause. The scheduler publishes
		// node-waiting and flips the node to the waiting status.
		Waiting func(workflow.ApprovalRequest)
		// EvolutionOutcome reports a self-reflect proposal's disposition.
		EvolutionOutcome func(events.NodeEvolutionPayload)
		// ApplyEvolution asks the scheduler to apply an evolution to the
		// live definition. It returns after persistence and the run
		// snapshot swap, serialized with scheduling decisions.
		ApplyEvolution func(ctx context.Context, evo workflow.Evolution) error
	}

	// Executor runs nodes of one type.
	Executor interface {
		// Validate rejects structurally unusable config before the node is
		// scheduled.
		Validate(node workflow.Node) error
		// Execute performs one run of the node.
		Execute(ctx context.Context, node workflow.Node, ec *Context, emit EmitFunc) (Outcome, error)
	}

	// Registry maps node types to executors.
	Registry struct {
		executors map[workflow.NodeType]Executor
	}

	// Deps carries the collaborators the built-in executors need.
	Deps struct {
		Agents     *agents.Registry
		Approvals  *approval.Coordinator
		Evolutions *approval.Coordinator
		Schemas    *schema.Registry
		Logger     telemetry.Logger
		// JS and Bash override the default script sandboxes.
		JS   JSRunner
		Bash BashRunner
	}
)

// MetaSessionID is the Outcome.Metadata key carrying an agent session handle
// for the node's next run.
const MetaSessionID = "sessionId"

// NewRegistry returns an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[workflow.NodeType]Executor)}
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(t workflow.NodeType, e Executor) {
	r.executors[t] = e
}

// Lookup returns the executor for a node type or an UNKNOWN_NODE_TYPE error.
func (r *Registry) Lookup(t workflow.NodeType) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, workflow.Errorf(workflow.CodeUnknownNodeType, "no executor registered for node type %q", t)
	}
	return e, nil
}

// Default builds a registry with every built-in executor wired to deps.
func Default(deps Deps) *Registry {
	if deps.Schemas == nil {
		deps.Schemas = schema.Default()
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.JS == nil {
		deps.JS = OttoRunner{}
	}
	if deps.Bash == nil {
		deps.Bash = ShellRunner{}
	}
	r := NewRegistry()
	r.Register(workflow.TypeInput, inputExecutor{})
	r.Register(workflow.TypeOutput, outputExecutor{})
	r.Register(workflow.TypeMerge, mergeExecutor{})
	r.Register(workflow.TypeCondition, conditionExecutor{})
	r.Register(workflow.TypeJavaScript, javascriptExecutor{runner: deps.JS})
	r.Register(workflow.TypeBash, bashExecutor{runner: deps.Bash})
	r.Register(workflow.TypeApproval, approvalExecutor{approvals: deps.Approvals})
	r.Register(workflow.TypeClaude, agentExecutor{agents: deps.Agents})
	r.Register(workflow.TypeCodex, agentExecutor{agents: deps.Agents})
	r.Register(workflow.TypeSelfReflect, reflectExecutor{
		agents:  deps.Agents,
		waits:   deps.Evolutions,
		schemas: deps.Schemas,
		logger:  deps.Logger,
	})
	return r
}

// resolveConfig interpolates references in a node's string config field
// against the executor context's inputs.
func resolveConfig(node workflow.Node, key string, ec *Context) string {
	return refs.Resolve(node.ConfigString(key), ec.Inputs)
}
