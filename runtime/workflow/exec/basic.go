package exec

import (
	"context"
	"sort"

	"agentflow.dev/agentflow/runtime/workflow"
)

type (
	inputExecutor  struct{}
	outputExecutor struct{}
	mergeExecutor  struct{}
)

func (inputExecutor) Validate(workflow.Node) error { return nil }

// Execute exposes the user input under both the prompt and value keys so
// templates can reference {{Input.prompt}} or {{Input.value}}
// interchangeably.
func (inputExecutor) Execute(_ context.Context, _ workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	return Outcome{Output: map[string]any{
		"prompt": ec.UserInput,
		"value":  ec.UserInput,
	}}, nil
}

func (outputExecutor) Validate(workflow.Node) error { return nil }

// Execute collects the completed predecessors' results. A single predecessor
// passes through unwrapped; multiple predecessors yield a map keyed by node
// display name.
func (outputExecutor) Execute(_ context.Context, node workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	switch len(ec.Inputs) {
	case 0:
		return Outcome{}, workflow.NewError(workflow.CodeMissingInput, "no completed input reached the output node").WithNode(node.ID)
	case 1:
		for _, v := range ec.Inputs {
			return Outcome{Output: v}, nil
		}
	}
	return Outcome{Output: keyedInputs(ec)}, nil
}

func (mergeExecutor) Validate(node workflow.Node) error {
	switch node.ConfigString("strategy") {
	case "", "wait-all", "first-complete":
		return nil
	}
	return workflow.Errorf(workflow.CodeValidationFailed, "unknown merge strategy %q", node.ConfigString("strategy")).WithNode(node.ID)
}

// Execute returns the completed predecessors' results keyed by display name.
// Readiness differences between wait-all and first-complete are the
// scheduler's concern; by execution time Inputs already holds whichever
// predecessors count.
func (mergeExecutor) Execute(_ context.Context, node workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	if len(ec.Inputs) == 0 {
		return Outcome{}, workflow.NewError(workflow.CodeMissingInput, "no completed input reached the merge node").WithNode(node.ID)
	}
	return Outcome{Output: keyedInputs(ec)}, nil
}

// keyedInputs copies the completed predecessor results into a fresh map with
// deterministic iteration for tests and journaling.
func keyedInputs(ec *Context) map[string]any {
	names := make([]string, 0, len(ec.Inputs))
	for name := range ec.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = ec.Inputs[name]
	}
	return out
}
