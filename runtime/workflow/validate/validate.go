// Package validate performs structural pre-flight checks on workflows.
// An invalid workflow never starts: the engine surfaces the issues on a
// validation-error event instead.
package validate

import (
	"fmt"

	"agentflow.dev/agentflow/runtime/workflow"
)

// Code is a stable validation issue code.
type Code string

const (
	MissingInput       Code = "MISSING_INPUT"
	DuplicateInput     Code = "DUPLICATE_INPUT"
	MissingOutput      Code = "MISSING_OUTPUT"
	DuplicateOutput    Code = "DUPLICATE_OUTPUT"
	InputNotConnected  Code = "INPUT_NOT_CONNECTED"
	OutputNotConnected Code = "OUTPUT_NOT_CONNECTED"
	OrphanedNode       Code = "ORPHANED_NODE"
	OutputNotReachable Code = "OUTPUT_NOT_REACHABLE"
	DuplicateName      Code = "DUPLICATE_NAME"
)

type (
	// Issue is one validation failure.
	Issue struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
		NodeID  string `json:"nodeId,omitempty"`
	}

	// Result aggregates every issue found in one pass.
	Result struct {
		Valid  bool    `json:"valid"`
		Errors []Issue `json:"errors"`
	}
)

// Validate runs every structural check and returns the aggregate result.
// Checks are independent: one pass reports all problems at once.
func Validate(w *workflow.Workflow) Result {
	var issues []Issue

	inputs := w.NodesOfType(workflow.TypeInput)
	outputs := w.NodesOfType(workflow.TypeOutput)

	switch {
	case len(inputs) == 0:
		issues = append(issues, Issue{Code: MissingInput, Message: "workflow has no input node"})
	case len(inputs) > 1:
		issues = append(issues, Issue{Code: DuplicateInput, Message: fmt.Sprintf("workflow has %d input nodes", len(inputs))})
	}
	switch {
	case len(outputs) == 0:
		issues = append(issues, Issue{Code: MissingOutput, Message: "workflow has no output node"})
	case len(outputs) > 1:
		issues = append(issues, Issue{Code: DuplicateOutput, Message: fmt.Sprintf("workflow has %d output nodes", len(outputs))})
	}

	issues = append(issues, duplicateNames(w)...)

	g := workflow.NewGraph(w)

	if len(inputs) == 1 {
		in := inputs[0]
		if len(g.Outgoing(in.ID)) == 0 {
			issues = append(issues, Issue{Code: InputNotConnected, Message: "input node has no outgoing connections", NodeID: in.ID})
		}
	}
	if len(outputs) == 1 {
		out := outputs[0]
		if len(g.Incoming(out.ID)) == 0 {
			issues = append(issues, Issue{Code: OutputNotConnected, Message: "output node has no incoming connections", NodeID: out.ID})
		}
	}

	// Reachability needs an unambiguous entry point.
	if len(inputs) == 1 {
		reachable := g.Reachable(inputs[0].ID, nil)
		for _, n := range w.Nodes {
			if reachable[n.ID] || n.Type == workflow.TypeInput {
				continue
			}
			if n.Type == workflow.TypeOutput {
				issues = append(issues, Issue{Code: OutputNotReachable, Message: fmt.Sprintf("output node %q is not reachable from the input node", n.Name()), NodeID: n.ID})
				continue
			}
			issues = append(issues, Issue{Code: OrphanedNode, Message: fmt.Sprintf("node %q is not reachable from the input node", n.Name()), NodeID: n.ID})
		}
	}

	return Result{Valid: len(issues) == 0, Errors: issues}
}

func duplicateNames(w *workflow.Workflow) []Issue {
	var issues []Issue
	seen := make(map[string]string, len(w.Nodes))
	reported := make(map[string]bool)
	for _, n := range w.Nodes {
		name := n.Name()
		if name == "" {
			continue
		}
		if firstID, dup := seen[name]; dup {
			if !reported[name] {
				issues = append(issues, Issue{
					Code:    DuplicateName,
					Message: fmt.Sprintf("node name %q is used more than once", name),
					NodeID:  firstID,
				})
				reported[name] = true
			}
			continue
		}
		seen[name] = n.ID
	}
	return issues
}
