// Package replay plans partial re-executions. Given a finished execution's
// summary and the current workflow definition, Compute classifies every node
// into reused, re-executed, or new so the engine can seed completed ancestors
// and restart the scheduler from an arbitrary node. The planner is pure; the
// engine owns journal access and seeding.
package replay

import (
	"fmt"
	"sort"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

// Plan classifies the current workflow's nodes for a replay.
type Plan struct {
	// FromNodeID is the node the replay starts at.
	FromNodeID string `json:"fromNodeId"`
	// Reused are ancestors of the start node whose completed outputs seed the
	// new execution.
	Reused []string `json:"reused"`
	// ReExecuted is the start node and its descendants, scheduled afresh.
	ReExecuted []string `json:"reExecuted"`
	// New are nodes absent from the source execution; they run when the
	// scheduler reaches them.
	New []string `json:"new,omitempty"`
	// Warnings report node-set drift between the source execution and the
	// current workflow.
	Warnings []string `json:"warnings,omitempty"`
}

// Compute builds a replay plan. It fails when the start node is unknown or
// when any ancestor of the start node did not complete in the source
// execution, since its output cannot be seeded.
func Compute(summary store.ExecutionSummary, current *workflow.Workflow, fromNodeID string) (Plan, error) {
	g := workflow.NewGraph(current)
	if _, ok := g.Node(fromNodeID); !ok {
		return Plan{}, workflow.Errorf(workflow.CodeValidationFailed, "node %s does not exist in workflow %s", fromNodeID, current.ID)
	}

	plan := Plan{FromNodeID: fromNodeID}
	ancestors := g.Ancestors(fromNodeID)
	for id := range ancestors {
		state, ran := summary.Nodes[id]
		if !ran || state.Status != workflow.StatusComplete {
			return Plan{}, workflow.Errorf(workflow.CodeValidationFailed,
				"cannot replay from %s: ancestor %s did not complete in execution %s", fromNodeID, id, summary.ExecutionID).WithNode(id)
		}
		plan.Reused = append(plan.Reused, id)
	}

	reExecuted := g.Descendants(fromNodeID)
	for id := range reExecuted {
		plan.ReExecuted = append(plan.ReExecuted, id)
	}

	for _, n := range current.Nodes {
		if _, ran := summary.Nodes[n.ID]; ran || n.Type == workflow.TypeInput {
			continue
		}
		if reExecuted[n.ID] {
			continue
		}
		plan.New = append(plan.New, n.ID)
	}

	for id := range summary.Nodes {
		if _, ok := g.Node(id); !ok {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("node %s from the source execution no longer exists", id))
		}
	}

	sort.Strings(plan.Reused)
	sort.Strings(plan.ReExecuted)
	sort.Strings(plan.New)
	sort.Strings(plan.Warnings)
	return plan, nil
}
