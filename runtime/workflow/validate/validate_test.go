package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentflow.dev/agentflow/runtime/workflow"
)

func linear() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf",
		Nodes: []workflow.Node{
			{ID: "in", Type: workflow.TypeInput, Data: map[string]any{"name": "Input"}},
			{ID: "ag", Type: workflow.TypeClaude, Data: map[string]any{"name": "Agent"}},
			{ID: "out", Type: workflow.TypeOutput, Data: map[string]any{"name": "Output"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "in", Target: "ag"},
			{ID: "e2", Source: "ag", Target: "out"},
		},
	}
}

func codes(r Result) []Code {
	out := make([]Code, len(r.Errors))
	for i, iss := range r.Errors {
		out[i] = iss.Code
	}
	return out
}

func TestValidLinearWorkflow(t *testing.T) {
	t.Parallel()

	r := Validate(linear())
	require.True(t, r.Valid)
	require.Empty(t, r.Errors)
}

func TestMissingAndDuplicateInput(t *testing.T) {
	t.Parallel()

	w := linear()
	w.Nodes = w.Nodes[1:] // drop input
	r := Validate(w)
	require.False(t, r.Valid)
	require.Contains(t, codes(r), MissingInput)

	w = linear()
	w.Nodes = append(w.Nodes, workflow.Node{ID: "in2", Type: workflow.TypeInput, Data: map[string]any{"name": "Input 2"}})
	r = Validate(w)
	require.False(t, r.Valid)
	require.Contains(t, codes(r), DuplicateInput)
}

func TestMissingAndDuplicateOutput(t *testing.T) {
	t.Parallel()

	w := linear()
	w.Nodes = w.Nodes[:2]
	r := Validate(w)
	require.False(t, r.Valid)
	require.Contains(t, codes(r), MissingOutput)

	w = linear()
	w.Nodes = append(w.Nodes, workflow.Node{ID: "out2", Type: workflow.TypeOutput, Data: map[string]any{"name": "Output 2"}})
	r = Validate(w)
	require.False(t, r.Valid)
	require.Contains(t, codes(r), DuplicateOutput)
}

func TestConnectivityChecks(t *testing.T) {
	t.Parallel()

	w := linear()
	w.Edges = nil
	r := Validate(w)
	require.False(t, r.Valid)
	got := codes(r)
	require.Contains(t, got, InputNotConnected)
	require.Contains(t, got, OutputNotConnected)
	require.Contains(t, got, OutputNotReachable)
	require.Contains(t, got, OrphanedNode) // the agent node
}

func TestOrphanedNode(t *testing.T) {
	t.Parallel()

	w := linear()
	w.Nodes = append(w.Nodes, workflow.Node{ID: "stray", Type: workflow.TypeBash, Data: map[string]any{"name": "Stray"}})
	r := Validate(w)
	require.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	require.Equal(t, OrphanedNode, r.Errors[0].Code)
	require.Equal(t, "stray", r.Errors[0].NodeID)
}

func TestOutputNotReachable(t *testing.T) {
	t.Parallel()

	w := linear()
	w.Edges = w.Edges[:1] // in -> ag only
	r := Validate(w)
	require.False(t, r.Valid)
	got := codes(r)
	require.Contains(t, got, OutputNotReachable)
	require.Contains(t, got, OutputNotConnected)
	require.NotContains(t, got, OrphanedNode)
}

func TestDuplicateName(t *testing.T) {
	t.Parallel()

	w := linear()
	w.Nodes[1].Data["name"] = "Output"
	r := Validate(w)
	require.False(t, r.Valid)
	require.Contains(t, codes(r), DuplicateName)

	// Reported once per name, not once per extra node.
	w = linear()
	for i := range w.Nodes {
		w.Nodes[i].Data["name"] = "Same"
	}
	r = Validate(w)
	var dups int
	for _, iss := range r.Errors {
		if iss.Code == DuplicateName {
			dups++
		}
	}
	require.Equal(t, 1, dups)
}

func TestBranchingWorkflowIsValid(t *testing.T) {
	t.Parallel()

	w := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "in", Type: workflow.TypeInput, Data: map[string]any{"name": "Input"}},
			{ID: "c", Type: workflow.TypeCondition, Data: map[string]any{"name": "Check"}},
			{ID: "a", Type: workflow.TypeClaude, Data: map[string]any{"name": "A"}},
			{ID: "b", Type: workflow.TypeClaude, Data: map[string]any{"name": "B"}},
			{ID: "out", Type: workflow.TypeOutput, Data: map[string]any{"name": "Output"}},
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "in", Target: "c"},
			{ID: "e2", Source: "c", Target: "a", SourceHandle: "true"},
			{ID: "e3", Source: "c", Target: "b", SourceHandle: "false"},
			{ID: "e4", Source: "a", Target: "out"},
			{ID: "e5", Source: "b", Target: "out"},
		},
	}
	r := Validate(w)
	require.True(t, r.Valid, "issues: %+v", r.Errors)
}
