// Package workflow defines the core data model for orchestrated workflows.
//
// # Core Concepts
//
// Workflow (Definition Layer):
//   - A saved graph of nodes and edges, identified by a stable ID
//   - Exactly one input node and one output node; unique node IDs and
//     display names
//   - Mutated only by saves and by applied evolutions
//
// Execution (Run Layer):
//   - A single run of a workflow snapshot against a user input string
//   - Identified by an execution ID; produces an ordered event journal
//   - Terminates with execution-complete or execution-error
//
// Node (Unit Layer):
//   - One unit of work typed by NodeType; config lives in the Data map
//     whose shape is governed by the schema registry
//   - Driven to a terminal NodeStatus by the scheduler
//
// Relationship example:
//
//	Workflow "wf-1"
//	  └─ Execution "exec-a" → journal [execution-start, node-start(Input), ...]
//	  └─ Execution "exec-b" → journal [...]
package workflow

import (
	"time"
)

type (
	// Workflow is a saved node graph. The engine snapshots it at
	// execution-start; the snapshot is immutable for the run except when a
	// self-reflect node applies an evolution.
	Workflow struct {
		// ID uniquely identifies the workflow in storage.
		ID string `json:"id"`
		// Name is the human-readable workflow title.
		Name string `json:"name"`
		// Description is an optional free-form summary.
		Description string `json:"description,omitempty"`
		// WorkingDirectory is the default cwd for agent and bash nodes.
		WorkingDirectory string `json:"workingDirectory,omitempty"`
		// Nodes is the node set. Node IDs and display names are unique.
		Nodes []Node `json:"nodes"`
		// Edges is the edge set. Every endpoint references an existing node.
		Edges []Edge `json:"edges"`
		// CreatedAt records when the workflow was first saved.
		CreatedAt time.Time `json:"createdAt"`
		// UpdatedAt records the last save or applied evolution.
		UpdatedAt time.Time `json:"updatedAt"`
		// EvolutionHistory records applied evolutions, oldest first.
		EvolutionHistory []EvolutionRecord `json:"evolutionHistory,omitempty"`
	}

	// Node is one unit of work in a workflow graph.
	Node struct {
		// ID uniquely identifies the node within the workflow.
		ID string `json:"id"`
		// Type selects the executor and the config schema.
		Type NodeType `json:"type"`
		// Position is opaque UI placement.
		Position Position `json:"position"`
		// Data holds the node config. Data["type"] mirrors Type and
		// Data["name"] is the unique display name.
		Data map[string]any `json:"data"`
	}

	// Position is an opaque x/y pair used by graph editors.
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Edge connects a source node to a target node. SourceHandle
	// distinguishes condition true/false branches and approval
	// approved/rejected branches.
	Edge struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle,omitempty"`
		TargetHandle string `json:"targetHandle,omitempty"`
		EdgeType     string `json:"edgeType,omitempty"`
	}

	// NodeType identifies the executor and schema for a node.
	NodeType string

	// NodeStatus is the lifecycle state of a node within one execution.
	NodeStatus string

	// ApprovalRequest is surfaced on a node-waiting event when an approval
	// node suspends.
	ApprovalRequest struct {
		NodeID         string         `json:"nodeId"`
		NodeName       string         `json:"nodeName"`
		PromptMessage  string         `json:"promptMessage"`
		DisplayData    map[string]any `json:"displayData,omitempty"`
		FeedbackPrompt string         `json:"feedbackPrompt,omitempty"`
		// TimeoutAt, when set, arms the coordinator's timeout timer.
		TimeoutAt *time.Time `json:"timeoutAt,omitempty"`
	}

	// ApprovalResponse is a user's answer to a pending approval.
	ApprovalResponse struct {
		Approved    bool      `json:"approved"`
		Feedback    string    `json:"feedback,omitempty"`
		RespondedAt time.Time `json:"respondedAt"`
	}

	// Evolution is a proposed set of workflow mutations, typically emitted
	// by a self-reflect node's agent.
	Evolution struct {
		Reasoning      string     `json:"reasoning"`
		ExpectedImpact string     `json:"expectedImpact"`
		RiskAssessment string     `json:"riskAssessment"`
		RollbackPlan   string     `json:"rollbackPlan,omitempty"`
		Mutations      []Mutation `json:"mutations"`
	}

	// Mutation is one atomic workflow change. Op selects the variant; the
	// remaining fields are populated per op:
	//
	//	update-node-config:      NodeID, Path, Value
	//	update-prompt:           NodeID, Field, NewValue
	//	update-model:            NodeID, NewModel
	//	add-node:                Node, ConnectFrom?, ConnectTo?
	//	remove-node:             NodeID
	//	add-edge:                Edge
	//	remove-edge:             EdgeID
	//	update-workflow-setting: Field, Value
	Mutation struct {
		Op          MutationOp `json:"op"`
		NodeID      string     `json:"nodeId,omitempty"`
		Path        string     `json:"path,omitempty"`
		Value       any        `json:"value,omitempty"`
		Field       string     `json:"field,omitempty"`
		NewValue    string     `json:"newValue,omitempty"`
		NewModel    string     `json:"newModel,omitempty"`
		Node        *Node      `json:"node,omitempty"`
		ConnectFrom string     `json:"connectFrom,omitempty"`
		ConnectTo   string     `json:"connectTo,omitempty"`
		Edge        *Edge      `json:"edge,omitempty"`
		EdgeID      string     `json:"edgeId,omitempty"`
	}

	// MutationOp tags a Mutation variant.
	MutationOp string

	// EvolutionRecord is one applied evolution with before/after snapshots.
	EvolutionRecord struct {
		ID        string    `json:"id"`
		NodeID    string    `json:"nodeId"`
		Timestamp time.Time `json:"timestamp"`
		Evolution Evolution `json:"evolution"`
		Before    *Workflow `json:"before,omitempty"`
		After     *Workflow `json:"after,omitempty"`
	}
)

const (
	TypeInput       NodeType = "input"
	TypeOutput      NodeType = "output"
	TypeClaude      NodeType = "claude-agent"
	TypeCodex       NodeType = "codex-agent"
	TypeCondition   NodeType = "condition"
	TypeMerge       NodeType = "merge"
	TypeJavaScript  NodeType = "javascript"
	TypeBash        NodeType = "bash"
	TypeApproval    NodeType = "approval"
	TypeSelfReflect NodeType = "self-reflect"
)

const (
	// StatusPending indicates the node has not started.
	StatusPending NodeStatus = "pending"
	// StatusRunning indicates the node's executor is active.
	StatusRunning NodeStatus = "running"
	// StatusWaiting indicates the node is blocked on an approval.
	StatusWaiting NodeStatus = "waiting"
	// StatusComplete indicates the node finished successfully.
	StatusComplete NodeStatus = "complete"
	// StatusError indicates the node failed.
	StatusError NodeStatus = "error"
	// StatusSkipped indicates the node was pruned by a branch decision.
	StatusSkipped NodeStatus = "skipped"
)

const (
	OpUpdateNodeConfig      MutationOp = "update-node-config"
	OpUpdatePrompt          MutationOp = "update-prompt"
	OpUpdateModel           MutationOp = "update-model"
	OpAddNode               MutationOp = "add-node"
	OpRemoveNode            MutationOp = "remove-node"
	OpAddEdge               MutationOp = "add-edge"
	OpRemoveEdge            MutationOp = "remove-edge"
	OpUpdateWorkflowSetting MutationOp = "update-workflow-setting"
)

// Terminal reports whether the status is final for the execution.
func (s NodeStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusSkipped
}

// Name returns the node's display name from its config, or "" when unset.
func (n Node) Name() string {
	s, _ := n.Data["name"].(string)
	return s
}

// ConfigString returns a string config field, or "" when absent or not a
// string.
func (n Node) ConfigString(key string) string {
	s, _ := n.Data[key].(string)
	return s
}

// ConfigBool returns a boolean config field.
func (n Node) ConfigBool(key string) bool {
	b, _ := n.Data[key].(bool)
	return b
}

// ConfigNumber returns a numeric config field. JSON decoding yields float64
// for all numbers.
func (n Node) ConfigNumber(key string) (float64, bool) {
	switch v := n.Data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Key returns the identity key used to detect duplicate edges.
func (e Edge) Key() string {
	return e.Source + "|" + e.Target + "|" + e.SourceHandle + "|" + e.TargetHandle + "|" + e.EdgeType
}

// NodeByID returns the node with the given ID.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodeByName returns the node with the given display name.
func (w *Workflow) NodeByName(name string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return Node{}, false
}

// NodesOfType returns every node of the given type in definition order.
func (w *Workflow) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, n := range w.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// InputNode returns the single input node when present.
func (w *Workflow) InputNode() (Node, bool) {
	nodes := w.NodesOfType(TypeInput)
	if len(nodes) != 1 {
		return Node{}, false
	}
	return nodes[0], true
}

// OutputNode returns the single output node when present.
func (w *Workflow) OutputNode() (Node, bool) {
	nodes := w.NodesOfType(TypeOutput)
	if len(nodes) != 1 {
		return Node{}, false
	}
	return nodes[0], true
}

// Clone returns a deep copy. Node config maps and evolution history are
// copied recursively so mutations of the clone never alias the original.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		out.Nodes[i] = n.Clone()
	}
	out.Edges = make([]Edge, len(w.Edges))
	copy(out.Edges, w.Edges)
	if w.EvolutionHistory != nil {
		out.EvolutionHistory = make([]EvolutionRecord, len(w.EvolutionHistory))
		for i, rec := range w.EvolutionHistory {
			cp := rec
			cp.Evolution = rec.Evolution.Clone()
			cp.Before = rec.Before.Clone()
			cp.After = rec.After.Clone()
			out.EvolutionHistory[i] = cp
		}
	}
	return &out
}

// Clone returns a deep copy of the node, including its config map.
func (n Node) Clone() Node {
	out := n
	if n.Data != nil {
		out.Data, _ = CloneValue(n.Data).(map[string]any)
	}
	return out
}

// Clone returns a deep copy of the evolution, including mutation payloads.
func (e Evolution) Clone() Evolution {
	out := e
	out.Mutations = make([]Mutation, len(e.Mutations))
	for i, m := range e.Mutations {
		cp := m
		cp.Value = CloneValue(m.Value)
		if m.Node != nil {
			nc := m.Node.Clone()
			cp.Node = &nc
		}
		if m.Edge != nil {
			ec := *m.Edge
			cp.Edge = &ec
		}
		out.Mutations[i] = cp
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value (maps, slices, scalars).
// Unknown types are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
