// Package evolve validates and applies workflow evolutions: batches of
// mutations proposed by self-reflect agents. Validation runs every mutation
// against a shadow copy of the workflow so later mutations in a batch see the
// effects of earlier ones; application deep-copies the live definition,
// replays the batch, records history, and persists the result.
package evolve

import (
	"fmt"
	"strings"

	"agentflow.dev/agentflow/runtime/workflow"
)

// DefaultMaxMutations caps a batch when the proposing node does not set its
// own limit.
const DefaultMaxMutations = 5

// Mutation scopes. A self-reflect node grants a subset; every mutation must
// fall inside the grant.
const (
	ScopePrompts  = "prompts"
	ScopeModels   = "models"
	ScopeNodes    = "nodes"
	ScopeEdges    = "edges"
	ScopeSettings = "settings"
	ScopeConfig   = "config"
)

type (
	// Options bound what an evolution may touch.
	Options struct {
		// MaxMutations caps the batch size. Zero means DefaultMaxMutations.
		MaxMutations int
		// Scope lists the allowed mutation scopes. Empty allows all.
		Scope []string
		// SelfNodeID is the proposing node. Mutations may never touch it or
		// remove its direct neighbors.
		SelfNodeID string
	}

	// Result reports the outcome of validating an evolution.
	Result struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors,omitempty"`
	}
)

// Sanitize coerces a decoded JSON value into an Evolution. Non-object entries
// in the mutations array are dropped and scalar fields are coerced to
// strings, so a sloppy agent payload still yields a checkable structure.
func Sanitize(candidate any) (workflow.Evolution, error) {
	m, ok := candidate.(map[string]any)
	if !ok {
		return workflow.Evolution{}, fmt.Errorf("evolution must be a JSON object, got %T", candidate)
	}
	evo := workflow.Evolution{
		Reasoning:      coerceString(m["reasoning"]),
		ExpectedImpact: coerceString(m["expectedImpact"]),
		RiskAssessment: coerceString(m["riskAssessment"]),
		RollbackPlan:   coerceString(m["rollbackPlan"]),
	}
	raw, _ := m["mutations"].([]any)
	for _, item := range raw {
		mm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		evo.Mutations = append(evo.Mutations, sanitizeMutation(mm))
	}
	return evo, nil
}

func sanitizeMutation(m map[string]any) workflow.Mutation {
	out := workflow.Mutation{
		Op:          workflow.MutationOp(coerceString(m["op"])),
		NodeID:      coerceString(m["nodeId"]),
		Path:        coerceString(m["path"]),
		Value:       workflow.CloneValue(m["value"]),
		Field:       coerceString(m["field"]),
		NewValue:    coerceString(m["newValue"]),
		NewModel:    coerceString(m["newModel"]),
		ConnectFrom: coerceString(m["connectFrom"]),
		ConnectTo:   coerceString(m["connectTo"]),
		EdgeID:      coerceString(m["edgeId"]),
	}
	if n := sanitizeNode(m["node"]); n != nil {
		out.Node = n
	}
	if e := sanitizeEdge(m["edge"]); e != nil {
		out.Edge = e
	}
	return out
}

func sanitizeNode(v any) *workflow.Node {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	n := workflow.Node{
		ID:   coerceString(m["id"]),
		Type: workflow.NodeType(coerceString(m["type"])),
	}
	if pos, ok := m["position"].(map[string]any); ok {
		n.Position.X = coerceNumber(pos["x"])
		n.Position.Y = coerceNumber(pos["y"])
	}
	if data, ok := m["data"].(map[string]any); ok {
		n.Data, _ = workflow.CloneValue(data).(map[string]any)
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	if _, ok := n.Data["type"]; !ok && n.Type != "" {
		n.Data["type"] = string(n.Type)
	}
	return &n
}

func sanitizeEdge(v any) *workflow.Edge {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return &workflow.Edge{
		ID:           coerceString(m["id"]),
		Source:       coerceString(m["source"]),
		Target:       coerceString(m["target"]),
		SourceHandle: coerceString(m["sourceHandle"]),
		TargetHandle: coerceString(m["targetHandle"]),
		EdgeType:     coerceString(m["edgeType"]),
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, int, bool:
		return fmt.Sprint(val)
	default:
		return ""
	}
}

func coerceNumber(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0
}

// scope returns the mutation's derived scope. Config-path mutations that
// rewrite prompt-like or model fields count against those scopes rather than
// the catch-all config scope.
func scope(m workflow.Mutation) string {
	switch m.Op {
	case workflow.OpUpdatePrompt:
		return ScopePrompts
	case workflow.OpUpdateModel:
		return ScopeModels
	case workflow.OpAddNode, workflow.OpRemoveNode:
		return ScopeNodes
	case workflow.OpAddEdge, workflow.OpRemoveEdge:
		return ScopeEdges
	case workflow.OpUpdateWorkflowSetting:
		return ScopeSettings
	case workflow.OpUpdateNodeConfig:
		root := m.Path
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		switch root {
		case "userQuery", "systemPrompt", "promptMessage", "reflectionGoal":
			return ScopePrompts
		case "model":
			return ScopeModels
		}
		return ScopeConfig
	}
	return ScopeConfig
}
