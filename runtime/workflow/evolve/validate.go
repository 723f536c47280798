package evolve

import (
	"fmt"
	"math"
	"strings"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/schema"
)

// reservedSegments are config path segments that are never writable. Stored
// configs are served verbatim to JS frontends, so prototype-pollution
// payloads must not reach storage.
var reservedSegments = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// textTypes are the property types update-prompt may rewrite.
var textTypes = map[schema.PropertyType]bool{
	schema.TypeString:    true,
	schema.TypeTextArea:  true,
	schema.TypeCode:      true,
	schema.TypeReference: true,
}

// settingFields are the workflow settings update-workflow-setting may touch.
var settingFields = map[string]bool{
	"name":             true,
	"description":      true,
	"workingDirectory": true,
}

// Validate checks an evolution against a workflow without mutating it. Every
// mutation is checked and, when sound, applied to a shadow copy so later
// mutations in the batch observe earlier ones. All problems are collected;
// a single bad mutation invalidates the whole batch.
func Validate(w *workflow.Workflow, evo workflow.Evolution, reg *schema.Registry, opts Options) Result {
	max := opts.MaxMutations
	if max <= 0 {
		max = DefaultMaxMutations
	}
	if len(evo.Mutations) > max {
		return Result{Errors: []string{
			fmt.Sprintf("evolution proposes %d mutations, exceeding the maximum of %d", len(evo.Mutations), max),
		}}
	}

	var allowed map[string]bool
	if len(opts.Scope) > 0 {
		allowed = make(map[string]bool, len(opts.Scope))
		for _, s := range opts.Scope {
			allowed[s] = true
		}
	}

	sh := newShadow(w.Clone())
	var errs []string
	for i, m := range evo.Mutations {
		problems := checkMutation(sh, reg, opts.SelfNodeID, allowed, m)
		if len(problems) > 0 {
			for _, p := range problems {
				errs = append(errs, fmt.Sprintf("mutation %d (%s): %s", i, m.Op, p))
			}
			continue
		}
		if err := sh.apply(m); err != nil {
			errs = append(errs, fmt.Sprintf("mutation %d (%s): %v", i, m.Op, err))
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkMutation(sh *shadow, reg *schema.Registry, selfID string, allowed map[string]bool, m workflow.Mutation) []string {
	if allowed != nil && !allowed[scope(m)] {
		return []string{fmt.Sprintf("scope %s is not allowed", scope(m))}
	}
	switch m.Op {
	case workflow.OpUpdateNodeConfig:
		return checkUpdateNodeConfig(sh, reg, selfID, m)
	case workflow.OpUpdatePrompt:
		return checkUpdatePrompt(sh, reg, selfID, m)
	case workflow.OpUpdateModel:
		return checkUpdateModel(sh, reg, selfID, m)
	case workflow.OpAddNode:
		return checkAddNode(sh, reg, m)
	case workflow.OpRemoveNode:
		return checkRemoveNode(sh, reg, selfID, m)
	case workflow.OpAddEdge:
		return checkAddEdge(sh, selfID, m)
	case workflow.OpRemoveEdge:
		return checkRemoveEdge(sh, selfID, m)
	case workflow.OpUpdateWorkflowSetting:
		return checkUpdateSetting(m)
	}
	return []string{fmt.Sprintf("unknown op %q", m.Op)}
}

func checkTarget(sh *shadow, selfID string, m workflow.Mutation) (workflow.Node, []string) {
	node, ok := sh.node(m.NodeID)
	if !ok {
		return workflow.Node{}, []string{fmt.Sprintf("node %s does not exist", m.NodeID)}
	}
	if m.NodeID == selfID {
		return workflow.Node{}, []string{"a node may not mutate itself"}
	}
	return node, nil
}

func checkUpdateNodeConfig(sh *shadow, reg *schema.Registry, selfID string, m workflow.Mutation) []string {
	node, problems := checkTarget(sh, selfID, m)
	if problems != nil {
		return problems
	}
	if m.Path == "" {
		return []string{"path is required"}
	}
	segs := strings.Split(m.Path, ".")
	for _, seg := range segs {
		if reservedSegments[seg] {
			return []string{fmt.Sprintf("path segment %s is reserved", seg)}
		}
	}
	prop, ok := reg.ResolvePath(node.Type, segs)
	if !ok {
		return []string{fmt.Sprintf("path %s does not exist on %s nodes", m.Path, node.Type)}
	}
	if bad := schema.CheckValue(prop, m.Value); len(bad) > 0 {
		return bad
	}
	if m.Path == "name" {
		name, _ := m.Value.(string)
		if name == "" {
			return []string{"name must be a non-empty string"}
		}
		if owner, taken := sh.names[name]; taken && owner != m.NodeID {
			return []string{fmt.Sprintf("name %q is already used by node %s", name, owner)}
		}
	}
	return nil
}

func checkUpdatePrompt(sh *shadow, reg *schema.Registry, selfID string, m workflow.Mutation) []string {
	node, problems := checkTarget(sh, selfID, m)
	if problems != nil {
		return problems
	}
	if m.Field == "" {
		return []string{"field is required"}
	}
	prop, ok := reg.ResolvePath(node.Type, []string{m.Field})
	if !ok {
		return []string{fmt.Sprintf("field %s does not exist on %s nodes", m.Field, node.Type)}
	}
	if !textTypes[prop.Type] {
		return []string{fmt.Sprintf("field %s of %s nodes is not a text property", m.Field, node.Type)}
	}
	return nil
}

func checkUpdateModel(sh *shadow, reg *schema.Registry, selfID string, m workflow.Mutation) []string {
	node, problems := checkTarget(sh, selfID, m)
	if problems != nil {
		return problems
	}
	prop, ok := reg.ResolvePath(node.Type, []string{"model"})
	if !ok {
		return []string{fmt.Sprintf("%s nodes have no model property", node.Type)}
	}
	if bad := schema.CheckValue(prop, m.NewModel); len(bad) > 0 {
		return bad
	}
	return nil
}

func checkAddNode(sh *shadow, reg *schema.Registry, m workflow.Mutation) []string {
	if m.Node == nil {
		return []string{"node is required"}
	}
	n := *m.Node
	if n.ID == "" {
		return []string{"node id is required"}
	}
	if _, dup := sh.nodes[n.ID]; dup {
		return []string{fmt.Sprintf("node id %s already exists", n.ID)}
	}
	name := n.Name()
	if name == "" {
		return []string{"node name is required"}
	}
	if owner, taken := sh.names[name]; taken {
		return []string{fmt.Sprintf("name %q is already used by node %s", name, owner)}
	}
	if !finite(n.Position.X) || !finite(n.Position.Y) {
		return []string{"position must be finite"}
	}
	if _, ok := reg.Lookup(n.Type); !ok {
		return []string{fmt.Sprintf("unknown node type %s", n.Type)}
	}
	if bad := reg.ValidateData(n); len(bad) > 0 {
		return bad
	}
	var problems []string
	for _, endpoint := range []string{m.ConnectFrom, m.ConnectTo} {
		if endpoint == "" {
			continue
		}
		if _, ok := sh.nodes[endpoint]; !ok {
			problems = append(problems, fmt.Sprintf("connection endpoint %s does not exist", endpoint))
		}
	}
	if problems != nil {
		return problems
	}
	for _, e := range autoEdges(m) {
		if sh.edgeKeys[e.Key()] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s already exists", e.Source, e.Target))
		}
	}
	// The new node has no other connections yet, so only a from+to pair can
	// close a cycle through it: connectFrom must not be reachable from
	// connectTo.
	if m.ConnectFrom != "" && m.ConnectTo != "" && sh.wouldCycle(m.ConnectFrom, m.ConnectTo) {
		problems = append(problems, fmt.Sprintf("connecting %s through the new node would create a cycle", m.ConnectFrom))
	}
	return problems
}

func checkRemoveNode(sh *shadow, reg *schema.Registry, selfID string, m workflow.Mutation) []string {
	node, problems := checkTarget(sh, selfID, m)
	if problems != nil {
		return problems
	}
	if node.Type == workflow.TypeInput || node.Type == workflow.TypeOutput {
		return []string{fmt.Sprintf("%s nodes cannot be removed", node.Type)}
	}
	s, ok := reg.Lookup(node.Type)
	if !ok || !s.Deletable {
		return []string{fmt.Sprintf("%s nodes are not deletable", node.Type)}
	}
	if selfID != "" && sh.adjacent(m.NodeID, selfID) {
		return []string{"cannot remove a node adjacent to the reflecting node"}
	}
	return nil
}

func checkAddEdge(sh *shadow, selfID string, m workflow.Mutation) []string {
	if m.Edge == nil {
		return []string{"edge is required"}
	}
	e := *m.Edge
	if _, ok := sh.nodes[e.Source]; !ok {
		return []string{fmt.Sprintf("source node %s does not exist", e.Source)}
	}
	if _, ok := sh.nodes[e.Target]; !ok {
		return []string{fmt.Sprintf("target node %s does not exist", e.Target)}
	}
	if e.Source == selfID || e.Target == selfID {
		return []string{"edges touching the reflecting node cannot be added"}
	}
	if e.ID != "" {
		if _, dup := sh.edgeIDs[e.ID]; dup {
			return []string{fmt.Sprintf("edge id %s already exists", e.ID)}
		}
	}
	if sh.edgeKeys[e.Key()] {
		return []string{fmt.Sprintf("edge %s -> %s already exists", e.Source, e.Target)}
	}
	if sh.wouldCycle(e.Source, e.Target) {
		return []string{fmt.Sprintf("edge %s -> %s would create a cycle", e.Source, e.Target)}
	}
	return nil
}

func checkRemoveEdge(sh *shadow, selfID string, m workflow.Mutation) []string {
	i, ok := sh.edgeIDs[m.EdgeID]
	if !ok {
		return []string{fmt.Sprintf("edge %s does not exist", m.EdgeID)}
	}
	e := sh.wf.Edges[i]
	if e.Source == selfID || e.Target == selfID {
		return []string{"edges touching the reflecting node cannot be removed"}
	}
	return nil
}

func checkUpdateSetting(m workflow.Mutation) []string {
	if !settingFields[m.Field] {
		return []string{fmt.Sprintf("unknown workflow setting %s", m.Field)}
	}
	if _, ok := m.Value.(string); !ok {
		return []string{fmt.Sprintf("setting %s requires a string value", m.Field)}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
