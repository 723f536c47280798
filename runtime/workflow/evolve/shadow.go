package evolve

import (
	"fmt"
	"strconv"
	"strings"

	"agentflow.dev/agentflow/runtime/workflow"
	"github.com/google/uuid"
)

// shadow is a mutable working copy of a workflow with the index maps needed
// for fast uniqueness and reachability checks. Both the validator and the
// applier drive batches through it so a batch's later mutations observe its
// earlier ones. Index maps key node IDs to positions in wf.Nodes, display
// names to owning node IDs, and edge IDs to positions in wf.Edges; edgeKeys
// detects duplicate connections and out holds forward adjacency.
type shadow struct {
	wf       *workflow.Workflow
	nodes    map[string]int
	names    map[string]string
	edgeIDs  map[string]int
	edgeKeys map[string]bool
	out      map[string][]string
}

func newShadow(wf *workflow.Workflow) *shadow {
	sh := &shadow{wf: wf}
	sh.reindex()
	return sh
}

func (sh *shadow) reindex() {
	sh.nodes = make(map[string]int, len(sh.wf.Nodes))
	sh.names = make(map[string]string, len(sh.wf.Nodes))
	for i, n := range sh.wf.Nodes {
		sh.nodes[n.ID] = i
		if name := n.Name(); name != "" {
			sh.names[name] = n.ID
		}
	}
	sh.edgeIDs = make(map[string]int, len(sh.wf.Edges))
	sh.edgeKeys = make(map[string]bool, len(sh.wf.Edges))
	sh.out = make(map[string][]string, len(sh.wf.Nodes))
	for i, e := range sh.wf.Edges {
		sh.edgeIDs[e.ID] = i
		sh.edgeKeys[e.Key()] = true
		sh.out[e.Source] = append(sh.out[e.Source], e.Target)
	}
}

func (sh *shadow) node(id string) (workflow.Node, bool) {
	i, ok := sh.nodes[id]
	if !ok {
		return workflow.Node{}, false
	}
	return sh.wf.Nodes[i], true
}

// wouldCycle reports whether an edge source->target closes a cycle, that is
// whether source is already reachable from target.
func (sh *shadow) wouldCycle(source, target string) bool {
	if source == target {
		return true
	}
	seen := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range sh.out[cur] {
			if next == source {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// adjacent reports whether any edge directly connects a and b.
func (sh *shadow) adjacent(a, b string) bool {
	for _, e := range sh.wf.Edges {
		if (e.Source == a && e.Target == b) || (e.Source == b && e.Target == a) {
			return true
		}
	}
	return false
}

// apply executes a single mutation against the shadow. Callers are expected
// to have validated the mutation; apply still guards the invariants it needs
// to stay consistent and errors instead of corrupting the copy.
func (sh *shadow) apply(m workflow.Mutation) error {
	switch m.Op {
	case workflow.OpUpdateNodeConfig:
		i, ok := sh.nodes[m.NodeID]
		if !ok {
			return fmt.Errorf("node %s does not exist", m.NodeID)
		}
		if sh.wf.Nodes[i].Data == nil {
			sh.wf.Nodes[i].Data = map[string]any{}
		}
		if err := setPath(sh.wf.Nodes[i].Data, strings.Split(m.Path, "."), m.Value); err != nil {
			return err
		}
		if m.Path == "name" {
			sh.reindex()
		}
		return nil

	case workflow.OpUpdatePrompt:
		i, ok := sh.nodes[m.NodeID]
		if !ok {
			return fmt.Errorf("node %s does not exist", m.NodeID)
		}
		if sh.wf.Nodes[i].Data == nil {
			sh.wf.Nodes[i].Data = map[string]any{}
		}
		sh.wf.Nodes[i].Data[m.Field] = m.NewValue
		return nil

	case workflow.OpUpdateModel:
		i, ok := sh.nodes[m.NodeID]
		if !ok {
			return fmt.Errorf("node %s does not exist", m.NodeID)
		}
		if sh.wf.Nodes[i].Data == nil {
			sh.wf.Nodes[i].Data = map[string]any{}
		}
		sh.wf.Nodes[i].Data["model"] = m.NewModel
		return nil

	case workflow.OpAddNode:
		if m.Node == nil {
			return fmt.Errorf("add-node carries no node")
		}
		node := m.Node.Clone()
		sh.wf.Nodes = append(sh.wf.Nodes, node)
		for _, e := range autoEdges(m) {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			sh.wf.Edges = append(sh.wf.Edges, e)
		}
		sh.reindex()
		return nil

	case workflow.OpRemoveNode:
		if _, ok := sh.nodes[m.NodeID]; !ok {
			return fmt.Errorf("node %s does not exist", m.NodeID)
		}
		nodes := sh.wf.Nodes[:0]
		for _, n := range sh.wf.Nodes {
			if n.ID != m.NodeID {
				nodes = append(nodes, n)
			}
		}
		sh.wf.Nodes = nodes
		edges := sh.wf.Edges[:0]
		for _, e := range sh.wf.Edges {
			if e.Source != m.NodeID && e.Target != m.NodeID {
				edges = append(edges, e)
			}
		}
		sh.wf.Edges = edges
		sh.reindex()
		return nil

	case workflow.OpAddEdge:
		if m.Edge == nil {
			return fmt.Errorf("add-edge carries no edge")
		}
		e := *m.Edge
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		sh.wf.Edges = append(sh.wf.Edges, e)
		sh.reindex()
		return nil

	case workflow.OpRemoveEdge:
		if _, ok := sh.edgeIDs[m.EdgeID]; !ok {
			return fmt.Errorf("edge %s does not exist", m.EdgeID)
		}
		edges := sh.wf.Edges[:0]
		for _, e := range sh.wf.Edges {
			if e.ID != m.EdgeID {
				edges = append(edges, e)
			}
		}
		sh.wf.Edges = edges
		sh.reindex()
		return nil

	case workflow.OpUpdateWorkflowSetting:
		value, ok := m.Value.(string)
		if !ok {
			return fmt.Errorf("setting %s requires a string value", m.Field)
		}
		switch m.Field {
		case "name":
			sh.wf.Name = value
		case "description":
			sh.wf.Description = value
		case "workingDirectory":
			sh.wf.WorkingDirectory = value
		default:
			return fmt.Errorf("unknown workflow setting %s", m.Field)
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", m.Op)
}

// autoEdges returns the edges an add-node mutation creates alongside the node.
func autoEdges(m workflow.Mutation) []workflow.Edge {
	var out []workflow.Edge
	if m.ConnectFrom != "" {
		out = append(out, workflow.Edge{Source: m.ConnectFrom, Target: m.Node.ID})
	}
	if m.ConnectTo != "" {
		out = append(out, workflow.Edge{Source: m.Node.ID, Target: m.ConnectTo})
	}
	return out
}

// setPath writes value at a dotted path inside a node config map. Numeric
// segments index arrays; missing intermediate objects are created.
func setPath(data map[string]any, segs []string, value any) error {
	var cur any = data
	for i, seg := range segs {
		last := i == len(segs)-1
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := cur.([]any)
			if !ok {
				return fmt.Errorf("segment %s indexes a non-array", seg)
			}
			if idx < 0 || idx >= len(arr) {
				return fmt.Errorf("index %d out of range", idx)
			}
			if last {
				arr[idx] = workflow.CloneValue(value)
				return nil
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("segment %s descends into a non-object", seg)
		}
		if last {
			m[seg] = workflow.CloneValue(value)
			return nil
		}
		next, ok := m[seg]
		if !ok || next == nil {
			child := map[string]any{}
			m[seg] = child
			cur = child
			continue
		}
		cur = next
	}
	return nil
}
