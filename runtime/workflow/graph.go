package workflow

type (
	// Graph is an adjacency view over a workflow's nodes and edges. It is
	// built once and read concurrently; it never mutates the workflow.
	Graph struct {
		nodes map[string]Node
		out   map[string][]Edge
		in    map[string][]Edge
	}
)

// NewGraph indexes the workflow's nodes and edges.
func NewGraph(w *Workflow) *Graph {
	g := &Graph{
		nodes: make(map[string]Node, len(w.Nodes)),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
	}
	for _, n := range w.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range w.Edges {
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}
	return g
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving the node.
func (g *Graph) Outgoing(id string) []Edge { return g.out[id] }

// Incoming returns the edges entering the node.
func (g *Graph) Incoming(id string) []Edge { return g.in[id] }

// Predecessors returns the direct edge sources of the node, deduplicated,
// in edge order.
func (g *Graph) Predecessors(id string) []string {
	return endpoints(g.in[id], func(e Edge) string { return e.Source })
}

// Successors returns the direct edge targets of the node, deduplicated, in
// edge order.
func (g *Graph) Successors(id string) []string {
	return endpoints(g.out[id], func(e Edge) string { return e.Target })
}

func endpoints(edges []Edge, pick func(Edge) string) []string {
	var out []string
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		id := pick(e)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Ancestors returns the transitive closure of predecessors.
func (g *Graph) Ancestors(id string) map[string]bool {
	return g.closure(id, g.Predecessors)
}

// Descendants returns the reflexive transitive closure of successors,
// including id itself.
func (g *Graph) Descendants(id string) map[string]bool {
	set := g.closure(id, g.Successors)
	set[id] = true
	return set
}

func (g *Graph) closure(id string, next func(string) []string) map[string]bool {
	set := make(map[string]bool)
	stack := next(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if set[cur] {
			continue
		}
		set[cur] = true
		stack = append(stack, next(cur)...)
	}
	return set
}

// Reachable walks forward from start and returns every node reachable
// through edges for which keep returns true. A nil keep follows all edges.
// The start node is included.
func (g *Graph) Reachable(start string, keep func(Edge) bool) map[string]bool {
	set := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[cur] {
			if keep != nil && !keep(e) {
				continue
			}
			if !set[e.Target] {
				set[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return set
}

// HasCycle reports whether the directed graph formed by the given nodes and
// edges contains a cycle. It runs a three-color depth-first search: nodes
// start white, turn gray while on the stack, and black once finished; a gray
// hit is a back-edge.
func HasCycle(nodeIDs []string, edges []Edge) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	adj := make(map[string][]string, len(nodeIDs))
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	color := make(map[string]int, len(nodeIDs))

	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range nodeIDs {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}
