package run

import (
	"fmt"
	"sort"
)

// Builder accumulates nodes, edges, sub-graphs, and join declarations,
// then compiles them into an immutable Graph. Compile performs full
// validation; construction methods only reject locally detectable
// mistakes so graphs can be assembled in any order.
type Builder struct {
	name      string
	nodes     map[string]Node
	policies  map[string]*NodePolicy
	edges     map[string]*EdgeSet
	subgraphs map[string]*Graph
	joins     map[string][]string
	start     string
	errs      []error
}

// NewBuilder starts a graph definition. The name identifies the graph in
// namespaces and events when it is embedded as a sub-graph.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		nodes:     make(map[string]Node),
		policies:  make(map[string]*NodePolicy),
		edges:     make(map[string]*EdgeSet),
		subgraphs: make(map[string]*Graph),
		joins:     make(map[string][]string),
	}
}

func (b *Builder) fail(format string, args ...any) *Builder {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

// AddNode registers a node under a unique ID.
func (b *Builder) AddNode(id string, n Node) *Builder {
	if id == "" {
		return b.fail("node ID cannot be empty")
	}
	if n == nil {
		return b.fail("node %s cannot be nil", id)
	}
	if _, dup := b.nodes[id]; dup {
		return b.fail("duplicate node ID: %s", id)
	}
	if _, dup := b.subgraphs[id]; dup {
		return b.fail("node ID collides with sub-graph: %s", id)
	}
	b.nodes[id] = n
	return b
}

// AddNodeWithPolicy registers a node with per-node execution overrides.
func (b *Builder) AddNodeWithPolicy(id string, n Node, policy NodePolicy) *Builder {
	b.AddNode(id, n)
	b.policies[id] = &policy
	return b
}

// AddSubgraph embeds a compiled graph as a single node. Entering the node
// pushes its ID onto the namespace and starts the child graph; the child
// reaching a terminal route completes the node.
func (b *Builder) AddSubgraph(id string, g *Graph) *Builder {
	if id == "" {
		return b.fail("sub-graph ID cannot be empty")
	}
	if g == nil {
		return b.fail("sub-graph %s cannot be nil", id)
	}
	if _, dup := b.nodes[id]; dup {
		return b.fail("sub-graph ID collides with node: %s", id)
	}
	if _, dup := b.subgraphs[id]; dup {
		return b.fail("duplicate sub-graph ID: %s", id)
	}
	b.subgraphs[id] = g
	return b
}

// StartAt sets the entry node.
func (b *Builder) StartAt(id string) *Builder {
	if id == "" {
		return b.fail("start node ID cannot be empty")
	}
	b.start = id
	return b
}

// Connect adds an outgoing edge. A nil predicate is unconditional. Edges
// from the same node form one edge set evaluated in declaration order.
func (b *Builder) Connect(from, to string, when Predicate) *Builder {
	if from == "" || to == "" {
		return b.fail("edge endpoints cannot be empty (%q -> %q)", from, to)
	}
	es := b.edges[from]
	if es == nil {
		es = &EdgeSet{}
		b.edges[from] = es
	}
	es.Edges = append(es.Edges, Edge{To: to, When: when})
	return b
}

// EdgeModeFor declares how a node's edge set routes: Exclusive (first
// match wins) or Parallel (all matches fan out). Exclusive is the
// default.
func (b *Builder) EdgeModeFor(from string, mode EdgeMode) *Builder {
	es := b.edges[from]
	if es == nil {
		es = &EdgeSet{}
		b.edges[from] = es
	}
	es.Mode = mode
	return b
}

// DefaultEdge declares where routing goes when no predicate matches.
func (b *Builder) DefaultEdge(from, to string) *Builder {
	if to == "" {
		return b.fail("default edge target cannot be empty (from %q)", from)
	}
	es := b.edges[from]
	if es == nil {
		es = &EdgeSet{}
		b.edges[from] = es
	}
	es.Default = to
	return b
}

// Join declares that a node runs only after all the listed upstream nodes
// have completed in the same step wave. Used to re-converge parallel
// branches.
func (b *Builder) Join(id string, upstream ...string) *Builder {
	if len(upstream) == 0 {
		return b.fail("join %s needs at least one upstream node", id)
	}
	b.joins[id] = append(b.joins[id], upstream...)
	return b
}

// Compile validates the accumulated definition and freezes it into a
// Graph. Checks:
//   - all construction errors collected so far
//   - a start node is set and exists
//   - every edge endpoint and join participant names a node or sub-graph
//   - every node is reachable from the start
//   - a parallel fan-out cannot feed a join that also waits on a node
//     outside the fan-out's reachable set (the join would deadlock)
//   - a parallel fan-out cannot reach a cycle that lacks a join: every
//     branch must terminate or re-converge through a declared join
//   - a timeout route policy names an existing target node
func (b *Builder) Compile() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph %s: %w", b.name, b.errs[0])
	}
	if b.start == "" {
		return nil, fmt.Errorf("graph %s: start node not set", b.name)
	}
	exists := func(id string) bool {
		_, n := b.nodes[id]
		_, s := b.subgraphs[id]
		return n || s
	}
	if !exists(b.start) {
		return nil, fmt.Errorf("graph %s: start node does not exist: %s", b.name, b.start)
	}
	for from, es := range b.edges {
		if !exists(from) {
			return nil, fmt.Errorf("graph %s: edge from unknown node: %s", b.name, from)
		}
		for _, to := range es.targets() {
			if !exists(to) {
				return nil, fmt.Errorf("graph %s: edge %s -> unknown node: %s", b.name, from, to)
			}
		}
	}
	for id, ups := range b.joins {
		if !exists(id) {
			return nil, fmt.Errorf("graph %s: join on unknown node: %s", b.name, id)
		}
		for _, up := range ups {
			if !exists(up) {
				return nil, fmt.Errorf("graph %s: join %s waits on unknown node: %s", b.name, id, up)
			}
		}
	}

	if unreached := b.unreachable(); len(unreached) > 0 {
		return nil, fmt.Errorf("graph %s: unreachable nodes: %v", b.name, unreached)
	}
	if err := b.checkJoinFeeds(); err != nil {
		return nil, fmt.Errorf("graph %s: %w", b.name, err)
	}
	if err := b.checkFanOutCycles(); err != nil {
		return nil, fmt.Errorf("graph %s: %w", b.name, err)
	}
	for id, policy := range b.policies {
		if policy.OnTimeout == TimeoutRoute {
			if policy.TimeoutTarget == "" {
				return nil, fmt.Errorf("graph %s: node %s routes on timeout but names no target", b.name, id)
			}
			if !exists(policy.TimeoutTarget) {
				return nil, fmt.Errorf("graph %s: node %s routes on timeout to unknown node: %s", b.name, id, policy.TimeoutTarget)
			}
		}
	}

	return &Graph{
		name:      b.name,
		nodes:     b.nodes,
		policies:  b.policies,
		edges:     b.edges,
		subgraphs: b.subgraphs,
		joins:     b.joins,
		start:     b.start,
	}, nil
}

// unreachable walks declared edges from the start node. Nodes reachable
// only through explicit NodeResult routing cannot be proven reachable
// statically, so the walk also seeds from join declarations, which name
// their participants explicitly.
func (b *Builder) unreachable() []string {
	seen := map[string]bool{b.start: true}
	queue := []string{b.start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, to := range b.edges[cur].targets() {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
		// Timeout routing is an edge too.
		if p := b.policies[cur]; p != nil && p.OnTimeout == TimeoutRoute && p.TimeoutTarget != "" {
			if !seen[p.TimeoutTarget] {
				seen[p.TimeoutTarget] = true
				queue = append(queue, p.TimeoutTarget)
			}
		}
	}
	var out []string
	for id := range b.nodes {
		if !seen[id] && !b.joinParticipant(id, seen) {
			out = append(out, id)
		}
	}
	for id := range b.subgraphs {
		if !seen[id] && !b.joinParticipant(id, seen) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Builder) joinParticipant(id string, seen map[string]bool) bool {
	if ups, ok := b.joins[id]; ok {
		for _, up := range ups {
			if seen[up] {
				return true
			}
		}
	}
	for _, ups := range b.joins {
		for _, up := range ups {
			if up == id {
				return true
			}
		}
	}
	return false
}

// checkJoinFeeds rejects joins whose upstream set mixes nodes from
// disjoint regions: if one upstream is unreachable from another's fan-out
// origin, the join can wait forever.
func (b *Builder) checkJoinFeeds() error {
	for id, ups := range b.joins {
		for _, up := range ups {
			hasEdge := false
			for _, to := range b.edges[up].targets() {
				if to == id {
					hasEdge = true
					break
				}
			}
			if !hasEdge {
				return fmt.Errorf("join %s waits on %s but no edge %s -> %s exists", id, up, up, id)
			}
		}
	}
	return nil
}

// checkFanOutCycles rejects parallel fan-outs that can loop back on
// themselves without passing a declared join. The walk follows declared
// edges from each Parallel edge set and stops at join nodes, so any
// cycle it finds sits entirely inside the fan-out region with nothing to
// re-converge the branches.
func (b *Builder) checkFanOutCycles() error {
	const (
		unvisited = iota
		onPath
		done
	)
	for from, es := range b.edges {
		if es.Mode != Parallel {
			continue
		}
		color := make(map[string]int)
		var visit func(id string) error
		visit = func(id string) error {
			color[id] = onPath
			for _, to := range b.edges[id].targets() {
				if _, isJoin := b.joins[to]; isJoin {
					continue
				}
				switch color[to] {
				case onPath:
					return fmt.Errorf("parallel fan-out from %s reaches a cycle through %s with no join", from, to)
				case unvisited:
					if err := visit(to); err != nil {
						return err
					}
				}
			}
			color[id] = done
			return nil
		}
		if err := visit(from); err != nil {
			return err
		}
	}
	return nil
}

// Graph is a compiled, immutable workflow topology. Safe for concurrent
// use by any number of runs.
type Graph struct {
	name      string
	nodes     map[string]Node
	policies  map[string]*NodePolicy
	edges     map[string]*EdgeSet
	subgraphs map[string]*Graph
	joins     map[string][]string
	start     string
}

// Name returns the graph's identifier.
func (g *Graph) Name() string { return g.name }

// Start returns the entry node ID.
func (g *Graph) Start() string { return g.start }

// Node returns the node registered under id, if any.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Subgraph returns the embedded graph registered under id, if any.
func (g *Graph) Subgraph(id string) (*Graph, bool) {
	s, ok := g.subgraphs[id]
	return s, ok
}

// Policy returns the per-node overrides for id, or nil.
func (g *Graph) Policy(id string) *NodePolicy { return g.policies[id] }

// EdgeSetFor returns the outgoing edge declaration of id, or nil.
func (g *Graph) EdgeSetFor(id string) *EdgeSet { return g.edges[id] }

// JoinInputs returns the upstream nodes a join waits for, or nil when id
// is not a join.
func (g *Graph) JoinInputs(id string) []string { return g.joins[id] }
