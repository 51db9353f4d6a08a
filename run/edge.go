package run

import "github.com/skeinworks/skein/run/state"

// Predicate evaluates a state snapshot to decide whether an edge applies.
// Predicates must be pure: deterministic and free of side effects, since
// they are re-evaluated during checkpoint replay.
type Predicate func(snapshot *state.RunState) bool

// Edge is one outgoing transition from a node. A nil When is an
// unconditional edge.
type Edge struct {
	To   string
	When Predicate
}

// EdgeMode declares how a node's outgoing edge set is interpreted.
type EdgeMode int

const (
	// Exclusive edge sets pick exactly one successor: the first edge whose
	// predicate matches, in declaration order, or the declared default.
	// No match and no default fails the run with CodeRoutingExhausted.
	Exclusive EdgeMode = iota

	// Parallel edge sets activate every matching edge, fanning out into
	// concurrent branches. With no matches the declared default applies.
	Parallel
)

func (m EdgeMode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "exclusive"
}

// EdgeSet is the complete outgoing routing declaration of one node.
type EdgeSet struct {
	Mode    EdgeMode
	Edges   []Edge
	Default string
}

// hop pairs a successor with the index of the edge that selected it. The
// index feeds deterministic work ordering.
type hop struct {
	to        string
	edgeIndex int
}

// resolve evaluates the edge set against a snapshot. ok is false when no
// successor applies, which under Exclusive mode is a routing failure.
func (es *EdgeSet) resolve(snapshot *state.RunState) ([]hop, bool) {
	if es == nil || len(es.Edges) == 0 && es.Default == "" {
		return nil, false
	}

	if es.Mode == Exclusive {
		for i, e := range es.Edges {
			if e.When == nil || e.When(snapshot) {
				return []hop{{to: e.To, edgeIndex: i}}, true
			}
		}
		if es.Default != "" {
			return []hop{{to: es.Default, edgeIndex: len(es.Edges)}}, true
		}
		return nil, false
	}

	var hops []hop
	for i, e := range es.Edges {
		if e.When == nil || e.When(snapshot) {
			hops = append(hops, hop{to: e.To, edgeIndex: i})
		}
	}
	if len(hops) == 0 {
		if es.Default != "" {
			return []hop{{to: es.Default, edgeIndex: len(es.Edges)}}, true
		}
		return nil, false
	}
	return hops, true
}

// targets returns every node name the edge set can reach, for graph
// validation.
func (es *EdgeSet) targets() []string {
	if es == nil {
		return nil
	}
	out := make([]string, 0, len(es.Edges)+1)
	for _, e := range es.Edges {
		out = append(out, e.To)
	}
	if es.Default != "" {
		out = append(out, es.Default)
	}
	return out
}
