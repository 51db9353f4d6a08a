// Package plan turns planner output into executable workflow fragments.
//
// A planner (typically an LLM) emits a Fragment: a small JSON graph
// description naming node kinds from a Catalog. The fragment is parsed
// with repair-on-failure, validated, and compiled into a sub-graph the
// engine splices into the running session.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/skeinworks/skein/run/state"
)

// Planner produces a workflow fragment for the current task.
type Planner interface {
	Plan(ctx context.Context, snapshot *state.RunState) (Fragment, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, snapshot *state.RunState) (Fragment, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, snapshot *state.RunState) (Fragment, error) {
	return f(ctx, snapshot)
}

// Fragment is a planner-emitted graph description. Node kinds and
// predicate names refer to a Catalog; the fragment itself carries no
// code.
type Fragment struct {
	// Name identifies the spliced sub-graph in namespaces.
	Name string `json:"name"`

	// Start is the entry node ID.
	Start string `json:"start"`

	// Nodes declares the fragment's processing units.
	Nodes []FragmentNode `json:"nodes"`

	// Edges declares the transitions between them.
	Edges []FragmentEdge `json:"edges"`
}

// FragmentNode declares one node of a fragment.
type FragmentNode struct {
	// ID is the node's name inside the fragment.
	ID string `json:"id"`

	// Kind selects a node factory from the catalog.
	Kind string `json:"kind"`

	// Config is passed to the factory.
	Config map[string]any `json:"config,omitempty"`

	// EdgeMode is "exclusive" (default) or "parallel".
	EdgeMode string `json:"edge_mode,omitempty"`
}

// FragmentEdge declares one transition.
type FragmentEdge struct {
	From string `json:"from"`
	To   string `json:"to"`

	// When names a catalog predicate. Empty means unconditional.
	When string `json:"when,omitempty"`

	// Default marks this edge as the fallback when no predicate matches.
	Default bool `json:"default,omitempty"`
}

// Parse decodes a fragment from raw planner output. Markdown code fences
// are stripped, and malformed JSON gets one repair attempt before the
// parse fails. Structural validation (names present, node IDs unique,
// edges closed over declared nodes) happens here; graph-level validation
// happens at compile time.
func Parse(raw string) (Fragment, error) {
	content := stripFences(raw)

	var f Fragment
	if err := json.Unmarshal([]byte(content), &f); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return Fragment{}, fmt.Errorf("parse fragment: %w (repair also failed: %v)", err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &f); err != nil {
			return Fragment{}, fmt.Errorf("parse repaired fragment: %w", err)
		}
	}
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

func (f Fragment) validate() error {
	if f.Name == "" {
		return fmt.Errorf("fragment has no name")
	}
	if f.Start == "" {
		return fmt.Errorf("fragment %s has no start node", f.Name)
	}
	if len(f.Nodes) == 0 {
		return fmt.Errorf("fragment %s declares no nodes", f.Name)
	}
	ids := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" || n.Kind == "" {
			return fmt.Errorf("fragment %s: node needs id and kind", f.Name)
		}
		if ids[n.ID] {
			return fmt.Errorf("fragment %s: duplicate node ID %s", f.Name, n.ID)
		}
		ids[n.ID] = true
	}
	if !ids[f.Start] {
		return fmt.Errorf("fragment %s: start %s is not a declared node", f.Name, f.Start)
	}
	for _, e := range f.Edges {
		if !ids[e.From] || !ids[e.To] {
			return fmt.Errorf("fragment %s: edge %s -> %s references undeclared node", f.Name, e.From, e.To)
		}
	}
	return nil
}

func stripFences(raw string) string {
	content := strings.TrimSpace(raw)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	if i := strings.LastIndex(content, "```"); i >= 0 {
		content = content[:i]
	}
	return strings.TrimSpace(content)
}
