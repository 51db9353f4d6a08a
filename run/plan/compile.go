package plan

import (
	"fmt"
	"sync"

	"github.com/skeinworks/skein/run"
)

// NodeFactory builds a node from a fragment's config block.
type NodeFactory func(config map[string]any) (run.Node, error)

// Catalog is the vocabulary available to planners: node kinds and named
// routing predicates. Fragments may only reference what the catalog
// registers, which keeps planner output from smuggling arbitrary
// behavior into a run.
type Catalog struct {
	mu    sync.RWMutex
	kinds map[string]NodeFactory
	preds map[string]run.Predicate
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		kinds: make(map[string]NodeFactory),
		preds: make(map[string]run.Predicate),
	}
}

// RegisterKind adds a node factory under a kind name.
func (c *Catalog) RegisterKind(kind string, factory NodeFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("kind and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.kinds[kind]; dup {
		return fmt.Errorf("duplicate node kind: %s", kind)
	}
	c.kinds[kind] = factory
	return nil
}

// RegisterPredicate adds a named routing predicate.
func (c *Catalog) RegisterPredicate(name string, p run.Predicate) error {
	if name == "" || p == nil {
		return fmt.Errorf("predicate name and function are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.preds[name]; dup {
		return fmt.Errorf("duplicate predicate: %s", name)
	}
	c.preds[name] = p
	return nil
}

func (c *Catalog) kind(name string) (NodeFactory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.kinds[name]
	return f, ok
}

func (c *Catalog) predicate(name string) (run.Predicate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.preds[name]
	return p, ok
}

// Compile materializes a fragment into a graph using the catalog's
// vocabulary. Any failure reports CodePlanningFailure so the engine can
// attribute it to the planner rather than the topology it runs in.
func Compile(f Fragment, cat *Catalog) (*run.Graph, error) {
	b := run.NewBuilder(f.Name)

	for _, fn := range f.Nodes {
		factory, ok := cat.kind(fn.Kind)
		if !ok {
			return nil, planErr(f.Name, fmt.Errorf("unknown node kind: %s", fn.Kind))
		}
		node, err := factory(fn.Config)
		if err != nil {
			return nil, planErr(f.Name, fmt.Errorf("build node %s (%s): %w", fn.ID, fn.Kind, err))
		}
		b.AddNode(fn.ID, node)
		if fn.EdgeMode == "parallel" {
			b.EdgeModeFor(fn.ID, run.Parallel)
		}
	}

	for _, e := range f.Edges {
		if e.Default {
			b.DefaultEdge(e.From, e.To)
			continue
		}
		var pred run.Predicate
		if e.When != "" {
			p, ok := cat.predicate(e.When)
			if !ok {
				return nil, planErr(f.Name, fmt.Errorf("unknown predicate: %s", e.When))
			}
			pred = p
		}
		b.Connect(e.From, e.To, pred)
	}

	g, err := b.StartAt(f.Start).Compile()
	if err != nil {
		return nil, planErr(f.Name, err)
	}
	return g, nil
}

func planErr(name string, err error) error {
	return &run.Error{
		Code:    run.CodePlanningFailure,
		Message: fmt.Sprintf("fragment %s: %v", name, err),
		Err:     err,
	}
}
