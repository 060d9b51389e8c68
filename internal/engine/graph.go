package engine

import (
	"github.com/rendis/nurture/pkg/schema"
)

// GraphIndex is the in-memory lookup structure the engine walks.
// Built from a workflow graph; malformed topology surfaces as
// CONFIGURATION errors when the offending node is reached.
type GraphIndex struct {
	Nodes    map[string]schema.Node
	Outgoing map[string][]schema.Edge
	Trigger  schema.Node
}

// NewGraphIndex indexes g. It fails only when there is no usable entry
// point (no trigger, more than one trigger, or duplicate node ids).
func NewGraphIndex(g *schema.Graph) (*GraphIndex, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow has no graph")
	}
	idx := &GraphIndex{
		Nodes:    make(map[string]schema.Node, len(g.Nodes)),
		Outgoing: make(map[string][]schema.Edge, len(g.Nodes)),
	}
	triggers := 0
	for _, n := range g.Nodes {
		if _, dup := idx.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate node id %q", n.ID)
		}
		idx.Nodes[n.ID] = n
		if n.Type() == schema.NodeTrigger {
			idx.Trigger = n
			triggers++
		}
	}
	if triggers != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "workflow has %d trigger nodes, expected exactly one", triggers)
	}
	for _, e := range g.Edges {
		idx.Outgoing[e.Source] = append(idx.Outgoing[e.Source], e)
	}
	return idx, nil
}

// Node returns the node with the given id.
func (g *GraphIndex) Node(id string) (schema.Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Entry returns the trigger's successor, or "" when the trigger has none.
func (g *GraphIndex) Entry() (string, error) {
	return g.Successor(g.Trigger.ID)
}

// Successor returns the single node following id, or "" when id is a leaf.
func (g *GraphIndex) Successor(id string) (string, error) {
	out := g.Outgoing[id]
	switch len(out) {
	case 0:
		return "", nil
	case 1:
		return g.target(id, out[0])
	default:
		return "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"node has %d outgoing edges, expected at most one", len(out)).WithNode(id)
	}
}

// Branch returns the target of the edge matching verdict. The node must
// declare exactly one "true" and one "false" edge.
func (g *GraphIndex) Branch(id string, verdict bool) (string, error) {
	var trueEdge, falseEdge *schema.Edge
	out := g.Outgoing[id]
	for i := range out {
		switch out[i].Branch() {
		case schema.BranchTrue:
			if trueEdge != nil {
				return "", schema.NewError(schema.ErrCodeConfiguration, `more than one "true" branch`).WithNode(id)
			}
			trueEdge = &out[i]
		case schema.BranchFalse:
			if falseEdge != nil {
				return "", schema.NewError(schema.ErrCodeConfiguration, `more than one "false" branch`).WithNode(id)
			}
			falseEdge = &out[i]
		}
	}
	if trueEdge == nil || falseEdge == nil || len(out) != 2 {
		return "", schema.NewError(schema.ErrCodeConfiguration,
			`smart_condition needs exactly one "true" and one "false" edge`).WithNode(id)
	}
	if verdict {
		return g.target(id, *trueEdge)
	}
	return g.target(id, *falseEdge)
}

func (g *GraphIndex) target(from string, e schema.Edge) (string, error) {
	if _, ok := g.Nodes[e.Target]; !ok {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration, "successor %q does not exist", e.Target).WithNode(from)
	}
	return e.Target, nil
}
