package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/nurture/pkg/schema"
)

// validateDAG performs graph analysis from the trigger: every node must be
// reachable (BFS), and any cycle must pass through a wait node so a lead is
// never looped synchronously (Kahn's algorithm with wait nodes removed).
func validateDAG(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	trigger, ok := g.Trigger()
	if !ok {
		return result
	}

	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	reached := map[string]bool{trigger.ID: true}
	queue := []string{trigger.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	var unreachable []string
	for _, n := range g.Nodes {
		if !reached[n.ID] {
			unreachable = append(unreachable, n.ID)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddNodeError(id, "nodes", schema.ErrCodeValidation,
			fmt.Sprintf("node %q is not reachable from the trigger", id))
	}

	// Cycle detection over the graph with wait nodes cut out.
	isWait := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.Type() == schema.NodeWait {
			isWait[n.ID] = true
		}
	}
	inDegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		if !isWait[n.ID] {
			inDegree[n.ID] = 0
		}
	}
	for _, e := range g.Edges {
		if isWait[e.Source] || isWait[e.Target] {
			continue
		}
		if _, ok := inDegree[e.Target]; ok {
			inDegree[e.Target]++
		}
	}
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range adj[id] {
			if _, ok := inDegree[next]; !ok {
				continue
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited < len(inDegree) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddWarning("edges", schema.ErrCodeValidation,
			fmt.Sprintf("nodes %v form a cycle without a wait node; each pass is bounded only by the step limit", cyclic))
	}
	return result
}
