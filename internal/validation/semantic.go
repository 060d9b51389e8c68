package validation

import (
	"fmt"

	"github.com/rendis/nurture/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot express: node identity,
// the single trigger, edge references and per-type fan-out.
func validateSemantic(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]schema.Node, len(g.Nodes))
	triggers := 0
	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := nodes[n.ID]; dup {
			result.AddNodeError(n.ID, path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n
		switch c := n.Config.(type) {
		case schema.TriggerConfig:
			triggers++
		case schema.MessageConfig:
			if c.Text == "" {
				result.AddNodeWarning(n.ID, path+".data.messageText", schema.ErrCodeValidation,
					fmt.Sprintf("message node %q has no text; every send will fail", n.ID))
			}
		case schema.WaitConfig, schema.StopBotConfig, schema.SmartConditionConfig:
		case schema.UnknownConfig:
			result.AddNodeError(n.ID, path+".data.type", schema.ErrCodeConfiguration,
				fmt.Sprintf("unknown node type %q", c.RawType))
		}
	}
	switch {
	case triggers == 0:
		result.AddError("nodes", schema.ErrCodeValidation, "graph has no trigger node")
	case triggers > 1:
		result.AddError("nodes", schema.ErrCodeValidation, fmt.Sprintf("graph has %d trigger nodes, expected exactly one", triggers))
	}

	outgoing := make(map[string][]schema.Edge, len(g.Nodes))
	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := nodes[e.Source]; !ok {
			result.AddError(path+".source", schema.ErrCodeValidation, fmt.Sprintf("edge source %q does not exist", e.Source))
			continue
		}
		target, ok := nodes[e.Target]
		if !ok {
			result.AddError(path+".target", schema.ErrCodeValidation, fmt.Sprintf("edge target %q does not exist", e.Target))
			continue
		}
		if target.Type() == schema.NodeTrigger {
			result.AddNodeError(target.ID, path+".target", schema.ErrCodeValidation, "trigger node cannot have incoming edges")
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		out := outgoing[n.ID]
		switch n.Config.(type) {
		case schema.SmartConditionConfig:
			validateBranches(n.ID, path, out, result)
		case schema.StopBotConfig:
			if len(out) > 0 {
				result.AddNodeWarning(n.ID, path, schema.ErrCodeValidation,
					fmt.Sprintf("stop_bot node %q has outgoing edges that will never run", n.ID))
			}
		default:
			if len(out) > 1 {
				result.AddNodeError(n.ID, path, schema.ErrCodeConfiguration,
					fmt.Sprintf("%s node %q has %d outgoing edges, expected at most one", n.Type(), n.ID, len(out)))
			}
		}
	}
	return result
}

// validateBranches requires exactly one "true" and one "false" edge.
func validateBranches(id, path string, out []schema.Edge, result *schema.ValidationResult) {
	counts := map[string]int{}
	for _, e := range out {
		counts[e.Branch()]++
	}
	if len(out) != 2 || counts[schema.BranchTrue] != 1 || counts[schema.BranchFalse] != 1 {
		result.AddNodeError(id, path, schema.ErrCodeConfiguration,
			fmt.Sprintf("smart_condition node %q needs exactly one %q and one %q edge", id, schema.BranchTrue, schema.BranchFalse))
	}
}
