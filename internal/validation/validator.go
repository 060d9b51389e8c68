package validation

import "github.com/rendis/nurture/pkg/schema"

// Validator checks workflow graphs for correctness before they are published.
type Validator interface {
	ValidateGraph(g *schema.Graph) error
}
