package validation

import "github.com/rendis/nurture/pkg/schema"

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (trigger count, edge refs, fan-out, branches)
// 3. DAG (reachability, wait-less cycles)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
}

var _ Validator = (*GraphValidator)(nil)

// NewGraphValidator creates a GraphValidator.
func NewGraphValidator() (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (gv *GraphValidator) Validate(g *schema.Graph) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph is nil")
		return r
	}

	result := validateStructural(gv.jsonSchema, g)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(g))

	// Reachability is meaningless over dangling edges.
	if result.Valid() {
		result.Merge(validateDAG(g))
	}
	return result
}

// ValidateGraph satisfies the Validator interface.
func (gv *GraphValidator) ValidateGraph(g *schema.Graph) error {
	return gv.Validate(g).ToError()
}

// validateStructural converts JSON Schema violations into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateGraph(g)
	if err == nil {
		return result
	}
	ne, ok := err.(*schema.NurtureError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ne.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ne.Message)
	return result
}
