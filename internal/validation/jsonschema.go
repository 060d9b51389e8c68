package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nurture/pkg/schema"
)

const graphSchemaURL = "https://nurture.dev/schemas/graph.json"

// graphSchemaJSON is the JSON Schema for the persisted editor graph.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nurture.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "data"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "position": { "type": "object" },
        "data": { "$ref": "#/$defs/data" }
      }
    },
    "data": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["trigger", "message", "wait", "stop_bot", "smart_condition"]
        },
        "label": { "type": "string" },
        "description": { "type": "string" },
        "triggerStageId": { "type": "string" },
        "applyToExisting": { "type": "boolean" },
        "messageMode": { "type": "string", "enum": ["custom", "ai"] },
        "messageText": { "type": "string" },
        "duration": {
          "oneOf": [
            { "type": "integer", "minimum": 1 },
            { "type": "string", "pattern": "^[0-9]+$" }
          ]
        },
        "unit": { "type": "string", "enum": ["minutes", "hours", "days"] },
        "reason": { "type": "string" },
        "conditionType": { "type": "string", "enum": ["has_replied", "ai_rule"] },
        "conditionRule": { "type": "string" }
      },
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "trigger" } } },
          "then": {
            "required": ["triggerStageId"],
            "properties": { "triggerStageId": { "minLength": 1 } }
          }
        },
        {
          "if": {
            "properties": {
              "type": { "const": "smart_condition" },
              "conditionType": { "const": "ai_rule" }
            },
            "required": ["conditionType"]
          },
          "then": {
            "required": ["conditionRule"],
            "properties": { "conditionRule": { "minLength": 1 } }
          }
        }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] },
        "label": { "type": "string" }
      }
    }
  }
}`

// JSONSchemaValidator validates persisted graphs against graphSchemaJSON.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded graph schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &JSONSchemaValidator{graphSchema: compiled}, nil
}

// ValidateJSON validates a raw graph document as the editor stored it.
func (v *JSONSchemaValidator) ValidateJSON(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "graph is not valid JSON").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return toNurtureError(err)
	}
	return nil
}

// ValidateGraph validates a decoded graph by re-encoding it.
func (v *JSONSchemaValidator) ValidateGraph(g *schema.Graph) error {
	if g == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph").WithCause(err)
	}
	return v.ValidateJSON(raw)
}

// toNurtureError converts a jsonschema.ValidationError into a NurtureError
// listing every leaf violation with its instance location.
func toNurtureError(err error) *schema.NurtureError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
