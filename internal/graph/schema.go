package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError is one schema violation in a wire payload.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SchemaError reports every shape violation of a submitted payload.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Path, v.Message))
	}
	return "invalid graph payload: " + strings.Join(parts, "; ")
}

// PayloadValidator checks the shape of a wire graph before it is decoded.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles the embedded payload schema.
func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	schema, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// ValidateJSON validates raw JSON against the payload schema.
func (v *PayloadValidator) ValidateJSON(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &SchemaError{Errors: []ValidationError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}}}
	}

	err := v.schema.Validate(doc)
	if err == nil {
		return nil
	}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		return &SchemaError{Errors: extractErrors(verr)}
	}
	return &SchemaError{Errors: []ValidationError{{Path: "$", Message: err.Error()}}}
}

func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var out []ValidationError
	if verr.Message != "" && len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		out = append(out, ValidationError{Path: path, Message: verr.Message})
	}
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Flow Graph",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "position": {
            "type": "object",
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"}
            }
          },
          "data": {
            "type": "object",
            "properties": {
              "label": {"type": "string"},
              "values": {"type": "object"},
              "parameters": {"type": "object"}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": ["string", "null"]},
          "targetHandle": {"type": ["string", "null"]}
        }
      }
    }
  }
}`
