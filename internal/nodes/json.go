package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/internal/node"
)

// jsonParse decodes model text into structured data, optionally checking it
// against a JSON schema.
type jsonParse struct{}

func (n *jsonParse) Spec() node.Spec {
	return node.Spec{
		Name:        JSONParse,
		Description: "Parses JSON text, tolerating markdown code fences.",
		Icon:        "braces",
		Group:       "text",
		Inputs: []node.Input{
			{Name: "text", Type: handle.String{}, Required: true, AllowIncomingEdges: true},
		},
		Outputs: []node.Output{
			{Name: "data", Type: handle.Data{}},
			{Name: "text", Type: handle.String{}, Info: "Canonical JSON encoding of data."},
		},
		Parameters: []node.Parameter{
			{Name: "schema", Type: handle.TextField{Multiline: true}},
		},
	}
}

func (n *jsonParse) Process(_ context.Context, in node.Inputs, params node.Params) (node.Outputs, error) {
	var data any
	if err := json.Unmarshal([]byte(stripFences(in.String("text"))), &data); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if schema := params.String("schema"); schema != "" {
		h, err := handle.NewData(schema)
		if err != nil {
			return nil, err
		}
		if err := h.Validate(data); err != nil {
			return nil, err
		}
	}
	canonical, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return node.Outputs{"data": data, "text": string(canonical)}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
