package node

import (
	"context"
	"fmt"
)

// Tool is implemented by nodes whose spec sets CanBeTool. Instead of running
// as a pipeline step the node is offered to a consumer that invokes it on
// demand.
type Tool interface {
	BuildTool(params Params) (ToolDefinition, error)
	ProcessTool(ctx context.Context, args map[string]any, params Params) (string, error)
}

// ToolDefinition is what a model sees of a tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// BoundTool is a tool node together with the parameters of its instance. It
// is the value that flows through tool and agent_tool handles.
type BoundTool struct {
	Definition ToolDefinition
	NodeID     string

	tool   Tool
	params Params
}

// BindTool builds the definition of t and binds it to params.
func BindTool(nodeID string, t Tool, params Params) (*BoundTool, error) {
	def, err := t.BuildTool(params)
	if err != nil {
		return nil, fmt.Errorf("build tool %s: %w", nodeID, err)
	}
	if def.Name == "" {
		def.Name = nodeID
	}
	return &BoundTool{Definition: def, NodeID: nodeID, tool: t, params: params}, nil
}

// ToolName implements handle.ToolValue.
func (b *BoundTool) ToolName() string { return b.Definition.Name }

// Call invokes the tool with model-supplied arguments.
func (b *BoundTool) Call(ctx context.Context, args map[string]any) (string, error) {
	return b.tool.ProcessTool(ctx, args, b.params)
}
