package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/provider"
)

const defaultToolRounds = 4

func floatPtr(f float64) *float64 { return &f }

// chatModel sends its input to a model provider. Tools wired into "tools"
// are offered to the model and invoked when it asks for them. The node can
// itself be offered as a tool to another chat model.
type chatModel struct {
	providers *provider.Registry
	logger    *slog.Logger
}

func (n *chatModel) Spec() node.Spec {
	return node.Spec{
		Name:        ChatModel,
		Description: "Generates a response with a language model.",
		Icon:        "bot",
		Group:       "models",
		Tags:        []string{"llm"},
		Inputs: []node.Input{
			{Name: "input", Type: handle.String{}, Required: true, AllowIncomingEdges: true},
			{Name: "system", Type: handle.TextField{Multiline: true}, AllowIncomingEdges: true},
			{Name: "tools", Type: handle.AgentTool{}, AllowIncomingEdges: true, AllowMultipleIncomingEdges: true},
		},
		Outputs: []node.Output{
			{Name: "response", Type: handle.String{}},
			{Name: "tool", Type: handle.Tool{}, Info: "Offers this model as a tool."},
		},
		Parameters: []node.Parameter{
			{Name: "provider", Type: handle.Provider{Resolver: &handle.Resolver{Name: "providers"}}},
			{Name: "model", Type: handle.Dropdown{Resolver: &handle.Resolver{Name: "models", CacheTTL: 5 * time.Minute, ReloadOnChange: true}}},
			{Name: "temperature", Type: handle.Number{DefaultValue: floatPtr(0.7), Min: floatPtr(0), Max: floatPtr(2)}},
			{Name: "max_tokens", Type: handle.Number{Min: floatPtr(1), Integer: true}},
			{Name: "max_tool_rounds", Type: handle.Number{DefaultValue: floatPtr(defaultToolRounds), Min: floatPtr(1), Max: floatPtr(16), Integer: true}},
			{Name: "tool_name", Type: handle.TextField{MaxLength: 64}},
			{Name: "tool_description", Type: handle.TextField{}},
		},
		CanBeTool: true,
	}
}

func (n *chatModel) Process(ctx context.Context, in node.Inputs, params node.Params) (node.Outputs, error) {
	p, err := n.providers.Get(params.String("provider"))
	if err != nil {
		return nil, err
	}

	tools := boundTools(in["tools"])
	req := n.request(params, in.String("system"), in.String("input"))
	for _, t := range tools {
		req.Tools = append(req.Tools, provider.ToolSpec{
			Name:        t.Definition.Name,
			Description: t.Definition.Description,
			Parameters:  t.Definition.Parameters,
		})
	}

	rounds := defaultToolRounds
	if f, ok := params.Float("max_tool_rounds"); ok {
		rounds = int(f)
	}

	for round := 0; ; round++ {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			return node.Outputs{"response": resp.Text}, nil
		}
		if round >= rounds {
			return nil, fmt.Errorf("model still requesting tools after %d rounds", rounds)
		}

		req.Messages = append(req.Messages, provider.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := n.callTool(ctx, tools, call)
			req.Messages = append(req.Messages, provider.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: result})
		}
	}
}

func (n *chatModel) callTool(ctx context.Context, tools []*node.BoundTool, call provider.ToolCall) string {
	for _, t := range tools {
		if t.ToolName() != call.Name {
			continue
		}
		out, err := t.Call(ctx, call.Arguments)
		if err != nil {
			n.logger.Warn("tool call failed", "tool", call.Name, "node_id", t.NodeID, "error", err)
			return "error: " + err.Error()
		}
		return out
	}
	return fmt.Sprintf("error: unknown tool %q", call.Name)
}

func (n *chatModel) request(params node.Params, system, input string) provider.Request {
	req := provider.Request{
		Model:    params.String("model"),
		System:   system,
		Messages: []provider.Message{{Role: "user", Content: input}},
	}
	if t, ok := params.Float("temperature"); ok {
		req.Temperature = &t
	}
	if m, ok := params.Float("max_tokens"); ok {
		req.MaxTokens = int(m)
	}
	return req
}

// BuildTool implements node.Tool.
func (n *chatModel) BuildTool(params node.Params) (node.ToolDefinition, error) {
	name := params.String("tool_name")
	if name == "" {
		name = ChatModel
	}
	desc := params.String("tool_description")
	if desc == "" {
		desc = "Ask a language model a question."
	}
	return node.ToolDefinition{
		Name:        name,
		Description: desc,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"input": map[string]any{"type": "string"}},
			"required":   []string{"input"},
		},
	}, nil
}

// ProcessTool implements node.Tool.
func (n *chatModel) ProcessTool(ctx context.Context, args map[string]any, params node.Params) (string, error) {
	p, err := n.providers.Get(params.String("provider"))
	if err != nil {
		return "", err
	}
	input, ok := args["input"].(string)
	if !ok {
		raw, _ := json.Marshal(args)
		input = string(raw)
	}
	resp, err := p.Complete(ctx, n.request(params, "", input))
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func boundTools(v any) []*node.BoundTool {
	var out []*node.BoundTool
	switch val := v.(type) {
	case *node.BoundTool:
		out = append(out, val)
	case []any:
		for _, item := range val {
			if t, ok := item.(*node.BoundTool); ok {
				out = append(out, t)
			}
		}
	}
	return out
}
