package nodes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/internal/node"
)

// textInput emits the run input text, or its literal when one is bound.
type textInput struct{}

func (n *textInput) Spec() node.Spec {
	return node.Spec{
		Name:        TextInput,
		Description: "Provides the test case input text to the flow.",
		Icon:        "type",
		Group:       "io",
		Inputs: []node.Input{
			{Name: "text", Type: handle.TextField{Multiline: true}, Info: "Overrides the run input when set."},
		},
		Outputs: []node.Output{{Name: "text", Type: handle.String{}}},
	}
}

func (n *textInput) Process(ctx context.Context, in node.Inputs, _ node.Params) (node.Outputs, error) {
	if text := in.String("text"); text != "" {
		return node.Outputs{"text": text}, nil
	}
	run, _ := node.RunInputFrom(ctx)
	return node.Outputs{"text": run.Text}, nil
}

// promptTemplate renders a text/template against its input and the run input.
type promptTemplate struct{}

func (n *promptTemplate) Spec() node.Spec {
	return node.Spec{
		Name:        PromptTemplate,
		Description: "Renders a prompt from a template. Available fields: .Input, .RunInput, .Metadata.",
		Icon:        "file-text",
		Group:       "prompts",
		Inputs: []node.Input{
			{Name: "template", Type: handle.TextField{Multiline: true}, Required: true},
			{Name: "input", Type: handle.String{}, AllowIncomingEdges: true},
		},
		Outputs: []node.Output{{Name: "prompt", Type: handle.String{}}},
	}
}

func (n *promptTemplate) Process(ctx context.Context, in node.Inputs, _ node.Params) (node.Outputs, error) {
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(in.String("template"))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	run, _ := node.RunInputFrom(ctx)
	data := map[string]any{
		"Input":    in.String("input"),
		"RunInput": run.Text,
		"Metadata": run.Metadata,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return node.Outputs{"prompt": buf.String()}, nil
}

// textJoin concatenates every producer wired into its fan-in input.
type textJoin struct{}

func (n *textJoin) Spec() node.Spec {
	return node.Spec{
		Name:        TextJoin,
		Description: "Joins texts from several producers in edge order.",
		Icon:        "merge",
		Group:       "text",
		Inputs: []node.Input{
			{Name: "texts", Type: handle.String{}, AllowIncomingEdges: true, AllowMultipleIncomingEdges: true},
		},
		Outputs:    []node.Output{{Name: "text", Type: handle.String{}}},
		Parameters: []node.Parameter{{Name: "separator", Type: handle.TextField{DefaultValue: "\n"}}},
	}
}

func (n *textJoin) Process(_ context.Context, in node.Inputs, params node.Params) (node.Outputs, error) {
	items, _ := in["texts"].([]any)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprint(item))
	}
	return node.Outputs{"text": strings.Join(parts, params.String("separator"))}, nil
}

// textOutput marks the text a test case is judged on.
type textOutput struct{}

func (n *textOutput) Spec() node.Spec {
	return node.Spec{
		Name:        TextOutput,
		Description: "Final output of the flow.",
		Icon:        "flag",
		Group:       "io",
		Inputs: []node.Input{
			{Name: "text", Type: handle.String{}, Required: true, AllowIncomingEdges: true},
		},
		Outputs: []node.Output{{Name: "text", Type: handle.String{}}},
	}
}

func (n *textOutput) Process(_ context.Context, in node.Inputs, _ node.Params) (node.Outputs, error) {
	v, ok := in["text"]
	if !ok {
		return nil, errors.New("no text to output")
	}
	return node.Outputs{"text": fmt.Sprint(v)}, nil
}
