package nodes

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/internal/node"
)

// router selects one of its route labels. The selected label is emitted on
// the "route" output, and the input is forwarded on the output named after
// the label so that only that branch's edges carry a value.
type router struct {
	expr *ExprEvaluator
}

func (n *router) Spec() node.Spec {
	return node.Spec{
		Name:        Router,
		Description: "Routes the input to one labelled branch.",
		Icon:        "git-branch",
		Group:       "logic",
		Inputs: []node.Input{
			{Name: "routes", Type: handle.Router{}, Required: true},
			{Name: "input", Type: handle.String{}, Required: true, AllowIncomingEdges: true},
		},
		Outputs: []node.Output{{Name: "route", Type: handle.String{}}},
		Parameters: []node.Parameter{
			{Name: "expression", Type: handle.TextField{}, Info: "expr-lang expression over input, labels and run; must yield a label."},
			{Name: "default", Type: handle.TextField{}, Info: "Label used when nothing matches."},
		},
		Router: &node.RouterSpec{LabelsInput: "routes", DecisionOutput: "route"},
	}
}

func (n *router) Process(ctx context.Context, in node.Inputs, params node.Params) (node.Outputs, error) {
	labels, err := handle.Labels(in["routes"])
	if err != nil {
		return nil, err
	}
	input := in.String("input")

	label, err := n.decide(ctx, input, labels, params)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(labels, label) {
		return nil, fmt.Errorf("route %q is not one of %v", label, labels)
	}
	return node.Outputs{"route": label, label: input}, nil
}

func (n *router) decide(ctx context.Context, input string, labels []string, params node.Params) (string, error) {
	if expression := params.String("expression"); expression != "" {
		run, _ := node.RunInputFrom(ctx)
		return n.expr.Route(expression, routeEnv{
			Input:  input,
			Labels: labels,
			Run:    runEnv{Text: run.Text, Metadata: run.Metadata},
		})
	}

	candidate := strings.TrimSpace(input)
	for _, l := range labels {
		if strings.EqualFold(l, candidate) {
			return l, nil
		}
	}
	if def := params.String("default"); def != "" {
		return def, nil
	}
	return "", fmt.Errorf("input %q matches no route", candidate)
}
