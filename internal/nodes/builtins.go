// Package nodes holds the built-in node catalog.
//
// Nodes are registered from the explicit list in Factories; there is no
// runtime discovery.
package nodes

import (
	"log/slog"

	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/internal/provider"
)

// Built-in node names.
const (
	TextInput      = "text_input"
	ChatModel      = "chat_model"
	PromptTemplate = "prompt_template"
	TextJoin       = "text_join"
	Router         = "router"
	TextOutput     = "text_output"
	JSONParse      = "json_parse"
)

// Deps are the collaborators built-in nodes are constructed with.
type Deps struct {
	Providers *provider.Registry
	Expr      *ExprEvaluator
	Logger    *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Providers == nil {
		d.Providers = provider.NewRegistry()
	}
	if d.Expr == nil {
		d.Expr = NewExprEvaluator()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Factories returns the static registration list of built-in nodes.
func Factories(deps Deps) []node.Factory {
	deps = deps.withDefaults()
	return []node.Factory{
		func() node.Node { return &textInput{} },
		func() node.Node { return &chatModel{providers: deps.Providers, logger: deps.Logger} },
		func() node.Node { return &promptTemplate{} },
		func() node.Node { return &textJoin{} },
		func() node.Node { return &router{expr: deps.Expr} },
		func() node.Node { return &textOutput{} },
		func() node.Node { return &jsonParse{} },
	}
}

// RegisterBuiltins registers every built-in node with reg.
func RegisterBuiltins(reg *node.Registry, deps Deps) error {
	for _, f := range Factories(deps) {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a node registry holding the built-in catalog.
func NewRegistry(deps Deps) (*node.Registry, error) {
	reg := node.NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
