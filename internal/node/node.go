// Package node defines node specifications, the runtime node capability and
// the node registry that serves the catalog.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexinfer/flowtest/internal/handle"
)

// Common errors returned by the node registry.
var (
	ErrNodeExists   = errors.New("node already registered")
	ErrNodeNotFound = errors.New("node not found")
	ErrInvalidSpec  = errors.New("invalid node spec")
)

// Inputs are the values bound to a node's inputs for one invocation.
// Aggregate (fan-in) inputs hold a []any in edge declaration order.
type Inputs map[string]any

// Params are the parameter values bound to a node instance.
type Params map[string]any

// Outputs are the values produced by one invocation, keyed by output name.
type Outputs map[string]any

// String returns the named value as a string, or "" if absent or not a string.
func (v Inputs) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// String returns the named parameter as a string, or "" if absent or not a string.
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Float returns the named parameter as a float64.
func (p Params) Float(name string) (float64, bool) {
	return handle.ToFloat(p[name])
}

// Input declares one node input.
type Input struct {
	Name                       string
	Type                       handle.HandleType
	Required                   bool
	AllowIncomingEdges         bool
	AllowMultipleIncomingEdges bool
	Info                       string
}

// Output declares one node output.
type Output struct {
	Name string
	Type handle.HandleType
	Info string
}

// Parameter declares a configuration value. Parameters are never edge-connectable.
type Parameter struct {
	Name     string
	Type     handle.HandleType
	Required bool
	Info     string
}

// RouterSpec marks a node as a router. LabelsInput names the input carrying
// the candidate labels and DecisionOutput the output whose runtime value
// selects the branch.
type RouterSpec struct {
	LabelsInput    string
	DecisionOutput string
}

// Spec is the static contract of a node kind.
type Spec struct {
	Name        string
	Description string
	Icon        string
	Group       string
	Tags        []string
	Inputs      []Input
	Outputs     []Output
	Parameters  []Parameter
	CanBeTool   bool
	Router      *RouterSpec
}

// Input returns the named input declaration.
func (s Spec) Input(name string) (Input, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Output returns the named output declaration.
func (s Spec) Output(name string) (Output, bool) {
	for _, out := range s.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return Output{}, false
}

// Parameter returns the named parameter declaration.
func (s Spec) Parameter(name string) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Validate checks the internal consistency of the spec.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	seen := make(map[string]string)
	claim := func(kind, name string, h handle.HandleType) error {
		if name == "" {
			return fmt.Errorf("%w: %s: %s with empty name", ErrInvalidSpec, s.Name, kind)
		}
		if h == nil {
			return fmt.Errorf("%w: %s: %s %q has no handle type", ErrInvalidSpec, s.Name, kind, name)
		}
		if prev, dup := seen[kind+":"+name]; dup {
			return fmt.Errorf("%w: %s: %s %q declared twice (%s)", ErrInvalidSpec, s.Name, kind, name, prev)
		}
		seen[kind+":"+name] = kind
		return nil
	}
	for _, in := range s.Inputs {
		if err := claim("input", in.Name, in.Type); err != nil {
			return err
		}
		if in.AllowMultipleIncomingEdges && !in.AllowIncomingEdges {
			return fmt.Errorf("%w: %s: input %q allows multiple edges but no edges", ErrInvalidSpec, s.Name, in.Name)
		}
	}
	for _, out := range s.Outputs {
		if err := claim("output", out.Name, out.Type); err != nil {
			return err
		}
	}
	for _, p := range s.Parameters {
		if err := claim("parameter", p.Name, p.Type); err != nil {
			return err
		}
		if _, clash := s.Input(p.Name); clash {
			return fmt.Errorf("%w: %s: parameter %q shadows an input", ErrInvalidSpec, s.Name, p.Name)
		}
	}
	if s.Router != nil {
		in, ok := s.Input(s.Router.LabelsInput)
		if !ok || in.Type.Kind() != handle.KindRouter {
			return fmt.Errorf("%w: %s: router labels input %q must be a router handle", ErrInvalidSpec, s.Name, s.Router.LabelsInput)
		}
		if in.AllowIncomingEdges {
			return fmt.Errorf("%w: %s: router labels must be literal", ErrInvalidSpec, s.Name)
		}
		if _, ok := s.Output(s.Router.DecisionOutput); !ok {
			return fmt.Errorf("%w: %s: router decision output %q not declared", ErrInvalidSpec, s.Name, s.Router.DecisionOutput)
		}
	}
	return nil
}

// Node is the runtime behavior bound to a Spec.
type Node interface {
	Spec() Spec
	Process(ctx context.Context, in Inputs, params Params) (Outputs, error)
}

// Factory returns a fresh Node. Nodes may hold per-instance state, so the
// registry never hands out a shared instance.
type Factory func() Node

// RunInput is the external input of a run, available to every node through
// the invocation context.
type RunInput struct {
	Text     string
	Metadata map[string]any
}

type runInputKey struct{}

// WithRunInput returns a context carrying in.
func WithRunInput(ctx context.Context, in RunInput) context.Context {
	return context.WithValue(ctx, runInputKey{}, in)
}

// RunInputFrom returns the run input carried by ctx.
func RunInputFrom(ctx context.Context) (RunInput, bool) {
	in, ok := ctx.Value(runInputKey{}).(RunInput)
	return in, ok
}
