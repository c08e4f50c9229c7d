// Package graph turns wire-level graph payloads into FlowGraphs bound to
// resolved node specs.
//
// The loader performs no semantic validation. Handle names, cardinality and
// acyclicity are checked by the compiler, so the loader stays cheap enough
// for structural inspection such as compile receipts.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/pkg/types"
)

// SpecSource resolves node types. *node.Registry satisfies it.
type SpecSource interface {
	Get(name string) (node.Spec, bool)
}

// Node is a node instance bound to its resolved spec.
type Node struct {
	ID         string
	Type       string
	Spec       node.Spec
	Position   types.Position
	Label      string
	Values     map[string]any
	Parameters map[string]any
	// Index is the declaration position in the payload.
	Index int
}

// Edge connects an output handle to an input handle. Handles are recorded
// verbatim; empty handles are resolved by the compiler.
type Edge struct {
	ID           string
	Source       string
	Target       string
	SourceHandle string
	TargetHandle string
	Index        int
}

// FlowGraph is the in-memory directed graph of a submitted flow.
type FlowGraph struct {
	Nodes []*Node
	Edges []Edge

	byID map[string]*Node
}

// Node returns the node with id. With duplicate ids the first declared wins.
func (g *FlowGraph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// UnknownType is a node whose type did not resolve.
type UnknownType struct {
	NodeID string
	Type   string
}

// UnknownTypesError lists every unresolved node type of a payload.
type UnknownTypesError struct {
	Missing []UnknownType
}

func (e *UnknownTypesError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.NodeID, m.Type))
	}
	return "unknown node types: " + strings.Join(parts, ", ")
}

// Load resolves every node type in p against specs. If any type is unknown no
// graph is returned.
func Load(p types.GraphPayload, specs SpecSource) (*FlowGraph, error) {
	g := &FlowGraph{
		Nodes: make([]*Node, 0, len(p.Nodes)),
		Edges: make([]Edge, 0, len(p.Edges)),
		byID:  make(map[string]*Node, len(p.Nodes)),
	}

	var missing []UnknownType
	for i, np := range p.Nodes {
		spec, ok := specs.Get(np.Type)
		if !ok {
			missing = append(missing, UnknownType{NodeID: np.ID, Type: np.Type})
			continue
		}
		n := &Node{
			ID:         np.ID,
			Type:       np.Type,
			Spec:       spec,
			Position:   np.Position,
			Label:      np.Data.Label,
			Values:     np.Data.Values,
			Parameters: np.Data.Parameters,
			Index:      i,
		}
		g.Nodes = append(g.Nodes, n)
		if _, dup := g.byID[n.ID]; !dup {
			g.byID[n.ID] = n
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownTypesError{Missing: missing}
	}

	for i, ep := range p.Edges {
		id := ep.ID
		if id == "" {
			id = fmt.Sprintf("e%d", i)
		}
		g.Edges = append(g.Edges, Edge{
			ID:           id,
			Source:       ep.Source,
			Target:       ep.Target,
			SourceHandle: ep.SourceHandle,
			TargetHandle: ep.TargetHandle,
			Index:        i,
		})
	}
	return g, nil
}

// Decode validates raw JSON against the payload schema and decodes it.
func Decode(v *PayloadValidator, data []byte) (types.GraphPayload, error) {
	if v != nil {
		if err := v.ValidateJSON(data); err != nil {
			return types.GraphPayload{}, err
		}
	}
	var p types.GraphPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.GraphPayload{}, fmt.Errorf("decode graph payload: %w", err)
	}
	return p, nil
}

// Stats is a structural summary of a graph.
type Stats struct {
	Nodes     int            `json:"nodes"`
	Edges     int            `json:"edges"`
	NodeTypes map[string]int `json:"node_types"`
	Sources   []string       `json:"sources"`
	Sinks     []string       `json:"sinks"`
}

// PayloadStats summarises a payload without resolving or validating it.
func PayloadStats(p types.GraphPayload) Stats {
	s := Stats{
		Nodes:     len(p.Nodes),
		Edges:     len(p.Edges),
		NodeTypes: make(map[string]int),
	}
	in := make(map[string]int)
	out := make(map[string]int)
	for _, e := range p.Edges {
		out[e.Source]++
		in[e.Target]++
	}
	for _, n := range p.Nodes {
		s.NodeTypes[n.Type]++
		if in[n.ID] == 0 {
			s.Sources = append(s.Sources, n.ID)
		}
		if out[n.ID] == 0 {
			s.Sinks = append(s.Sinks, n.ID)
		}
	}
	sort.Strings(s.Sources)
	sort.Strings(s.Sinks)
	return s
}

// Stats summarises a loaded graph.
func (g *FlowGraph) Stats() Stats {
	p := types.GraphPayload{}
	for _, n := range g.Nodes {
		p.Nodes = append(p.Nodes, types.NodePayload{ID: n.ID, Type: n.Type})
	}
	for _, e := range g.Edges {
		p.Edges = append(p.Edges, types.EdgePayload{Source: e.Source, Target: e.Target})
	}
	return PayloadStats(p)
}
