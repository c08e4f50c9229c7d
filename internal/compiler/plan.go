package compiler

import "github.com/flexinfer/flowtest/internal/node"

// Plan is the validated execution plan of a flow graph.
type Plan struct {
	// Order is a dependency-consistent order of every node id.
	Order []string
	// Stages group nodes of equal depth; nodes in one stage are independent.
	Stages []Stage
	Steps  map[string]*Step
	// Sinks are the nodes without successors, in plan order.
	Sinks []string
}

// Stage is a set of nodes at the same longest-path depth.
type Stage struct {
	Depth int      `json:"depth"`
	Nodes []string `json:"nodes"`
}

// Step is one node of the plan with its resolved bindings.
type Step struct {
	NodeID string
	Type   string
	Spec   node.Spec
	Label  string
	// Position is the index of the node in Plan.Order.
	Position int
	Depth    int

	// Values are the literal or default values of inputs, used when no live
	// edge supplies the input.
	Values map[string]any
	// Parameters include defaults for parameters left unset.
	Parameters map[string]any
	// Inputs lists edge-bound inputs in spec declaration order.
	Inputs []PortBinding

	Predecessors []string
	Successors   []string

	// Router is set for router nodes.
	Router *RouterBranches
	// ToolMode is set when every outgoing edge leaves a tool output; the
	// node is then bound as a tool instead of being processed.
	ToolMode bool
}

// PortBinding is an input fed by one or more edges.
type PortBinding struct {
	Name     string
	Required bool
	// Aggregate inputs receive a sequence of every live source, in edge
	// declaration order.
	Aggregate bool
	Sources   []SourceRef
}

// SourceRef is one edge feeding an input.
type SourceRef struct {
	EdgeID string
	NodeID string
	Handle string
	// Label is set when the edge leaves a router branch handle.
	Label string
}

// RouterBranches is the structural branch map of a router node. The branch
// decision is made at runtime.
type RouterBranches struct {
	Labels         []string
	DecisionOutput string
	// Roots maps each label to the nodes its edges target directly.
	Roots map[string][]string
	// Branches maps each label to every node reachable from its roots.
	Branches map[string][]string
}

// Step returns the step for id.
func (p *Plan) Step(id string) (*Step, bool) {
	s, ok := p.Steps[id]
	return s, ok
}

// Index returns the position of id in Order, or -1.
func (p *Plan) Index(id string) int {
	if s, ok := p.Steps[id]; ok {
		return s.Position
	}
	return -1
}

// Edges returns the number of edge bindings in the plan.
func (p *Plan) Edges() int {
	n := 0
	for _, s := range p.Steps {
		for _, in := range s.Inputs {
			n += len(in.Sources)
		}
	}
	return n
}
