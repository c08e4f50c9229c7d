// Package compiler validates flow graphs and produces deterministic execution
// plans.
//
// Compilation is pure and synchronous. Every defect found in one pass is
// returned together as a DefectList.
package compiler

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/flexinfer/flowtest/internal/graph"
	"github.com/flexinfer/flowtest/internal/handle"
	"github.com/flexinfer/flowtest/pkg/types"
)

// Compiler decodes, loads and compiles graphs against a node catalog.
type Compiler struct {
	specs     graph.SpecSource
	validator *graph.PayloadValidator
	logger    *slog.Logger
}

// New creates a compiler resolving node types against specs.
func New(specs graph.SpecSource, logger *slog.Logger) (*Compiler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := graph.NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	return &Compiler{specs: specs, validator: v, logger: logger}, nil
}

// CompileJSON validates the payload shape, then compiles it.
func (c *Compiler) CompileJSON(data []byte) (*Plan, error) {
	p, err := graph.Decode(c.validator, data)
	if err != nil {
		return nil, err
	}
	return c.CompilePayload(p)
}

// CompilePayload loads p and compiles it. Unknown node types are reported as
// unknown_type defects.
func (c *Compiler) CompilePayload(p types.GraphPayload) (*Plan, error) {
	g, err := graph.Load(p, c.specs)
	if err != nil {
		if unknown, ok := err.(*graph.UnknownTypesError); ok {
			defects := make(DefectList, 0, len(unknown.Missing))
			for _, m := range unknown.Missing {
				defects = append(defects, Defect{
					Code:    CodeUnknownType,
					NodeID:  m.NodeID,
					Message: fmt.Sprintf("node type %q is not registered", m.Type),
				})
			}
			c.logger.Info("compile rejected", "defects", len(defects), "reason", CodeUnknownType)
			return nil, defects
		}
		return nil, err
	}

	plan, err := Compile(g)
	if err != nil {
		if defects, ok := err.(DefectList); ok {
			c.logger.Info("compile rejected", "defects", len(defects))
		}
		return nil, err
	}
	c.logger.Debug("compiled flow", "nodes", len(plan.Order), "stages", len(plan.Stages))
	return plan, nil
}

// resolvedEdge is an edge whose endpoints exist.
type resolvedEdge struct {
	graph.Edge
	src, dst *graph.Node
	// srcHandle and dstHandle are empty when the handle did not resolve.
	srcHandle string
	dstHandle string
	label     string
}

type compilation struct {
	g       *graph.FlowGraph
	defects DefectList

	nodes  []*graph.Node // first declaration of each id
	edges  []*resolvedEdge
	labels map[string][]string // router node id -> parsed route labels
}

func (c *compilation) add(d Defect) { c.defects = append(c.defects, d) }

// Compile validates g and derives its execution plan.
func Compile(g *graph.FlowGraph) (*Plan, error) {
	c := &compilation{g: g, labels: make(map[string][]string)}

	c.checkNodes()
	c.parseRouterLabels()
	c.resolveEdges()
	c.checkCardinality()
	toolMode := c.toolModes()
	steps := c.bindValues(toolMode)
	order, depth := c.order()

	if len(c.defects) > 0 {
		return nil, c.defects
	}
	return c.assemble(steps, order, depth), nil
}

func (c *compilation) checkNodes() {
	seen := make(map[string]bool, len(c.g.Nodes))
	for _, n := range c.g.Nodes {
		if seen[n.ID] {
			c.add(Defect{Code: CodeDuplicateNode, NodeID: n.ID, Message: "node id declared more than once"})
			continue
		}
		seen[n.ID] = true
		c.nodes = append(c.nodes, n)
	}
}

func (c *compilation) parseRouterLabels() {
	for _, n := range c.nodes {
		if n.Spec.Router == nil {
			continue
		}
		raw, ok := n.Values[n.Spec.Router.LabelsInput]
		if !ok || raw == nil {
			continue
		}
		labels, err := handle.Labels(raw)
		if err != nil {
			continue
		}
		c.labels[n.ID] = labels
	}
}

func (c *compilation) resolveEdges() {
	for _, e := range c.g.Edges {
		src, srcOK := c.g.Node(e.Source)
		dst, dstOK := c.g.Node(e.Target)
		if !srcOK {
			c.add(Defect{Code: CodeDanglingNode, EdgeID: e.ID, NodeID: e.Source, Message: "edge source does not exist"})
		}
		if !dstOK {
			c.add(Defect{Code: CodeDanglingNode, EdgeID: e.ID, NodeID: e.Target, Message: "edge target does not exist"})
		}
		if !srcOK || !dstOK {
			continue
		}

		re := &resolvedEdge{Edge: e, src: src, dst: dst}
		re.srcHandle, re.label = c.resolveSource(e, src)
		re.dstHandle = c.resolveTarget(e, dst)
		c.edges = append(c.edges, re)
	}
}

func (c *compilation) resolveSource(e graph.Edge, src *graph.Node) (string, string) {
	h := e.SourceHandle
	if h == "" {
		if len(src.Spec.Outputs) == 1 {
			return src.Spec.Outputs[0].Name, ""
		}
		c.add(Defect{Code: CodeDanglingHandle, EdgeID: e.ID, NodeID: src.ID,
			Message: fmt.Sprintf("source handle required: node has %d outputs", len(src.Spec.Outputs))})
		return "", ""
	}
	if _, ok := src.Spec.Output(h); ok {
		return h, ""
	}
	for _, l := range c.labels[src.ID] {
		if l == h {
			return h, h
		}
	}
	c.add(Defect{Code: CodeDanglingHandle, EdgeID: e.ID, NodeID: src.ID, Handle: h,
		Message: fmt.Sprintf("%s has no output or route %q", src.Type, h)})
	return "", ""
}

func (c *compilation) resolveTarget(e graph.Edge, dst *graph.Node) string {
	h := e.TargetHandle
	if h == "" {
		var candidates []string
		for _, in := range dst.Spec.Inputs {
			if in.AllowIncomingEdges {
				candidates = append(candidates, in.Name)
			}
		}
		if len(candidates) == 1 {
			return candidates[0]
		}
		c.add(Defect{Code: CodeDanglingHandle, EdgeID: e.ID, NodeID: dst.ID,
			Message: fmt.Sprintf("target handle required: node has %d connectable inputs", len(candidates))})
		return ""
	}
	if _, ok := dst.Spec.Parameter(h); ok {
		c.add(Defect{Code: CodeEdgeNotAllowed, EdgeID: e.ID, NodeID: dst.ID, Handle: h,
			Message: "parameters cannot be connected"})
		return ""
	}
	in, ok := dst.Spec.Input(h)
	if !ok {
		c.add(Defect{Code: CodeDanglingHandle, EdgeID: e.ID, NodeID: dst.ID, Handle: h,
			Message: fmt.Sprintf("%s has no input %q", dst.Type, h)})
		return ""
	}
	if !in.AllowIncomingEdges {
		c.add(Defect{Code: CodeEdgeNotAllowed, EdgeID: e.ID, NodeID: dst.ID, Handle: h,
			Message: "input only accepts a literal value"})
		return ""
	}
	return h
}

func (c *compilation) checkCardinality() {
	count := make(map[[2]string]int)
	for _, e := range c.edges {
		if e.dstHandle == "" {
			continue
		}
		key := [2]string{e.dst.ID, e.dstHandle}
		count[key]++
		in, _ := e.dst.Spec.Input(e.dstHandle)
		if count[key] > 1 && !in.AllowMultipleIncomingEdges {
			c.add(Defect{Code: CodeCardinality, EdgeID: e.ID, NodeID: e.dst.ID, Handle: e.dstHandle,
				Message: "input accepts a single incoming edge"})
		}
	}
}

func (c *compilation) toolModes() map[string]bool {
	out := make(map[string][]*resolvedEdge)
	for _, e := range c.edges {
		out[e.src.ID] = append(out[e.src.ID], e)
	}
	modes := make(map[string]bool)
	for _, n := range c.nodes {
		if !n.Spec.CanBeTool || len(out[n.ID]) == 0 {
			continue
		}
		all := true
		for _, e := range out[n.ID] {
			o, ok := n.Spec.Output(e.srcHandle)
			if !ok || o.Type.Kind() != handle.KindTool {
				all = false
				break
			}
		}
		modes[n.ID] = all
	}
	return modes
}

// bindValues validates literals and parameters and resolves defaults.
func (c *compilation) bindValues(toolMode map[string]bool) map[string]*Step {
	edgeCount := make(map[[2]string]int)
	for _, e := range c.edges {
		if e.dstHandle != "" {
			edgeCount[[2]string{e.dst.ID, e.dstHandle}]++
		}
	}

	steps := make(map[string]*Step, len(c.nodes))
	for _, n := range c.nodes {
		st := &Step{
			NodeID:     n.ID,
			Type:       n.Type,
			Spec:       n.Spec,
			Label:      n.Label,
			Values:     make(map[string]any),
			Parameters: make(map[string]any),
			ToolMode:   toolMode[n.ID],
		}

		for _, in := range n.Spec.Inputs {
			lit, hasLit := n.Values[in.Name]
			hasLit = hasLit && lit != nil
			if hasLit {
				if err := in.Type.Validate(lit); err != nil {
					c.add(Defect{Code: CodeInvalidLiteral, NodeID: n.ID, Handle: in.Name, Message: err.Error()})
				}
				st.Values[in.Name] = lit
			} else if handle.HasDefault(in.Type) {
				st.Values[in.Name] = in.Type.Default()
			}

			edges := edgeCount[[2]string{n.ID, in.Name}]
			switch {
			case !in.Required:
			case !in.AllowIncomingEdges && !hasLit:
				c.add(Defect{Code: CodeMissingLiteral, NodeID: n.ID, Handle: in.Name,
					Message: "required input needs a literal value"})
			case in.AllowIncomingEdges && edges == 0 && !hasLit && !handle.HasDefault(in.Type) && !st.ToolMode:
				c.add(Defect{Code: CodeMissingInput, NodeID: n.ID, Handle: in.Name,
					Message: "required input has no incoming edge, literal or default"})
			}
		}

		if n.Spec.Router != nil {
			c.checkLabels(n)
		}

		for _, p := range n.Spec.Parameters {
			v, ok := n.Parameters[p.Name]
			switch {
			case ok && v != nil:
				if err := p.Type.Validate(v); err != nil {
					c.add(Defect{Code: CodeInvalidLiteral, NodeID: n.ID, Handle: p.Name, Message: err.Error()})
				}
				st.Parameters[p.Name] = v
			case handle.HasDefault(p.Type):
				st.Parameters[p.Name] = p.Type.Default()
			case p.Required:
				c.add(Defect{Code: CodeMissingLiteral, NodeID: n.ID, Handle: p.Name,
					Message: "required parameter has no value"})
			}
		}
		steps[n.ID] = st
	}
	return steps
}

func (c *compilation) checkLabels(n *graph.Node) {
	for _, l := range c.labels[n.ID] {
		if _, clash := n.Spec.Output(l); clash {
			c.add(Defect{Code: CodeInvalidLiteral, NodeID: n.ID, Handle: n.Spec.Router.LabelsInput,
				Message: fmt.Sprintf("route label %q collides with an output name", l)})
		}
	}
}

// order runs Kahn's algorithm, always releasing the ready node declared
// first, and computes longest-path depths. Nodes left over sit on or behind
// a cycle.
func (c *compilation) order() ([]string, map[string]int) {
	index := make(map[string]int, len(c.nodes))
	for _, n := range c.nodes {
		index[n.ID] = n.Index
	}

	indeg := make(map[string]int, len(c.nodes))
	succ := make(map[string][]string)
	for _, e := range c.edges {
		indeg[e.dst.ID]++
		succ[e.src.ID] = append(succ[e.src.ID], e.dst.ID)
	}

	var ready []string
	for _, n := range c.nodes {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	depth := make(map[string]int, len(c.nodes))
	order := make([]string, 0, len(c.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range succ[id] {
			if depth[id]+1 > depth[next] {
				depth[next] = depth[id] + 1
			}
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) < len(c.nodes) {
		c.reportCycle(order)
	}
	return order, depth
}

// reportCycle finds one cycle among the nodes Kahn could not release and
// reports each of its edges.
func (c *compilation) reportCycle(done []string) {
	released := make(map[string]bool, len(done))
	for _, id := range done {
		released[id] = true
	}
	out := make(map[string][]*resolvedEdge)
	for _, e := range c.edges {
		if !released[e.src.ID] && !released[e.dst.ID] {
			out[e.src.ID] = append(out[e.src.ID], e)
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var stack []*resolvedEdge
	var cycle []*resolvedEdge

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, e := range out[id] {
			switch color[e.dst.ID] {
			case grey:
				k := len(stack)
				for i, prev := range stack {
					if prev.src.ID == e.dst.ID {
						k = i
						break
					}
				}
				cycle = append(append(cycle, stack[k:]...), e)
				return true
			case white:
				stack = append(stack, e)
				if visit(e.dst.ID) {
					return true
				}
				stack = stack[:len(stack)-1]
			}
		}
		color[id] = black
		return false
	}

	for _, n := range c.nodes {
		if released[n.ID] || color[n.ID] != white {
			continue
		}
		if visit(n.ID) {
			break
		}
	}

	for _, e := range cycle {
		c.add(Defect{Code: CodeCycle, EdgeID: e.ID, NodeID: e.src.ID,
			Message: fmt.Sprintf("edge %s -> %s is part of a cycle", e.src.ID, e.dst.ID)})
	}
}

func (c *compilation) assemble(steps map[string]*Step, order []string, depth map[string]int) *Plan {
	plan := &Plan{Order: order, Steps: steps}
	for i, id := range order {
		steps[id].Position = i
		steps[id].Depth = depth[id]
	}

	byPosition := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return steps[ids[i]].Position < steps[ids[j]].Position })
	}

	// edge-bound inputs in spec declaration order, sources in edge order
	bindings := make(map[[2]string]*PortBinding)
	preds := make(map[string]map[string]bool)
	succs := make(map[string]map[string]bool)
	for _, e := range c.edges {
		st := steps[e.dst.ID]
		key := [2]string{e.dst.ID, e.dstHandle}
		b, ok := bindings[key]
		if !ok {
			in, _ := e.dst.Spec.Input(e.dstHandle)
			b = &PortBinding{Name: in.Name, Required: in.Required, Aggregate: in.AllowMultipleIncomingEdges}
			bindings[key] = b
		}
		b.Sources = append(b.Sources, SourceRef{EdgeID: e.ID, NodeID: e.src.ID, Handle: e.srcHandle, Label: e.label})

		if preds[st.NodeID] == nil {
			preds[st.NodeID] = make(map[string]bool)
		}
		preds[st.NodeID][e.src.ID] = true
		if succs[e.src.ID] == nil {
			succs[e.src.ID] = make(map[string]bool)
		}
		succs[e.src.ID][e.dst.ID] = true
	}
	for _, id := range order {
		st := steps[id]
		for _, in := range st.Spec.Inputs {
			if b, ok := bindings[[2]string{id, in.Name}]; ok {
				st.Inputs = append(st.Inputs, *b)
			}
		}
		for p := range preds[id] {
			st.Predecessors = append(st.Predecessors, p)
		}
		byPosition(st.Predecessors)
		for s := range succs[id] {
			st.Successors = append(st.Successors, s)
		}
		byPosition(st.Successors)
		if len(st.Successors) == 0 {
			plan.Sinks = append(plan.Sinks, id)
		}
	}

	// stages
	maxDepth := -1
	for _, id := range order {
		if depth[id] > maxDepth {
			maxDepth = depth[id]
		}
	}
	plan.Stages = make([]Stage, maxDepth+1)
	for d := range plan.Stages {
		plan.Stages[d].Depth = d
	}
	for _, id := range order {
		d := depth[id]
		plan.Stages[d].Nodes = append(plan.Stages[d].Nodes, id)
	}

	// router branch maps
	for _, id := range order {
		st := steps[id]
		if st.Spec.Router == nil {
			continue
		}
		rb := &RouterBranches{
			Labels:         c.labels[id],
			DecisionOutput: st.Spec.Router.DecisionOutput,
			Roots:          make(map[string][]string),
			Branches:       make(map[string][]string),
		}
		for _, e := range c.edges {
			if e.src.ID != id || e.label == "" {
				continue
			}
			if !contains(rb.Roots[e.label], e.dst.ID) {
				rb.Roots[e.label] = append(rb.Roots[e.label], e.dst.ID)
			}
		}
		for _, label := range rb.Labels {
			byPosition(rb.Roots[label])
			rb.Branches[label] = reachable(steps, rb.Roots[label])
			byPosition(rb.Branches[label])
		}
		st.Router = rb
	}
	return plan
}

func reachable(steps map[string]*Step, roots []string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, steps[id].Successors...)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
