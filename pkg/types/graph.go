package types

// GraphPayload is the wire-level graph submitted for compilation.
type GraphPayload struct {
	Nodes []NodePayload `json:"nodes"`
	Edges []EdgePayload `json:"edges"`
}

// NodePayload describes one node instance on the canvas.
type NodePayload struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Position is the editor placement of a node. It has no execution meaning.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the literal values bound to a node instance.
type NodeData struct {
	Label      string         `json:"label,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// EdgePayload connects an output handle of one node to an input handle of another.
type EdgePayload struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}
