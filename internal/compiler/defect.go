package compiler

import (
	"fmt"
	"strings"
)

// Code classifies a compile defect.
type Code string

const (
	CodeUnknownType    Code = "unknown_type"
	CodeCycle          Code = "cycle"
	CodeDanglingNode   Code = "dangling_node"
	CodeDanglingHandle Code = "dangling_handle"
	CodeMissingLiteral Code = "missing_literal"
	CodeMissingInput   Code = "missing_input"
	CodeCardinality    Code = "cardinality"
	CodeEdgeNotAllowed Code = "edge_not_allowed"
	CodeInvalidLiteral Code = "invalid_literal"
	CodeDuplicateNode  Code = "duplicate_node"
)

// Defect is one structural problem found in a graph.
type Defect struct {
	Code    Code   `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Handle  string `json:"handle,omitempty"`
	Message string `json:"message"`
}

func (d Defect) String() string {
	var loc []string
	if d.NodeID != "" {
		loc = append(loc, "node "+d.NodeID)
	}
	if d.EdgeID != "" {
		loc = append(loc, "edge "+d.EdgeID)
	}
	if d.Handle != "" {
		loc = append(loc, "handle "+d.Handle)
	}
	if len(loc) == 0 {
		return fmt.Sprintf("%s: %s", d.Code, d.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", d.Code, strings.Join(loc, ", "), d.Message)
}

// DefectList is every defect found in one compilation. It is returned as an
// error and is never retried.
type DefectList []Defect

func (l DefectList) Error() string {
	if len(l) == 1 {
		return "compile failed: " + l[0].String()
	}
	parts := make([]string, 0, len(l))
	for _, d := range l {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("compile failed with %d defects: %s", len(l), strings.Join(parts, "; "))
}

// Has reports whether any defect carries code.
func (l DefectList) Has(code Code) bool {
	for _, d := range l {
		if d.Code == code {
			return true
		}
	}
	return false
}

// ByCode returns the defects carrying code.
func (l DefectList) ByCode(code Code) DefectList {
	var out DefectList
	for _, d := range l {
		if d.Code == code {
			out = append(out, d)
		}
	}
	return out
}
