package engine

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/flexinfer/flowtest/internal/node"
	"github.com/flexinfer/flowtest/pkg/types"
)

// Result summarises a finished execution.
type Result struct {
	TaskID string
	// ExecutionID distinguishes reruns of the same task id.
	ExecutionID string
	Status types.RunStatus
	Nodes  map[string]types.NodeStatus
	// Outputs holds the outputs of succeeded nodes.
	Outputs map[string]node.Outputs
	Errors  map[string]string
	// Selected maps router node ids to the label they chose.
	Selected map[string]string

	// Failed, Skipped and Cancelled list node ids in plan order.
	Failed    []string
	Skipped   []string
	Cancelled []string
	Sinks     []string
	Duration  time.Duration
}

// Status is the run status policy:
//
//	cancelled  the run was cancelled, whatever else happened
//	succeeded  no node failed
//	partial    some node failed but at least one sink succeeded
//	failed     some node failed and no sink succeeded
func Status(cancelled, anyFailed, sinkSucceeded bool) types.RunStatus {
	switch {
	case cancelled:
		return types.RunStatusCancelled
	case !anyFailed:
		return types.RunStatusSucceeded
	case sinkSucceeded:
		return types.RunStatusPartial
	default:
		return types.RunStatusFailed
	}
}

// Output returns the run's final text: the "text" output of the first
// succeeded sink, else its first string output by name, else its outputs as
// JSON. It is empty when no sink succeeded.
func (r *Result) Output() string {
	for _, id := range r.Sinks {
		outs, ok := r.Outputs[id]
		if !ok || r.Nodes[id] != types.NodeStatusSucceeded {
			continue
		}
		if s, ok := outs["text"].(string); ok {
			return s
		}
		keys := make([]string, 0, len(outs))
		for k := range outs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := outs[k].(string); ok {
				return s
			}
		}
		data, err := json.Marshal(outs)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}
