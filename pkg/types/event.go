package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeRunStarted     EventType = "run_started"
	EventTypeNodeStarted    EventType = "node_started"
	EventTypeNodeCompleted  EventType = "node_completed"
	EventTypeNodeFailed     EventType = "node_failed"
	EventTypeNodeSkipped    EventType = "node_skipped"
	EventTypeBranchSelected EventType = "branch_selected"
	EventTypeRunCompleted   EventType = "run_completed"
	EventTypeRunCancelled   EventType = "run_cancelled"
)

// IsTerminal reports whether the event type closes a task's event stream.
func (t EventType) IsTerminal() bool {
	return t == EventTypeRunCompleted || t == EventTypeRunCancelled
}

// Event represents a single entry in a task's event log.
type Event struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Key       string          `json:"key"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
// Key identifies the transition so that readers can drop redelivered entries.
type EventInput struct {
	Type   EventType   `json:"type"`
	NodeID string      `json:"node_id,omitempty"`
	Key    string      `json:"key"`
	Data   interface{} `json:"data,omitempty"`
}

// EventKey builds the idempotency key for a transition. Redeliveries within
// one execution share a key; a rerun of the task under a new execution id
// gets fresh keys. An empty executionID yields the task-scoped form.
func EventKey(taskID, executionID, nodeID string, t EventType) string {
	if nodeID == "" {
		nodeID = "_run"
	}
	if executionID == "" {
		return taskID + ":" + nodeID + ":" + string(t)
	}
	return taskID + ":" + executionID + ":" + nodeID + ":" + string(t)
}

// NodeStartedEvent is the payload of node_started.
type NodeStartedEvent struct {
	NodeType string `json:"node_type"`
	Stage    int    `json:"stage"`
}

// NodeCompletedEvent is the payload of node_completed.
// Outputs is omitted when the snapshot was offloaded to Artifact.
type NodeCompletedEvent struct {
	Outputs    map[string]any `json:"outputs,omitempty"`
	Artifact   *ArtifactRef   `json:"artifact,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// NodeFailedEvent is the payload of node_failed.
type NodeFailedEvent struct {
	Error      string `json:"error"`
	Propagated bool   `json:"propagated,omitempty"`
	Upstream   string `json:"upstream,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// NodeSkippedEvent is the payload of node_skipped.
type NodeSkippedEvent struct {
	Reason string `json:"reason"`
	Router string `json:"router,omitempty"`
}

// BranchSelectedEvent is the payload of branch_selected.
type BranchSelectedEvent struct {
	Label   string   `json:"label"`
	Pruned  []string `json:"pruned,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// RunCompletedEvent is the payload of run_completed and run_cancelled.
// Outputs holds the snapshots of succeeded sink nodes keyed by node id.
type RunCompletedEvent struct {
	Status   RunStatus                 `json:"status"`
	Outputs  map[string]map[string]any `json:"outputs,omitempty"`
	Artifact *ArtifactRef              `json:"artifact,omitempty"`
	Failed   []string                  `json:"failed,omitempty"`
	Skipped  []string                  `json:"skipped,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// ArtifactRef points at an offloaded payload.
type ArtifactRef struct {
	URI         string `json:"uri"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data))
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
