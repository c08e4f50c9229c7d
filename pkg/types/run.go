// Package types provides shared types for flow compilation, execution and test runs.
package types

// RunStatus is the aggregate outcome of one flow execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node will not change state again.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the persisted status of a queued test-case run.
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "PENDING"
	TaskStatusQueued      TaskStatus = "QUEUED"
	TaskStatusRunning     TaskStatus = "RUNNING"
	TaskStatusPassed      TaskStatus = "PASSED"
	TaskStatusFailed      TaskStatus = "FAILED"
	TaskStatusCancelled   TaskStatus = "CANCELLED"
	TaskStatusSystemError TaskStatus = "SYSTEM_ERROR"
)

// IsTerminal reports whether the task status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusPassed, TaskStatusFailed, TaskStatusCancelled, TaskStatusSystemError:
		return true
	default:
		return false
	}
}
