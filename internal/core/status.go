package core

// ExecutionStatus is the lifecycle state of an execution. Terminal states
// are write-once: once an execution reaches Completed, Failed or Cancelled
// no field other than housekeeping may change.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionCompleted ExecutionStatus = "Completed"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) String() string { return string(s) }

// NodeStatus is the lifecycle state of a node within one execution.
// Transitions are monotonic except Running -> Ready on retry.
type NodeStatus string

const (
	NodePending   NodeStatus = "Pending"
	NodeReady     NodeStatus = "Ready"
	NodeRunning   NodeStatus = "Running"
	NodeCompleted NodeStatus = "Completed"
	NodeFailed    NodeStatus = "Failed"
	NodeSkipped   NodeStatus = "Skipped"
)

// IsTerminal reports whether the node status is terminal for its attempt.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

func (s NodeStatus) String() string { return string(s) }

// FailPolicy selects the strategy applied on the first fatal node error.
type FailPolicy string

const (
	// FailFast stops the execution on the first fatal node error and skips
	// everything not yet dispatched.
	FailFast FailPolicy = "fail-fast"
	// FailContinue skips only the dependents of the failed node and keeps
	// scheduling independent branches.
	FailContinue FailPolicy = "continue"
)
