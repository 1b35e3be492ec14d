package core

import (
	"encoding/json"
	"time"
)

// Execution is one run of a workflow on a specific input. The record is
// owned by the engine instance currently scheduling it; handoff happens only
// through broker redelivery of the workflow message.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflowId"`
	TenantID        string          `json:"tenantId,omitempty"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	Progress        Progress        `json:"progress"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CorrelationID   string          `json:"correlationId"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
}

// Progress counts node outcomes within an execution. Completed+Failed+Skipped
// is non-decreasing and never exceeds Total.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Running   int `json:"running"`
}

// Done reports whether every node reached a terminal status.
func (p Progress) Done() bool {
	return p.Completed+p.Failed+p.Skipped >= p.Total
}

// NodeExecution is one attempt of a node within one execution. The primary
// key is (execution-id, node-id, attempt); each attempt has exactly one
// terminal status.
type NodeExecution struct {
	ExecutionID  string          `json:"executionId"`
	NodeID       string          `json:"nodeId"`
	Attempt      int             `json:"attempt"`
	Status       NodeStatus      `json:"status"`
	Input        Input           `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *Error          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Dependents   []string        `json:"dependents,omitempty"`
}

// DedupKey returns the idempotency key runners use to detect duplicate
// deliveries of the same attempt.
func (n *NodeExecution) DedupKey() string {
	return DedupKey(n.ExecutionID, n.NodeID, n.Attempt)
}
