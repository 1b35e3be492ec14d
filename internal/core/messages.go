package core

import "encoding/json"

// ExecuteWorkflow is the job published by the orchestrator on the
// execute-workflow queue, one message per execution.
type ExecuteWorkflow struct {
	WorkflowID    string          `json:"workflowId"`
	ExecutionID   string          `json:"executionId"`
	Workflow      Workflow        `json:"workflow"`
	Input         json.RawMessage `json:"input,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	CorrelationID string          `json:"correlationId"`
}

// NodeDescriptor is the node as carried on the wire; Data holds the node's
// parameters and stays opaque to the transport.
type NodeDescriptor struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	// TimeoutSeconds is the node-level timeout override, zero for the
	// runner default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// ExecuteNode is the per-attempt dispatch request consumed by runners.
type ExecuteNode struct {
	ExecutionID   string         `json:"executionId"`
	NodeID        string         `json:"nodeId"`
	Attempt       int            `json:"attempt"`
	Node          NodeDescriptor `json:"node"`
	Input         Input          `json:"input,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlationId"`
}

// ExecuteNodeReply is the runner's structured result for one attempt.
// Status is Completed or Failed; Completed requires Output, Failed requires
// Error.
type ExecuteNodeReply struct {
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId"`
	Attempt     int             `json:"attempt"`
	Status      NodeStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}
