// Package core holds the shared workflow model: graph types, execution
// records, statuses, wire messages and the error taxonomy. It has no
// dependencies on the services so every layer can import it.
package core

import "encoding/json"

// InputKey is the reserved input slot carrying the execution's top-level
// input into every node. User-facing slot names may not collide with it.
const InputKey = "$input"

// Workflow is the user-designed DAG. It is read-only within an execution;
// the engine copies what it needs during planning and never holds pointers
// back into it afterwards.
type Workflow struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version,omitempty"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges,omitempty"`
}

// Node is one vertex of the workflow. Parameters stay opaque to the core;
// only the node handler of the matching Type interprets them.
type Node struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	CredentialsRef string         `json:"credentialsRef,omitempty"`
	// Timeout overrides the runner default for this node, in seconds.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	// MaxAttempts overrides the dispatcher retry budget for this node.
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// Edge is a directed dependency from Source to Target. SourceHandle and
// TargetHandle map one output slot to one input slot; when empty the whole
// source output passes under the source node id.
type Edge struct {
	Source       string     `json:"source"`
	Target       string     `json:"target"`
	SourceHandle string     `json:"sourceHandle,omitempty"`
	TargetHandle string     `json:"targetHandle,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
}

// Input is an assembled node input: slot name to JSON value. The reserved
// InputKey slot carries the execution input.
type Input map[string]json.RawMessage
