// Package persistence defines the execution state store contract. The store
// is shared across engine instances but partitioned by execution id; all
// status transitions are compare-and-set so duplicate deliveries and crash
// recovery cannot corrupt a record.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
)

var (
	// ErrAlreadyExists is returned by Create on an execution id collision.
	ErrAlreadyExists = errors.New("execution already exists")
	// ErrNotFound is returned when the execution does not exist for the
	// tenant.
	ErrNotFound = errors.New("execution not found")
)

// InvalidTransitionError is returned by Transition when the current status
// is not in the expected from-set.
type InvalidTransitionError struct {
	ExecutionID string
	Current     core.ExecutionStatus
	To          core.ExecutionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.ExecutionID, e.Current, e.To)
}

// Patch is applied atomically with a status transition.
type Patch struct {
	Progress   *core.Progress
	Error      *core.Error
	Result     json.RawMessage
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Store is the durable per-execution record store. Readers never block
// writers; writers serialize per execution id. A successful transition to a
// terminal state survives process crash.
type Store interface {
	// Create persists a new execution. Fails with ErrAlreadyExists on id
	// collision.
	Create(ctx context.Context, e *core.Execution) error

	// Transition compare-and-sets the execution status: it succeeds only if
	// the current status is in the from set, applying the patch atomically.
	// On mismatch it returns *InvalidTransitionError carrying the current
	// status. Transitions out of a terminal status are always rejected.
	Transition(ctx context.Context, tenantID, executionID string, from []core.ExecutionStatus, to core.ExecutionStatus, patch Patch) (*core.Execution, error)

	// RequestCancel sets the cancel flag without changing status. It is
	// idempotent and a no-op on terminal executions.
	RequestCancel(ctx context.Context, tenantID, executionID string) error

	// UpsertNode writes the node execution record keyed by
	// (execution-id, node-id, attempt). A terminal record is write-once:
	// updating it to a different status fails with *InvalidTransitionError
	// semantics wrapped in an error.
	UpsertNode(ctx context.Context, executionID string, n *core.NodeExecution) error

	// Snapshot returns the execution and all its node records in a single
	// consistent read.
	Snapshot(ctx context.Context, tenantID, executionID string) (*core.Execution, []*core.NodeExecution, error)

	// ListRunning returns ids of executions in Running status, used at
	// engine startup to reclaim in-flight executions.
	ListRunning(ctx context.Context) ([]string, error)

	Close() error
}
