// Package orchestrator accepts workflow submissions, owns the execution
// lifecycle records, and exposes status. Validation failures are returned
// synchronously and leave no execution record behind; everything accepted
// becomes a Pending record plus one job on the workflow queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/dag"
	"github.com/orcaflow/orcaflow/internal/eventstream"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
	"github.com/orcaflow/orcaflow/internal/persistence"
	"github.com/orcaflow/orcaflow/internal/transport"
)

// Service is the orchestrator core.
type Service struct {
	store  persistence.Store
	broker transport.Broker
	stream *eventstream.Stream
}

// New creates the orchestrator service.
func New(store persistence.Store, broker transport.Broker, stream *eventstream.Stream) *Service {
	if stream == nil {
		stream = eventstream.New()
	}
	return &Service{store: store, broker: broker, stream: stream}
}

// Stream exposes the progress stream for in-process subscribers.
func (s *Service) Stream() *eventstream.Stream { return s.stream }

// SubmitRequest is one execution request.
type SubmitRequest struct {
	Workflow core.Workflow
	Input    json.RawMessage
	TenantID string
	UserID   string
	Metadata map[string]any
}

// Submit validates the workflow, creates the Pending execution and enqueues
// the job. It returns the execution id immediately; scheduling is async.
// Graph validation errors come back synchronously and create no record.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if _, err := dag.Analyze(&req.Workflow); err != nil {
		return "", err
	}

	executionID := uuid.New().String()
	correlationID := uuid.New().String()
	exec := &core.Execution{
		ID:            executionID,
		WorkflowID:    req.Workflow.ID,
		TenantID:      req.TenantID,
		Status:        core.ExecutionPending,
		Input:         req.Input,
		Progress:      core.Progress{Total: len(req.Workflow.Nodes)},
		Metadata:      req.Metadata,
		CorrelationID: correlationID,
	}
	if err := s.store.Create(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to create execution record: %w", err)
	}

	job := core.ExecuteWorkflow{
		WorkflowID:    req.Workflow.ID,
		ExecutionID:   executionID,
		Workflow:      req.Workflow,
		Input:         req.Input,
		Metadata:      req.Metadata,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		CorrelationID: correlationID,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow job: %w", err)
	}
	if err := s.broker.Publish(ctx, transport.QueueWorkflow, transport.Message{
		Body:          body,
		CorrelationID: correlationID,
	}); err != nil {
		// The record exists but no engine will ever see the job; fail it so
		// the submitter is not left with a Pending execution forever.
		s.failUnpublished(ctx, req.TenantID, executionID, err)
		return "", core.NewRetryable(core.KindTransportError, "failed to enqueue workflow job: %s", err)
	}

	logger.Info(ctx, "Execution submitted",
		tag.Execution(executionID),
		tag.Workflow(req.Workflow.ID),
		tag.Tenant(req.TenantID))
	return executionID, nil
}

func (s *Service) failUnpublished(ctx context.Context, tenantID, executionID string, cause error) {
	_, err := s.store.Transition(ctx, tenantID, executionID,
		[]core.ExecutionStatus{core.ExecutionPending}, core.ExecutionFailed,
		persistence.Patch{Error: core.NewRetryable(core.KindTransportError, "enqueue failed: %s", cause)})
	if err != nil {
		logger.Error(ctx, "Failed to mark unpublished execution failed",
			tag.Execution(executionID), tag.Error(err))
	}
}

// Status returns the execution and its node records from the state store.
func (s *Service) Status(ctx context.Context, tenantID, executionID string) (*core.Execution, []*core.NodeExecution, error) {
	return s.store.Snapshot(ctx, tenantID, executionID)
}

// Cancel writes the cancellation intent and announces it on the progress
// stream. It is idempotent; engines observe the flag at the top of their
// drain loops.
func (s *Service) Cancel(ctx context.Context, tenantID, executionID string) error {
	if err := s.store.RequestCancel(ctx, tenantID, executionID); err != nil {
		return err
	}
	s.stream.Publish(ctx, eventstream.Event{
		ExecutionID: executionID,
		Kind:        eventstream.CancelRequested,
	})
	logger.Info(ctx, "Cancellation requested", tag.Execution(executionID))
	return nil
}
