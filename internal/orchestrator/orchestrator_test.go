package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/eventstream"
	"github.com/orcaflow/orcaflow/internal/persistence"
	"github.com/orcaflow/orcaflow/internal/persistence/memstore"
	"github.com/orcaflow/orcaflow/internal/transport"
	"github.com/orcaflow/orcaflow/internal/transport/memq"
)

func linearWorkflow() core.Workflow {
	return core.Workflow{
		ID: "wf-1",
		Nodes: []core.Node{
			{ID: "A", Type: "noop"},
			{ID: "B", Type: "noop"},
		},
		Edges: []core.Edge{{Source: "A", Target: "B"}},
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("AcceptedCreatesPendingAndEnqueues", func(t *testing.T) {
		store := memstore.New()
		broker := memq.New()
		svc := New(store, broker, nil)

		id, err := svc.Submit(ctx, SubmitRequest{
			Workflow: linearWorkflow(),
			Input:    json.RawMessage(`{"seed":1}`),
			TenantID: "t1",
			Metadata: map[string]any{"origin": "test"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		exec, nodes, err := svc.Status(ctx, "t1", id)
		require.NoError(t, err)
		assert.Empty(t, nodes)
		assert.Equal(t, core.ExecutionPending, exec.Status)
		assert.Equal(t, "wf-1", exec.WorkflowID)
		assert.Equal(t, 2, exec.Progress.Total)
		assert.NotEmpty(t, exec.CorrelationID)
		assert.Equal(t, 1, broker.Len(transport.QueueWorkflow))
	})

	t.Run("JobCarriesSubmission", func(t *testing.T) {
		store := memstore.New()
		broker := memq.New()
		svc := New(store, broker, nil)

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		deliveries, err := broker.Subscribe(subCtx, transport.QueueWorkflow, transport.QueueOptions{Prefetch: 1})
		require.NoError(t, err)

		id, err := svc.Submit(ctx, SubmitRequest{
			Workflow: linearWorkflow(),
			Input:    json.RawMessage(`{"seed":1}`),
			TenantID: "t1",
			UserID:   "u1",
		})
		require.NoError(t, err)

		select {
		case d := <-deliveries:
			var job core.ExecuteWorkflow
			require.NoError(t, json.Unmarshal(d.Body, &job))
			assert.Equal(t, id, job.ExecutionID)
			assert.Equal(t, "wf-1", job.WorkflowID)
			assert.Equal(t, "t1", job.TenantID)
			assert.Equal(t, "u1", job.UserID)
			assert.Len(t, job.Workflow.Nodes, 2)
			assert.JSONEq(t, `{"seed":1}`, string(job.Input))
			assert.Equal(t, d.CorrelationID, job.CorrelationID)
			require.NoError(t, d.Ack())
		case <-time.After(2 * time.Second):
			t.Fatal("job never reached the workflow queue")
		}
	})

	t.Run("CycleRejectedSynchronouslyNoRecord", func(t *testing.T) {
		store := memstore.New()
		broker := memq.New()
		svc := New(store, broker, nil)

		wf := core.Workflow{
			ID: "wf-cycle",
			Nodes: []core.Node{
				{ID: "A", Type: "noop"},
				{ID: "B", Type: "noop"},
			},
			Edges: []core.Edge{
				{Source: "A", Target: "B"},
				{Source: "B", Target: "A"},
			},
		}
		_, err := svc.Submit(ctx, SubmitRequest{Workflow: wf, TenantID: "t1"})
		require.Error(t, err)
		coreErr := core.AsError(err)
		assert.Equal(t, core.KindCycleDetected, coreErr.Kind)
		assert.Equal(t, 0, broker.Len(transport.QueueWorkflow))
	})

	t.Run("DanglingEdgeRejected", func(t *testing.T) {
		svc := New(memstore.New(), memq.New(), nil)
		wf := core.Workflow{
			ID:    "wf-dangling",
			Nodes: []core.Node{{ID: "A", Type: "noop"}},
			Edges: []core.Edge{{Source: "A", Target: "ghost"}},
		}
		_, err := svc.Submit(ctx, SubmitRequest{Workflow: wf, TenantID: "t1"})
		require.Error(t, err)
		assert.Equal(t, core.KindDanglingEdge, core.AsError(err).Kind)
	})

	t.Run("EmptyGraphRejected", func(t *testing.T) {
		svc := New(memstore.New(), memq.New(), nil)
		_, err := svc.Submit(ctx, SubmitRequest{Workflow: core.Workflow{ID: "wf-empty"}, TenantID: "t1"})
		require.Error(t, err)
		assert.Equal(t, core.KindEmptyGraph, core.AsError(err).Kind)
	})

	t.Run("PublishFailureFailsTheRecord", func(t *testing.T) {
		store := memstore.New()
		broker := memq.New()
		require.NoError(t, broker.Close())
		svc := New(store, broker, nil)

		_, err := svc.Submit(ctx, SubmitRequest{Workflow: linearWorkflow(), TenantID: "t1"})
		require.Error(t, err)
		coreErr := core.AsError(err)
		assert.Equal(t, core.KindTransportError, coreErr.Kind)
		assert.True(t, coreErr.Retryable)

		ids, err := store.ListRunning(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	stream := eventstream.New()
	svc := New(store, memq.New(), stream)

	id, err := svc.Submit(ctx, SubmitRequest{Workflow: linearWorkflow(), TenantID: "t1"})
	require.NoError(t, err)

	events, cancelSub := stream.Subscribe(id)
	defer cancelSub()

	require.NoError(t, svc.Cancel(ctx, "t1", id))
	require.NoError(t, svc.Cancel(ctx, "t1", id)) // idempotent

	exec, _, err := svc.Status(ctx, "t1", id)
	require.NoError(t, err)
	assert.True(t, exec.CancelRequested)

	select {
	case e := <-events:
		assert.Equal(t, eventstream.CancelRequested, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("missing CancelRequested event")
	}

	assert.ErrorIs(t, svc.Cancel(ctx, "t1", "missing"), persistence.ErrNotFound)
}
