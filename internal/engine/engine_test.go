package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/dispatch"
	"github.com/orcaflow/orcaflow/internal/eventstream"
	"github.com/orcaflow/orcaflow/internal/orchestrator"
	"github.com/orcaflow/orcaflow/internal/persistence"
	"github.com/orcaflow/orcaflow/internal/persistence/memstore"
	"github.com/orcaflow/orcaflow/internal/runner"
	"github.com/orcaflow/orcaflow/internal/transport"
	"github.com/orcaflow/orcaflow/internal/transport/memq"
)

// harness wires a full in-process deployment: orchestrator, engine, runner
// and dispatcher sharing one in-memory broker, store and progress stream.
type harness struct {
	store  *memstore.Store
	broker *memq.Broker
	stream *eventstream.Stream
	orch   *orchestrator.Service
}

type harnessOptions struct {
	engine   Config
	dispatch dispatch.Config
	registry *runner.Registry
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memstore.New()
	broker := memq.New()
	stream := eventstream.New()

	registry := opts.registry
	if registry == nil {
		registry = runner.NewRegistry()
		runner.RegisterBuiltins(registry)
	}
	svc, err := runner.NewService(broker, registry, runner.ServiceConfig{
		Limits: runner.Limits{
			DefaultTimeout: 5 * time.Second,
			MaxTimeout:     10 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		Prefetch: 16,
	}, nil)
	require.NoError(t, err)
	go func() { _ = svc.Run(ctx) }()

	dispCfg := opts.dispatch
	if dispCfg.DefaultNodeTimeout == 0 {
		dispCfg.DefaultNodeTimeout = 5 * time.Second
	}
	if dispCfg.ReplySlack == 0 {
		dispCfg.ReplySlack = time.Second
	}
	dispatcher := dispatch.New(broker, dispCfg)

	eng := New(store, broker, dispatcher, stream, nil, opts.engine)
	go func() { _ = eng.Run(ctx) }()

	return &harness{
		store:  store,
		broker: broker,
		stream: stream,
		orch:   orchestrator.New(store, broker, stream),
	}
}

func (h *harness) submit(t *testing.T, wf core.Workflow, input json.RawMessage, metadata map[string]any) string {
	t.Helper()
	id, err := h.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		Workflow: wf,
		Input:    input,
		TenantID: "t1",
		Metadata: metadata,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) waitTerminal(t *testing.T, executionID string) (*core.Execution, []*core.NodeExecution) {
	t.Helper()
	var exec *core.Execution
	var nodes []*core.NodeExecution
	require.Eventually(t, func() bool {
		var err error
		exec, nodes, err = h.store.Snapshot(context.Background(), "t1", executionID)
		return err == nil && exec.Status.IsTerminal()
	}, 15*time.Second, 25*time.Millisecond, "execution never reached a terminal state")
	return exec, nodes
}

func nodeRecord(nodes []*core.NodeExecution, id string, attempt int) *core.NodeExecution {
	for _, n := range nodes {
		if n.NodeID == id && n.Attempt == attempt {
			return n
		}
	}
	return nil
}

func noop(id string, output map[string]any) core.Node {
	return core.Node{ID: id, Type: "noop", Parameters: map[string]any{"output": output}}
}

func eventIndex(events []eventstream.Event, kind eventstream.Kind, nodeID string) int {
	for i, e := range events {
		if e.Kind == kind && e.NodeID == nodeID {
			return i
		}
	}
	return -1
}

func TestLinearWorkflow(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-linear",
		Nodes: []core.Node{
			noop("A", map[string]any{"greeting": "hello"}),
			noop("B", map[string]any{"step": "two"}),
			noop("C", map[string]any{"done": true}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
		},
	}
	id := h.submit(t, wf, json.RawMessage(`{"seed":7}`), nil)

	exec, nodes := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)
	assert.JSONEq(t, `{"C":{"done":true}}`, string(exec.Result))
	assert.Equal(t, 3, exec.Progress.Completed)
	assert.True(t, exec.Progress.Done())

	// B's input carries A's output under the source-id slot plus the
	// execution input under the reserved key
	bRunning := nodeRecord(nodes, "B", 1)
	require.NotNil(t, bRunning)
	assert.JSONEq(t, `{"greeting":"hello"}`, string(bRunning.Input["A"]))
	assert.JSONEq(t, `{"seed":7}`, string(bRunning.Input[core.InputKey]))

	for _, nid := range []string{"A", "B", "C"} {
		rec := nodeRecord(nodes, nid, 1)
		require.NotNil(t, rec, "missing record for %s", nid)
		assert.Equal(t, core.NodeCompleted, rec.Status)
		assert.NotNil(t, rec.FinishedAt)
	}

	// progress events arrive in dependency order
	events := h.stream.History(id)
	require.NotEmpty(t, events)
	assert.Equal(t, eventstream.ExecutionStarted, events[0].Kind)
	assert.Equal(t, eventstream.ExecutionCompleted, events[len(events)-1].Kind)
	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}} {
		before := eventIndex(events, eventstream.NodeCompleted, pair[0])
		after := eventIndex(events, eventstream.NodeStarted, pair[1])
		require.GreaterOrEqual(t, before, 0)
		require.GreaterOrEqual(t, after, 0)
		assert.Less(t, before, after, "%s must complete before %s starts", pair[0], pair[1])
	}
	completed := eventIndex(events, eventstream.NodeCompleted, "A")
	hash := events[completed].OutputHash
	assert.Len(t, hash, 16)
}

type concurrencyTracker struct {
	cur, max atomic.Int32
}

func (c *concurrencyTracker) handler(hold time.Duration) runner.HandlerFunc {
	return func(ctx context.Context, _ *runner.Request) (json.RawMessage, error) {
		n := c.cur.Add(1)
		for {
			m := c.max.Load()
			if n <= m || c.max.CompareAndSwap(m, n) {
				break
			}
		}
		defer c.cur.Add(-1)
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{}`), nil
	}
}

func TestDiamondRunsBranchesConcurrently(t *testing.T) {
	tracker := &concurrencyTracker{}
	registry := runner.NewRegistry()
	runner.RegisterBuiltins(registry)
	registry.Register("track", tracker.handler(300*time.Millisecond), runner.Manifest{})

	h := newHarness(t, harnessOptions{
		engine:   Config{MaxConcurrency: 2},
		registry: registry,
	})

	wf := core.Workflow{
		ID: "wf-diamond",
		Nodes: []core.Node{
			noop("A", map[string]any{"a": 1}),
			{ID: "B", Type: "track"},
			{ID: "C", Type: "track"},
			noop("D", map[string]any{"d": 1}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)
	assert.Equal(t, int32(2), tracker.max.Load(), "B and C should have overlapped")

	// D waits for both branches
	d := nodeRecord(nodes, "D", 1)
	require.NotNil(t, d)
	assert.Equal(t, core.NodeCompleted, d.Status)
	assert.ElementsMatch(t, []string{"B", "C"}, d.Dependencies)
}

func TestConcurrencyCapBoundsParallelRoots(t *testing.T) {
	tracker := &concurrencyTracker{}
	registry := runner.NewRegistry()
	registry.Register("track", tracker.handler(100*time.Millisecond), runner.Manifest{})

	h := newHarness(t, harnessOptions{
		engine:   Config{MaxConcurrency: 2},
		registry: registry,
	})

	nodes := make([]core.Node, 0, 5)
	for i := 0; i < 5; i++ {
		nodes = append(nodes, core.Node{ID: fmt.Sprintf("n%d", i), Type: "track"})
	}
	id := h.submit(t, core.Workflow{ID: "wf-wide", Nodes: nodes}, nil, nil)

	exec, _ := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)
	assert.LessOrEqual(t, tracker.max.Load(), int32(2))
	assert.Equal(t, 5, exec.Progress.Completed)
}

func TestRetryThenSucceed(t *testing.T) {
	base := 300 * time.Millisecond
	h := newHarness(t, harnessOptions{
		dispatch: dispatch.Config{BaseBackoff: base, MaxBackoff: 2 * time.Second, MaxAttempts: 3},
	})

	wf := core.Workflow{
		ID: "wf-flaky",
		Nodes: []core.Node{{
			ID:   "A",
			Type: "fail",
			Parameters: map[string]any{
				"retryable":    true,
				"succeedAfter": 2,
				"message":      "transient",
			},
		}},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)

	first := nodeRecord(nodes, "A", 1)
	require.NotNil(t, first)
	assert.Equal(t, core.NodeFailed, first.Status)
	require.NotNil(t, first.Error)
	assert.True(t, first.Error.Retryable)

	second := nodeRecord(nodes, "A", 2)
	require.NotNil(t, second)
	assert.Equal(t, core.NodeCompleted, second.Status)

	// the second attempt must not start before the backoff elapsed
	require.NotNil(t, first.FinishedAt)
	require.NotNil(t, second.StartedAt)
	assert.GreaterOrEqual(t, second.StartedAt.Sub(*first.FinishedAt), base)
}

func TestNonRetryableFailureStopsRetrying(t *testing.T) {
	h := newHarness(t, harnessOptions{
		dispatch: dispatch.Config{MaxAttempts: 3},
	})

	wf := core.Workflow{
		ID: "wf-hard-fail",
		Nodes: []core.Node{{
			ID:         "A",
			Type:       "fail",
			Parameters: map[string]any{"retryable": false, "message": "permanent"},
		}},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, exec.Error.Message, "permanent")

	assert.NotNil(t, nodeRecord(nodes, "A", 1))
	assert.Nil(t, nodeRecord(nodes, "A", 2), "non-retryable failure must not be retried")
}

func TestFailFastSkipsDownstream(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-failfast",
		Nodes: []core.Node{
			noop("A", map[string]any{"a": 1}),
			{ID: "B", Type: "fail", Parameters: map[string]any{"retryable": false, "message": "induced"}},
			noop("C", map[string]any{"c": 1}),
			noop("D", map[string]any{"d": 1}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
		},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, exec.Error.Message, "induced")

	b := nodeRecord(nodes, "B", 1)
	require.NotNil(t, b)
	assert.Equal(t, core.NodeFailed, b.Status)

	d := nodeRecord(nodes, "D", 1)
	require.NotNil(t, d)
	assert.Equal(t, core.NodeSkipped, d.Status)
}

func TestContinuePolicyKeepsIndependentBranches(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-continue",
		Nodes: []core.Node{
			{ID: "A", Type: "fail", Parameters: map[string]any{"retryable": false, "message": "branch down"}},
			noop("B", map[string]any{"b": 1}),
			noop("C", map[string]any{"c": 1}),
		},
		Edges: []core.Edge{{Source: "A", Target: "B"}},
	}
	// policy override travels in the job metadata
	id := h.submit(t, wf, nil, map[string]any{"failPolicy": "continue"})

	exec, nodes := h.waitTerminal(t, id)
	assert.Equal(t, core.ExecutionFailed, exec.Status)

	b := nodeRecord(nodes, "B", 1)
	require.NotNil(t, b)
	assert.Equal(t, core.NodeSkipped, b.Status)

	c := nodeRecord(nodes, "C", 1)
	require.NotNil(t, c)
	assert.Equal(t, core.NodeCompleted, c.Status, "independent branch must still run")

	assert.Equal(t, 1, exec.Progress.Completed)
	assert.Equal(t, 1, exec.Progress.Failed)
	assert.Equal(t, 1, exec.Progress.Skipped)
}

func TestConditionFalseSkipsTargetButNotItsDependents(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-cond",
		Nodes: []core.Node{
			noop("A", map[string]any{"v": 1}),
			noop("B", map[string]any{"b": 1}),
			noop("C", map[string]any{"c": 1}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "B", Condition: &core.Condition{
				Field: "v", Operator: core.OpEquals, Value: 2,
			}},
			{Source: "B", Target: "C"},
		},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)

	b := nodeRecord(nodes, "B", 1)
	require.NotNil(t, b)
	assert.Equal(t, core.NodeSkipped, b.Status)

	// a condition skip releases the dependency; C still runs
	c := nodeRecord(nodes, "C", 1)
	require.NotNil(t, c)
	assert.Equal(t, core.NodeCompleted, c.Status)

	events := h.stream.History(id)
	assert.GreaterOrEqual(t, eventIndex(events, eventstream.NodeSkipped, "B"), 0)
}

func TestConditionTrueRunsTarget(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-cond-true",
		Nodes: []core.Node{
			noop("A", map[string]any{"v": 2}),
			noop("B", map[string]any{"b": 1}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "B", Condition: &core.Condition{
				Field: "v", Operator: core.OpGreaterThan, Value: 1,
			}},
		},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)
	assert.Equal(t, core.NodeCompleted, nodeRecord(nodes, "B", 1).Status)
}

func TestDuplicateInputBindingFailsNode(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-dup",
		Nodes: []core.Node{
			noop("A", map[string]any{"a": 1}),
			noop("B", map[string]any{"b": 1}),
			noop("C", map[string]any{"c": 1}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "C", TargetHandle: "x"},
			{Source: "B", Target: "C", TargetHandle: "x"},
		},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, core.KindDuplicateInputBinding, exec.Error.Kind)

	c := nodeRecord(nodes, "C", 1)
	require.NotNil(t, c)
	assert.Equal(t, core.NodeFailed, c.Status)
}

func TestSourceHandleProjectsOutput(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID: "wf-handles",
		Nodes: []core.Node{
			noop("A", map[string]any{"user": map[string]any{"name": "ada"}, "junk": true}),
			noop("B", map[string]any{"b": 1}),
		},
		Edges: []core.Edge{
			{Source: "A", Target: "B", SourceHandle: "user.name", TargetHandle: "who"},
		},
	}
	id := h.submit(t, wf, nil, nil)

	exec, nodes := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)

	b := nodeRecord(nodes, "B", 1)
	require.NotNil(t, b)
	assert.JSONEq(t, `"ada"`, string(b.Input["who"]))
}

func TestCancellation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	wf := core.Workflow{
		ID:    "wf-cancel",
		Nodes: []core.Node{{ID: "A", Type: "delay", Parameters: map[string]any{"duration": "30s"}}},
	}
	id := h.submit(t, wf, nil, nil)

	// wait until the engine owns it, then request cancellation
	require.Eventually(t, func() bool {
		exec, _, err := h.store.Snapshot(context.Background(), "t1", id)
		return err == nil && exec.Status == core.ExecutionRunning
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, h.orch.Cancel(context.Background(), "t1", id))

	exec, _ := h.waitTerminal(t, id)
	assert.Equal(t, core.ExecutionCancelled, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, core.KindCancellationRequested, exec.Error.Kind)
}

func TestExecutionDeadline(t *testing.T) {
	h := newHarness(t, harnessOptions{
		engine: Config{Deadline: 300 * time.Millisecond},
	})

	wf := core.Workflow{
		ID:    "wf-deadline",
		Nodes: []core.Node{{ID: "A", Type: "delay", Parameters: map[string]any{"duration": "30s"}}},
	}
	id := h.submit(t, wf, nil, nil)

	exec, _ := h.waitTerminal(t, id)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, core.KindDeadlineExceeded, exec.Error.Kind)
}

func TestCrashRecoveryResumesFromRecords(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	wf := core.Workflow{
		ID: "wf-recover",
		Nodes: []core.Node{
			noop("A", map[string]any{"a": 1}),
			noop("B", map[string]any{"b": 1}),
		},
		Edges: []core.Edge{{Source: "A", Target: "B"}},
	}

	// simulate a previous engine that claimed the execution, completed A,
	// dispatched B and died before acking the job
	executionID := "exec-recovered"
	require.NoError(t, h.store.Create(ctx, &core.Execution{
		ID:         executionID,
		WorkflowID: wf.ID,
		TenantID:   "t1",
		Status:     core.ExecutionPending,
		Progress:   core.Progress{Total: 2},
	}))
	started := time.Now()
	_, err := h.store.Transition(ctx, "t1", executionID,
		[]core.ExecutionStatus{core.ExecutionPending}, core.ExecutionRunning,
		persistence.Patch{StartedAt: &started})
	require.NoError(t, err)

	finished := time.Now()
	require.NoError(t, h.store.UpsertNode(ctx, executionID, &core.NodeExecution{
		NodeID: "A", Attempt: 1, Status: core.NodeCompleted,
		Output: json.RawMessage(`{"a":1}`), FinishedAt: &finished,
	}))
	require.NoError(t, h.store.UpsertNode(ctx, executionID, &core.NodeExecution{
		NodeID: "B", Attempt: 1, Status: core.NodeRunning,
		StartedAt: &started,
	}))

	job := core.ExecuteWorkflow{
		WorkflowID:    wf.ID,
		ExecutionID:   executionID,
		Workflow:      wf,
		TenantID:      "t1",
		CorrelationID: "corr-recover",
	}
	body, err := json.Marshal(job)
	require.NoError(t, err)

	// a preset delivery count makes this look like a broker redelivery
	require.NoError(t, h.broker.Publish(ctx, transport.QueueWorkflow, transport.Message{
		Body:          body,
		CorrelationID: job.CorrelationID,
		Deliveries:    1,
	}))

	exec, nodes := h.waitTerminal(t, executionID)
	require.Equal(t, core.ExecutionCompleted, exec.Status, "error: %v", exec.Error)

	// A's completed record was honored, not re-run
	assert.Nil(t, nodeRecord(nodes, "A", 2))

	// B's lost attempt was replaced by a fresh one
	b1 := nodeRecord(nodes, "B", 1)
	require.NotNil(t, b1)
	assert.Equal(t, core.NodeRunning, b1.Status, "the lost attempt stays as written")
	b2 := nodeRecord(nodes, "B", 2)
	require.NotNil(t, b2)
	assert.Equal(t, core.NodeCompleted, b2.Status)

	assert.JSONEq(t, `{"B":{"b":1}}`, string(exec.Result))
}

func TestDuplicateDeliveryOfTerminalExecutionIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	wf := core.Workflow{
		ID:    "wf-dup-delivery",
		Nodes: []core.Node{noop("A", map[string]any{"a": 1})},
	}
	id := h.submit(t, wf, nil, nil)
	exec, _ := h.waitTerminal(t, id)
	require.Equal(t, core.ExecutionCompleted, exec.Status)
	finishedAt := exec.FinishedAt

	// replay the same job; the engine must ack it without touching the record
	job := core.ExecuteWorkflow{
		WorkflowID:  wf.ID,
		ExecutionID: id,
		Workflow:    wf,
		TenantID:    "t1",
	}
	body, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(ctx, transport.QueueWorkflow, transport.Message{Body: body}))

	require.Eventually(t, func() bool {
		return h.broker.Len(transport.QueueWorkflow) == 0
	}, 5*time.Second, 20*time.Millisecond)

	after, _, err := h.store.Snapshot(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, after.Status)
	assert.Equal(t, finishedAt, after.FinishedAt)
}
