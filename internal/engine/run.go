package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/dag"
	"github.com/orcaflow/orcaflow/internal/eventstream"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
	"github.com/orcaflow/orcaflow/internal/persistence"
)

// cancelPollInterval is how often the drain loop re-reads the execution
// record to observe cancellation requests.
const cancelPollInterval = time.Second

// nodeState is the in-memory scheduling state of one node. The durable
// truth lives in NodeExecution records; this is the reducer's working set.
type nodeState struct {
	id        string
	status    core.NodeStatus
	attempt   int
	input     core.Input
	output    json.RawMessage
	err       *core.Error
	remaining int
}

// run drives one execution. All fields are owned by the single loop
// goroutine; dispatch goroutines communicate only through the results
// channel.
type run struct {
	engine *Engine
	job    *core.ExecuteWorkflow
	plan   *dag.Plan

	states  map[string]*nodeState
	byID    map[string]core.Node
	ready   []string
	running map[string]struct{}

	results    chan *core.ExecuteNodeReply
	redispatch chan string

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc

	failPolicy core.FailPolicy
	fatal      *core.Error
	// pendingSkips are nodes decided Skipped but not yet persisted.
	pendingSkips []string
	// lostNodes were last seen Running before a crash with no attempt
	// budget left; their failure records are written at loop start.
	lostNodes []string
}

// newRun plans the workflow and builds the initial scheduling state,
// replaying recovered node records when resuming after a crash.
func newRun(e *Engine, job *core.ExecuteWorkflow, recovered []*core.NodeExecution) (*run, error) {
	plan, err := dag.Analyze(&job.Workflow)
	if err != nil {
		return nil, err
	}

	failPolicy := e.cfg.FailPolicy
	if v, ok := job.Metadata["failPolicy"].(string); ok && v != "" {
		failPolicy = core.FailPolicy(v)
	}

	r := &run{
		engine:     e,
		job:        job,
		plan:       plan,
		states:     make(map[string]*nodeState, len(job.Workflow.Nodes)),
		byID:       make(map[string]core.Node, len(job.Workflow.Nodes)),
		running:    make(map[string]struct{}),
		results:    make(chan *core.ExecuteNodeReply, len(job.Workflow.Nodes)*8),
		redispatch: make(chan string, len(job.Workflow.Nodes)),
		failPolicy: failPolicy,
	}
	for _, n := range job.Workflow.Nodes {
		r.byID[n.ID] = n
		r.states[n.ID] = &nodeState{
			id:        n.ID,
			status:    core.NodePending,
			remaining: len(plan.Dependencies[n.ID]),
		}
	}

	if len(recovered) > 0 {
		r.replay(recovered)
	} else {
		for _, id := range plan.Roots() {
			r.pushReady(id)
		}
	}
	return r, nil
}

// replay reconstructs scheduling state from durable node records. Terminal
// attempts are applied as-is; attempts last seen Running are assumed lost
// and become a fresh attempt, or a failure once the budget is spent.
func (r *run) replay(records []*core.NodeExecution) {
	latest := make(map[string]*core.NodeExecution)
	for _, rec := range records {
		if prev, ok := latest[rec.NodeID]; !ok || rec.Attempt > prev.Attempt {
			latest[rec.NodeID] = rec
		}
	}

	for id, rec := range latest {
		st := r.states[id]
		if st == nil {
			continue
		}
		st.attempt = rec.Attempt
		switch {
		case rec.Status.IsTerminal():
			st.status = rec.Status
			st.output = rec.Output
			st.err = rec.Error
		case rec.Attempt >= r.maxAttemptsFor(id):
			st.status = core.NodeFailed
			st.err = core.NewError(core.KindRuntimeError,
				"node %s lost in-flight with no attempt budget left", id)
			r.lostNodes = append(r.lostNodes, id)
		default:
			// Re-dispatched as attempt+1 once promoted below.
			st.status = core.NodePending
		}
	}

	for _, st := range r.states {
		if st.status == core.NodeFailed && r.fatal == nil {
			r.fatal = st.err
			if r.fatal == nil {
				r.fatal = core.NewError(core.KindRuntimeError, "node %s failed", st.id)
			}
		}
	}

	// Replay dependency bookkeeping in layer order, then promote whatever
	// is now unblocked.
	for _, layer := range r.plan.Layers {
		for _, id := range layer {
			st := r.states[id]
			if st.status == core.NodeCompleted || st.status == core.NodeSkipped {
				r.decrementDependents(id)
			} else if st.status == core.NodeFailed {
				r.onNodeFailedPropagation(id)
			}
		}
	}
	for _, layer := range r.plan.Layers {
		for _, id := range layer {
			r.promote(id)
		}
	}
}

func (r *run) maxAttemptsFor(id string) int {
	if n, ok := r.byID[id]; ok && n.MaxAttempts > 0 {
		return n.MaxAttempts
	}
	return r.engine.dispatcher.MaxAttempts()
}

// pushReady inserts the node into the ready list keeping it sorted, so the
// drain loop always pops the lexicographically smallest id.
func (r *run) pushReady(id string) {
	st := r.states[id]
	if st.status != core.NodePending {
		return
	}
	st.status = core.NodeReady
	i := sort.SearchStrings(r.ready, id)
	r.ready = append(r.ready, "")
	copy(r.ready[i+1:], r.ready[i:])
	r.ready[i] = id
}

func (r *run) popReady() string {
	id := r.ready[0]
	r.ready = r.ready[1:]
	return id
}

// loop is the drain loop: dispatch ready nodes up to the concurrency cap,
// reduce results, honor cancellation and the execution deadline. It returns
// the terminal status, or empty status when ownership lapsed with ctx.
func (r *run) loop(ctx context.Context) (core.ExecutionStatus, json.RawMessage, *core.Error) {
	r.dispatchCtx, r.cancelDispatch = context.WithCancel(ctx)
	defer r.cancelDispatch()

	for _, id := range r.lostNodes {
		st := r.states[id]
		now := time.Now()
		r.persistNode(ctx, &core.NodeExecution{
			NodeID:       id,
			Attempt:      st.attempt,
			Status:       core.NodeFailed,
			Error:        st.err,
			FinishedAt:   &now,
			Dependencies: r.plan.Dependencies[id],
			Dependents:   r.plan.Dependents[id],
		})
		r.engine.stream.Publish(ctx, eventstream.Event{
			ExecutionID: r.job.ExecutionID,
			Kind:        eventstream.NodeFailed,
			NodeID:      id,
			ErrorKind:   errKind(st.err),
		})
	}
	r.lostNodes = nil

	deadline := time.NewTimer(r.engine.cfg.Deadline)
	defer deadline.Stop()
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	for {
		r.flushSkips(ctx)

		if r.fatal != nil && r.failPolicy == core.FailFast {
			r.cancelDispatch()
			r.skipRemaining(ctx)
			return core.ExecutionFailed, nil, r.fatal
		}

		r.dispatchReady(ctx)

		if len(r.running) == 0 && len(r.ready) == 0 {
			break
		}

		select {
		case reply := <-r.results:
			r.onReply(ctx, reply)
		case id := <-r.redispatch:
			r.dispatchAttempt(ctx, id)
		case <-poll.C:
			if r.cancelRequested(ctx) {
				r.cancelDispatch()
				r.skipRemaining(ctx)
				return core.ExecutionCancelled, nil, core.NewError(core.KindCancellationRequested, "execution canceled by request")
			}
		case <-deadline.C:
			r.cancelDispatch()
			r.skipRemaining(ctx)
			return core.ExecutionFailed, nil, core.NewError(core.KindDeadlineExceeded,
				"execution exceeded its %s deadline", r.engine.cfg.Deadline)
		case <-ctx.Done():
			return "", nil, nil
		}
	}

	if r.fatal != nil {
		return core.ExecutionFailed, nil, r.fatal
	}
	if r.completedCount() == 0 {
		return core.ExecutionFailed, nil, core.NewError(core.KindRuntimeError, "no node completed")
	}
	return core.ExecutionCompleted, r.result(), nil
}

// dispatchReady fills free concurrency slots from the ready list.
func (r *run) dispatchReady(ctx context.Context) {
	for len(r.running) < r.engine.cfg.MaxConcurrency && len(r.ready) > 0 {
		if r.fatal != nil && r.failPolicy == core.FailFast {
			return
		}
		id := r.popReady()
		st := r.states[id]

		input, cerr := assembleInput(r.plan, r.states, r.job.Input, id)
		if cerr != nil {
			st.attempt++
			r.failNode(ctx, st, cerr)
			continue
		}
		st.input = input
		st.status = core.NodeRunning
		st.attempt++
		r.running[id] = struct{}{}

		if st.attempt == 1 {
			r.engine.stream.Publish(ctx, eventstream.Event{
				ExecutionID: r.job.ExecutionID,
				Kind:        eventstream.NodeStarted,
				NodeID:      id,
			})
		}
		r.dispatchAttempt(ctx, id)
	}
}

// dispatchAttempt persists the Running attempt record and sends the request
// from a goroutine so the loop never blocks on the bus.
func (r *run) dispatchAttempt(ctx context.Context, id string) {
	st := r.states[id]
	st.status = core.NodeRunning
	now := time.Now()
	r.persistNode(ctx, &core.NodeExecution{
		NodeID:       id,
		Attempt:      st.attempt,
		Status:       core.NodeRunning,
		Input:        st.input,
		StartedAt:    &now,
		Dependencies: r.plan.Dependencies[id],
		Dependents:   r.plan.Dependents[id],
	})
	r.syncProgress(ctx)

	node := r.byID[id]
	req := &core.ExecuteNode{
		ExecutionID: r.job.ExecutionID,
		NodeID:      id,
		Attempt:     st.attempt,
		Node: core.NodeDescriptor{
			ID:             node.ID,
			Type:           node.Type,
			Data:           node.Parameters,
			TimeoutSeconds: node.TimeoutSeconds,
		},
		Input:         st.input,
		Metadata:      r.job.Metadata,
		CorrelationID: r.job.CorrelationID,
	}

	go func() {
		reply, err := r.engine.dispatcher.Dispatch(r.dispatchCtx, req)
		if err != nil {
			if r.dispatchCtx.Err() != nil {
				return
			}
			reply = &core.ExecuteNodeReply{
				ExecutionID: req.ExecutionID,
				NodeID:      req.NodeID,
				Attempt:     req.Attempt,
				Status:      core.NodeFailed,
				Error:       core.AsError(err),
			}
		}
		select {
		case r.results <- reply:
		case <-r.dispatchCtx.Done():
		}
	}()
}

// onReply reduces one attempt result into the scheduling state.
func (r *run) onReply(ctx context.Context, reply *core.ExecuteNodeReply) {
	st := r.states[reply.NodeID]
	if st == nil || st.status != core.NodeRunning || reply.Attempt != st.attempt {
		logger.Debug(ctx, "Ignoring stale node reply",
			tag.Node(reply.NodeID), tag.Attempt(reply.Attempt))
		return
	}

	switch reply.Status {
	case core.NodeCompleted:
		delete(r.running, reply.NodeID)
		st.status = core.NodeCompleted
		st.output = reply.Output
		now := time.Now()
		r.persistNode(ctx, &core.NodeExecution{
			NodeID:       st.id,
			Attempt:      st.attempt,
			Status:       core.NodeCompleted,
			Input:        st.input,
			Output:       st.output,
			FinishedAt:   &now,
			Dependencies: r.plan.Dependencies[st.id],
			Dependents:   r.plan.Dependents[st.id],
		})
		r.engine.stream.Publish(ctx, eventstream.Event{
			ExecutionID: r.job.ExecutionID,
			Kind:        eventstream.NodeCompleted,
			NodeID:      st.id,
			OutputHash:  eventstream.OutputHash(st.output),
		})
		r.syncProgress(ctx)
		r.decrementDependents(st.id)
		for _, dep := range r.plan.Dependents[st.id] {
			r.promote(dep)
		}

	case core.NodeFailed:
		retryable := reply.Error != nil && reply.Error.Retryable
		if retryable && st.attempt < r.maxAttemptsFor(st.id) {
			r.retryNode(ctx, st, reply.Error)
			return
		}
		delete(r.running, st.id)
		r.failNode(ctx, st, reply.Error)

	default:
		logger.Error(ctx, "Runner reply carries non-terminal status",
			tag.Node(reply.NodeID), tag.Status(reply.Status.String()))
	}
}

// retryNode persists the failed attempt and schedules the next one after
// backoff. The node keeps its concurrency slot while it waits.
func (r *run) retryNode(ctx context.Context, st *nodeState, cause *core.Error) {
	now := time.Now()
	r.persistNode(ctx, &core.NodeExecution{
		NodeID:       st.id,
		Attempt:      st.attempt,
		Status:       core.NodeFailed,
		Input:        st.input,
		Error:        cause,
		FinishedAt:   &now,
		Dependencies: r.plan.Dependencies[st.id],
		Dependents:   r.plan.Dependents[st.id],
	})

	interval, err := r.engine.dispatcher.RetryPolicy().ComputeNextInterval(st.attempt-1, cause)
	if err != nil {
		interval = time.Second
	}
	logger.Info(ctx, "Retrying node after backoff",
		tag.Node(st.id), tag.Attempt(st.attempt+1), tag.Duration(interval), tag.Error(cause))

	st.attempt++
	id := st.id
	time.AfterFunc(interval, func() {
		select {
		case r.redispatch <- id:
		case <-r.dispatchCtx.Done():
		}
	})
}

// failNode records a final node failure and applies the fail policy.
func (r *run) failNode(ctx context.Context, st *nodeState, cause *core.Error) {
	st.status = core.NodeFailed
	st.err = cause
	now := time.Now()
	r.persistNode(ctx, &core.NodeExecution{
		NodeID:       st.id,
		Attempt:      st.attempt,
		Status:       core.NodeFailed,
		Input:        st.input,
		Error:        cause,
		FinishedAt:   &now,
		Dependencies: r.plan.Dependencies[st.id],
		Dependents:   r.plan.Dependents[st.id],
	})
	r.engine.stream.Publish(ctx, eventstream.Event{
		ExecutionID: r.job.ExecutionID,
		Kind:        eventstream.NodeFailed,
		NodeID:      st.id,
		ErrorKind:   errKind(cause),
	})
	r.syncProgress(ctx)

	if r.fatal == nil {
		r.fatal = cause
	}
	r.onNodeFailedPropagation(st.id)
}

// onNodeFailedPropagation skips the failed node's dependents transitively
// when the policy keeps independent branches alive. Under fail-fast the
// loop skips everything instead.
func (r *run) onNodeFailedPropagation(id string) {
	if r.failPolicy != core.FailContinue {
		return
	}
	queue := append([]string(nil), r.plan.Dependents[id]...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		st := r.states[dep]
		if st.status != core.NodePending && st.status != core.NodeReady {
			continue
		}
		r.markSkip(dep)
		queue = append(queue, r.plan.Dependents[dep]...)
	}
}

// decrementDependents marks one incoming dependency of every dependent as
// satisfied.
func (r *run) decrementDependents(id string) {
	for _, dep := range r.plan.Dependents[id] {
		r.states[dep].remaining--
	}
}

// promote moves a node to the ready list once all dependencies are settled
// and its edge conditions hold, or skips it when a condition is false.
func (r *run) promote(id string) {
	st := r.states[id]
	if st.status != core.NodePending || st.remaining > 0 {
		return
	}
	if r.conditionsHold(id) {
		r.pushReady(id)
		return
	}
	r.markSkip(id)
	// The skip propagates like a completion: dependents may still run.
	r.decrementDependents(id)
	for _, dep := range r.plan.Dependents[id] {
		r.promote(dep)
	}
}

// conditionsHold evaluates every conditioned incoming edge whose source
// completed. Edges from skipped sources pass through.
func (r *run) conditionsHold(id string) bool {
	for _, edge := range r.plan.EdgesByTarget[id] {
		if edge.Condition == nil {
			continue
		}
		src := r.states[edge.Source]
		if src.status != core.NodeCompleted {
			continue
		}
		ok, err := edge.Condition.Eval(src.output)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// markSkip decides a skip; persistence and events happen in flushSkips on
// the next loop turn.
func (r *run) markSkip(id string) {
	st := r.states[id]
	st.status = core.NodeSkipped
	r.pendingSkips = append(r.pendingSkips, id)
}

// flushSkips persists queued skip decisions and publishes their events.
func (r *run) flushSkips(ctx context.Context) {
	if len(r.pendingSkips) == 0 {
		return
	}
	skips := r.pendingSkips
	r.pendingSkips = nil
	now := time.Now()
	for _, id := range skips {
		st := r.states[id]
		attempt := st.attempt
		if attempt == 0 {
			attempt = 1
		}
		r.persistNode(ctx, &core.NodeExecution{
			NodeID:       id,
			Attempt:      attempt,
			Status:       core.NodeSkipped,
			FinishedAt:   &now,
			Dependencies: r.plan.Dependencies[id],
			Dependents:   r.plan.Dependents[id],
		})
		r.engine.stream.Publish(ctx, eventstream.Event{
			ExecutionID: r.job.ExecutionID,
			Kind:        eventstream.NodeSkipped,
			NodeID:      id,
		})
	}
	r.syncProgress(ctx)
}

// skipRemaining marks everything not yet terminal and not in flight as
// Skipped. In-flight dispatches are abandoned; their late replies are
// persisted as history by the runner path but change no state here.
func (r *run) skipRemaining(ctx context.Context) {
	for id, st := range r.states {
		switch st.status {
		case core.NodePending, core.NodeReady:
			r.markSkip(id)
		case core.NodeRunning:
			// Abandoned in-flight attempt; the record stays Running and the
			// terminal execution status makes the outcome unambiguous.
			delete(r.running, id)
		}
	}
	r.ready = nil
	r.flushSkips(ctx)
}

// cancelRequested re-reads the execution record for the cancel flag.
func (r *run) cancelRequested(ctx context.Context) bool {
	exec, _, err := r.engine.store.Snapshot(ctx, r.job.TenantID, r.job.ExecutionID)
	if err != nil {
		logger.Warn(ctx, "Failed to poll for cancellation", tag.Error(err))
		return false
	}
	return exec.CancelRequested
}

// persistNode writes one attempt record; write-once conflicts are logged
// and swallowed because they mean a duplicate of work already recorded.
func (r *run) persistNode(ctx context.Context, n *core.NodeExecution) {
	n.ExecutionID = r.job.ExecutionID
	if err := r.engine.store.UpsertNode(ctx, r.job.ExecutionID, n); err != nil {
		logger.Error(ctx, "Failed to persist node record",
			tag.Node(n.NodeID), tag.Attempt(n.Attempt), tag.Error(err))
	}
}

// syncProgress pushes the progress counters to the execution record.
func (r *run) syncProgress(ctx context.Context) {
	p := r.progress()
	_, err := r.engine.store.Transition(ctx, r.job.TenantID, r.job.ExecutionID,
		[]core.ExecutionStatus{core.ExecutionRunning}, core.ExecutionRunning,
		persistence.Patch{Progress: p})
	if err != nil {
		logger.Warn(ctx, "Failed to update progress", tag.Error(err))
	}
}

// progress counts node outcomes.
func (r *run) progress() *core.Progress {
	p := &core.Progress{Total: len(r.states)}
	for _, st := range r.states {
		switch st.status {
		case core.NodeCompleted:
			p.Completed++
		case core.NodeFailed:
			p.Failed++
		case core.NodeSkipped:
			p.Skipped++
		case core.NodeRunning:
			p.Running++
		}
	}
	return p
}

func (r *run) completedCount() int {
	n := 0
	for _, st := range r.states {
		if st.status == core.NodeCompleted {
			n++
		}
	}
	return n
}

// result aggregates the outputs of completed leaf nodes, keyed by node id.
func (r *run) result() json.RawMessage {
	leaves := make(map[string]json.RawMessage)
	for id, st := range r.states {
		if st.status == core.NodeCompleted && len(r.plan.Dependents[id]) == 0 {
			leaves[id] = st.output
		}
	}
	if len(leaves) == 0 {
		return json.RawMessage(`{}`)
	}
	out, err := json.Marshal(leaves)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

func errKind(err *core.Error) core.ErrorKind {
	if err == nil {
		return core.KindRuntimeError
	}
	return err.Kind
}
