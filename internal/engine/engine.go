// Package engine consumes execute-workflow jobs and drives each execution's
// scheduler: plan once, dispatch ready nodes up to the concurrency cap,
// reduce results, honor fail policies and cancellation, finalize. One
// engine task owns one execution at a time; ownership is the broker's
// unacked delivery plus the Running CAS on the execution record.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/dispatch"
	"github.com/orcaflow/orcaflow/internal/eventstream"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
	"github.com/orcaflow/orcaflow/internal/metrics"
	"github.com/orcaflow/orcaflow/internal/persistence"
	"github.com/orcaflow/orcaflow/internal/transport"
)

// requeueDelay is how long a duplicate delivery waits before retrying when
// another engine currently owns the execution.
const requeueDelay = 5 * time.Second

// Config tunes the engine service.
type Config struct {
	// MaxConcurrency caps concurrently running nodes per execution.
	MaxConcurrency int
	// MaxExecutions caps executions owned by this instance; it doubles as
	// the workflow queue prefetch.
	MaxExecutions int
	// Deadline bounds one execution end to end.
	Deadline time.Duration
	// FailPolicy is the default applied when the job carries none.
	FailPolicy core.FailPolicy

	MessageTTL    time.Duration
	MaxDeliveries int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.MaxExecutions <= 0 {
		c.MaxExecutions = 100
	}
	if c.Deadline <= 0 {
		c.Deadline = time.Hour
	}
	if c.FailPolicy == "" {
		c.FailPolicy = core.FailFast
	}
}

// Engine is the scheduler service.
type Engine struct {
	store      persistence.Store
	broker     transport.Broker
	dispatcher *dispatch.Dispatcher
	stream     *eventstream.Stream
	metrics    *metrics.Metrics
	cfg        Config
}

// New creates an engine. The dispatcher must be started by Run.
func New(store persistence.Store, broker transport.Broker, dispatcher *dispatch.Dispatcher, stream *eventstream.Stream, m *metrics.Metrics, cfg Config) *Engine {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if stream == nil {
		stream = eventstream.New()
	}
	return &Engine{
		store:      store,
		broker:     broker,
		dispatcher: dispatcher,
		stream:     stream,
		metrics:    m,
		cfg:        cfg,
	}
}

// Stream exposes the progress stream for subscribers in the same process.
func (e *Engine) Stream() *eventstream.Stream { return e.stream }

// Run consumes workflow jobs until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.dispatcher.Start(ctx); err != nil {
		return err
	}

	deliveries, err := e.broker.Subscribe(ctx, transport.QueueWorkflow, transport.QueueOptions{
		Prefetch:      e.cfg.MaxExecutions,
		TTL:           e.cfg.MessageTTL,
		MaxDeliveries: e.cfg.MaxDeliveries,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", transport.QueueWorkflow, err)
	}
	logger.Info(ctx, "Engine started", tag.Queue(transport.QueueWorkflow))

	for d := range deliveries {
		go e.handle(ctx, d)
	}
	return nil
}

// handle claims one execution and runs it to a terminal state.
func (e *Engine) handle(ctx context.Context, d *transport.Delivery) {
	var job core.ExecuteWorkflow
	if err := json.Unmarshal(d.Body, &job); err != nil {
		logger.Error(ctx, "Dropping undecodable workflow job", tag.Error(err))
		_ = d.Ack()
		return
	}
	ctx = logger.WithValues(ctx,
		"execution", job.ExecutionID,
		"workflow", job.WorkflowID)

	recovered, ok := e.claim(ctx, &job, d)
	if !ok {
		return
	}

	e.metrics.ExecutionsStarted.Inc()
	e.metrics.RunningExecutions.Inc()
	defer e.metrics.RunningExecutions.Dec()

	r, err := newRun(e, &job, recovered)
	if err != nil {
		// Planning failures are fatal for the execution, never retried.
		e.finalize(ctx, &job, core.ExecutionFailed, nil, core.AsError(err), nil)
		_ = d.Ack()
		return
	}

	status, result, execErr := r.loop(ctx)
	if status == "" {
		// Ownership lapsed (context canceled mid-run). Leave the record
		// Running and let broker redelivery hand it to another engine.
		_ = d.Nack(requeueDelay)
		return
	}
	e.finalize(ctx, &job, status, result, execErr, r.progress())
	_ = d.Ack()
}

// claim CASes the execution into Running, or decides what a duplicate
// delivery means. The bool result reports whether this engine now owns the
// execution; recovered is non-nil when resuming after a crash.
func (e *Engine) claim(ctx context.Context, job *core.ExecuteWorkflow, d *transport.Delivery) ([]*core.NodeExecution, bool) {
	now := time.Now()
	_, err := e.store.Transition(ctx, job.TenantID, job.ExecutionID,
		[]core.ExecutionStatus{core.ExecutionPending}, core.ExecutionRunning,
		persistence.Patch{
			StartedAt: &now,
			Progress:  &core.Progress{Total: len(job.Workflow.Nodes)},
		})
	if err == nil {
		e.stream.Publish(ctx, eventstream.Event{
			ExecutionID: job.ExecutionID,
			Kind:        eventstream.ExecutionStarted,
		})
		return nil, true
	}

	var invalid *persistence.InvalidTransitionError
	switch {
	case errors.As(err, &invalid) && invalid.Current.IsTerminal():
		// Duplicate delivery of a finished execution.
		logger.Debug(ctx, "Ignoring duplicate delivery of terminal execution", tag.Status(invalid.Current.String()))
		_ = d.Ack()
		return nil, false
	case errors.As(err, &invalid) && invalid.Current == core.ExecutionRunning:
		if d.Deliveries > 1 {
			// Redelivery of a Running execution: the previous owner died
			// without acking. Reconstruct from the node records and resume.
			_, nodes, serr := e.store.Snapshot(ctx, job.TenantID, job.ExecutionID)
			if serr != nil {
				logger.Error(ctx, "Failed to snapshot execution for recovery", tag.Error(serr))
				_ = d.Nack(requeueDelay)
				return nil, false
			}
			logger.Info(ctx, "Recovering execution from redelivered job", tag.Deliveries(d.Deliveries))
			return nodes, true
		}
		// First delivery but already Running: another engine holds it.
		_ = d.Nack(requeueDelay)
		return nil, false
	case errors.Is(err, persistence.ErrNotFound):
		logger.Error(ctx, "Workflow job names an unknown execution; dropping", tag.Error(err))
		_ = d.Ack()
		return nil, false
	default:
		logger.Error(ctx, "Failed to claim execution", tag.Error(err))
		_ = d.Nack(requeueDelay)
		return nil, false
	}
}

// finalize transitions the execution to its terminal status and publishes
// the final progress event.
func (e *Engine) finalize(ctx context.Context, job *core.ExecuteWorkflow, status core.ExecutionStatus, result json.RawMessage, execErr *core.Error, progress *core.Progress) {
	now := time.Now()
	patch := persistence.Patch{FinishedAt: &now, Result: result, Error: execErr, Progress: progress}
	_, err := e.store.Transition(ctx, job.TenantID, job.ExecutionID,
		[]core.ExecutionStatus{core.ExecutionPending, core.ExecutionRunning}, status, patch)
	if err != nil {
		var invalid *persistence.InvalidTransitionError
		if !errors.As(err, &invalid) || !invalid.Current.IsTerminal() {
			logger.Error(ctx, "Failed to finalize execution", tag.Status(status.String()), tag.Error(err))
			return
		}
	}

	e.metrics.ExecutionsCompleted.WithLabelValues(status.String()).Inc()
	e.stream.Publish(ctx, eventstream.Event{
		ExecutionID: job.ExecutionID,
		Kind:        eventstream.ExecutionCompleted,
		Status:      status.String(),
	})
	logger.Info(ctx, "Execution finished", tag.Status(status.String()))
}
