// Package dispatch sends node attempts to runners over the message bus and
// matches replies by correlation id. One attempt equals one request-reply
// round trip; the scheduler decides whether a failed attempt is retried,
// using the retry policy this package derives from configuration.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcaflow/orcaflow/internal/backoff"
	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
	"github.com/orcaflow/orcaflow/internal/transport"
)

// Config tunes dispatch behavior.
type Config struct {
	// BaseBackoff and MaxBackoff shape the retry policy handed to the
	// scheduler: exponential from base, capped at max.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts is the per-node attempt budget including the first.
	MaxAttempts int
	// DefaultNodeTimeout applies when the node carries no override.
	DefaultNodeTimeout time.Duration
	// ReplySlack is added on top of the node timeout when awaiting the
	// reply, covering queue and transport latency.
	ReplySlack time.Duration
	// Reply queue consumption knobs.
	Prefetch      int
	MessageTTL    time.Duration
	MaxDeliveries int
}

func (c *Config) applyDefaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = 30 * time.Second
	}
	if c.ReplySlack <= 0 {
		c.ReplySlack = 5 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 64
	}
}

// Dispatcher is the request-reply client side of node execution. Each
// instance owns a private reply queue named after its id; replies route
// back to whichever instance asked.
type Dispatcher struct {
	broker     transport.Broker
	cfg        Config
	replyQueue string

	mu      sync.Mutex
	pending map[string]chan *core.ExecuteNodeReply
}

// New creates a dispatcher. Start must be called before Dispatch.
func New(broker transport.Broker, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		broker:     broker,
		cfg:        cfg,
		replyQueue: "reply." + uuid.New().String()[:8],
		pending:    make(map[string]chan *core.ExecuteNodeReply),
	}
}

// Start subscribes to the reply queue and pumps replies to their waiters
// until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	deliveries, err := d.broker.Subscribe(ctx, d.replyQueue, transport.QueueOptions{
		Prefetch:      d.cfg.Prefetch,
		TTL:           d.cfg.MessageTTL,
		MaxDeliveries: d.cfg.MaxDeliveries,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to reply queue %s: %w", d.replyQueue, err)
	}

	go func() {
		for del := range deliveries {
			d.deliver(ctx, del)
		}
	}()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, del *transport.Delivery) {
	defer func() { _ = del.Ack() }()

	var reply core.ExecuteNodeReply
	if err := json.Unmarshal(del.Body, &reply); err != nil {
		logger.Error(ctx, "Dropping undecodable node reply", tag.Error(err))
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[del.CorrelationID]
	if ok {
		delete(d.pending, del.CorrelationID)
	}
	d.mu.Unlock()

	if !ok {
		// Reply arrived after the waiter timed out. The scheduler has
		// already moved on; the runner's dedup cache keeps a later retry
		// cheap.
		logger.Debug(ctx, "Discarding late node reply",
			tag.Execution(reply.ExecutionID),
			tag.Node(reply.NodeID),
			tag.Attempt(reply.Attempt))
		return
	}
	ch <- &reply
}

// Dispatch publishes one node attempt and awaits its reply. A missing reply
// within the node timeout plus slack yields a Failed reply with a retryable
// Timeout error; transport failures surface as TransportError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *core.ExecuteNode) (*core.ExecuteNodeReply, error) {
	correlationID := uuid.New().String()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node request: %w", err)
	}

	ch := make(chan *core.ExecuteNodeReply, 1)
	d.mu.Lock()
	d.pending[correlationID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, correlationID)
		d.mu.Unlock()
	}()

	err = d.broker.Publish(ctx, transport.QueueNode, transport.Message{
		Body:          body,
		CorrelationID: correlationID,
		ReplyTo:       d.replyQueue,
	})
	if err != nil {
		return nil, core.NewRetryable(core.KindTransportError, "failed to publish node request: %s", err)
	}

	timeout := d.cfg.DefaultNodeTimeout
	if req.Node.TimeoutSeconds > 0 {
		timeout = time.Duration(req.Node.TimeoutSeconds) * time.Second
	}
	timer := time.NewTimer(timeout + d.cfg.ReplySlack)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return &core.ExecuteNodeReply{
			ExecutionID: req.ExecutionID,
			NodeID:      req.NodeID,
			Attempt:     req.Attempt,
			Status:      core.NodeFailed,
			Error:       core.NewRetryable(core.KindTimeout, "no reply for node %s attempt %d within %s", req.NodeID, req.Attempt, timeout+d.cfg.ReplySlack),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MaxAttempts reports the per-node attempt budget.
func (d *Dispatcher) MaxAttempts() int { return d.cfg.MaxAttempts }

// RetryPolicy builds the backoff policy the scheduler applies between
// attempts of the same node. Intervals are deterministic (no jitter) so a
// retry never fires before the configured base has elapsed.
func (d *Dispatcher) RetryPolicy() backoff.RetryPolicy {
	return &backoff.ExponentialBackoffPolicy{
		InitialInterval: d.cfg.BaseBackoff,
		BackoffFactor:   2.0,
		MaxInterval:     d.cfg.MaxBackoff,
		MaxRetries:      d.cfg.MaxAttempts,
	}
}
