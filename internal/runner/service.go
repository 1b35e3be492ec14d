package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
	"github.com/orcaflow/orcaflow/internal/metrics"
	"github.com/orcaflow/orcaflow/internal/transport"
)

// dedupSize bounds the replay cache. Entries are tiny (a cached reply) and
// age out by LRU; at-least-once delivery means a duplicate usually arrives
// within seconds of the original.
const dedupSize = 16384

// ServiceConfig tunes the runner service.
type ServiceConfig struct {
	Limits        Limits
	Prefetch      int
	MessageTTL    time.Duration
	MaxDeliveries int
	// MemoryLimitMB arms the Go soft memory limit for the whole process.
	// Zero leaves the runtime default.
	MemoryLimitMB int
}

// Service consumes the execute-node queue, runs attempts through the
// sandbox, and replies on the requester's reply queue. Duplicate deliveries
// of an attempt replay the cached reply instead of re-running the handler.
type Service struct {
	broker  transport.Broker
	sandbox *Sandbox
	cfg     ServiceConfig
	metrics *metrics.Metrics
	dedup   *lru.Cache[string, *core.ExecuteNodeReply]
}

// NewService creates the runner service.
func NewService(broker transport.Broker, registry *Registry, cfg ServiceConfig, m *metrics.Metrics) (*Service, error) {
	dedup, err := lru.New[string, *core.ExecuteNodeReply](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Service{
		broker:  broker,
		sandbox: NewSandbox(registry, cfg.Limits),
		cfg:     cfg,
		metrics: m,
		dedup:   dedup,
	}, nil
}

// Run consumes node work until ctx ends. It returns nil on a clean
// shutdown.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.MemoryLimitMB > 0 {
		debug.SetMemoryLimit(int64(s.cfg.MemoryLimitMB) << 20)
	}

	deliveries, err := s.broker.Subscribe(ctx, transport.QueueNode, transport.QueueOptions{
		Prefetch:      s.cfg.Prefetch,
		TTL:           s.cfg.MessageTTL,
		MaxDeliveries: s.cfg.MaxDeliveries,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", transport.QueueNode, err)
	}
	logger.Info(ctx, "Runner started", tag.Queue(transport.QueueNode))

	for d := range deliveries {
		// Prefetch already bounds in-flight work; each delivery gets its
		// own goroutine so one slow node cannot stall the rest.
		go s.handle(ctx, d)
	}
	return nil
}

func (s *Service) handle(ctx context.Context, d *transport.Delivery) {
	var req core.ExecuteNode
	if err := json.Unmarshal(d.Body, &req); err != nil {
		logger.Error(ctx, "Dropping undecodable node request", tag.Error(err))
		_ = d.Ack()
		return
	}
	ctx = logger.WithValues(ctx,
		"execution", req.ExecutionID,
		"node", req.NodeID,
		"attempt", req.Attempt)

	key := core.DedupKey(req.ExecutionID, req.NodeID, req.Attempt)
	if cached, ok := s.dedup.Get(key); ok {
		logger.Debug(ctx, "Replaying cached reply for duplicate delivery", tag.Deliveries(d.Deliveries))
		s.reply(ctx, d, cached)
		return
	}

	start := time.Now()
	reply := s.sandbox.Invoke(ctx, &req)
	s.metrics.NodeAttempts.WithLabelValues(reply.Status.String()).Inc()
	s.metrics.NodeDuration.Observe(time.Since(start).Seconds())

	if reply.Status == core.NodeFailed {
		logger.Warn(ctx, "Node attempt failed",
			tag.NodeType(req.Node.Type),
			tag.Duration(time.Since(start)),
			tag.Error(reply.Error))
	} else {
		logger.Info(ctx, "Node attempt completed",
			tag.NodeType(req.Node.Type),
			tag.Duration(time.Since(start)))
	}

	s.dedup.Add(key, reply)
	s.reply(ctx, d, reply)
}

// reply publishes the structured result to the requester's reply queue and
// acks the request. A failed publish nacks so the broker redelivers and the
// dedup cache answers the retry.
func (s *Service) reply(ctx context.Context, d *transport.Delivery, reply *core.ExecuteNodeReply) {
	if d.ReplyTo == "" {
		logger.Error(ctx, "Node request has no reply queue; dropping result")
		_ = d.Ack()
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		logger.Error(ctx, "Failed to marshal node reply", tag.Error(err))
		_ = d.Ack()
		return
	}
	err = s.broker.Publish(ctx, d.ReplyTo, transport.Message{
		Body:          body,
		CorrelationID: d.CorrelationID,
	})
	if err != nil {
		logger.Error(ctx, "Failed to publish node reply", tag.Queue(d.ReplyTo), tag.Error(err))
		_ = d.Nack(time.Second)
		return
	}
	_ = d.Ack()
}
