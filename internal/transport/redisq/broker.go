// Package redisq implements the transport.Broker contract on Redis Streams.
// Each logical queue is one stream consumed through a consumer group, which
// gives durable, acknowledged delivery; unacked entries from dead consumers
// are reclaimed with XAUTOCLAIM, and messages over the redelivery budget or
// past their TTL route to a dead-letter stream.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/orcaflow/orcaflow/internal/backoff"
	"github.com/orcaflow/orcaflow/internal/logger"
	"github.com/orcaflow/orcaflow/internal/logger/tag"
	"github.com/orcaflow/orcaflow/internal/transport"
)

var _ transport.Broker = (*Broker)(nil)

const (
	streamPrefix = "orcaflow:q:"
	group        = "orcaflow"
)

// Config holds the broker connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	// MinIdle is how long an entry must sit unacked before another consumer
	// may reclaim it.
	MinIdle time.Duration
}

// Broker is a Redis Streams message broker.
type Broker struct {
	client   redis.UniversalClient
	consumer string
	minIdle  time.Duration

	mu     sync.Mutex
	groups map[string]bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	minIdle := cfg.MinIdle
	if minIdle <= 0 {
		minIdle = 30 * time.Second
	}
	return &Broker{
		client:   client,
		consumer: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		minIdle:  minIdle,
		groups:   make(map[string]bool),
	}, nil
}

func streamKey(queue string) string { return streamPrefix + queue }

// Publish implements transport.Broker.
func (b *Broker) Publish(ctx context.Context, queue string, msg transport.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	values, err := encode(&msg)
	if err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[queue] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, streamKey(queue), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for %s: %w", queue, err)
	}
	b.groups[queue] = true
	return nil
}

// Subscribe implements transport.Broker.
func (b *Broker) Subscribe(ctx context.Context, queue string, opts transport.QueueOptions) (<-chan *transport.Delivery, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	out := make(chan *transport.Delivery)
	slots := make(chan struct{}, prefetch)
	for i := 0; i < prefetch; i++ {
		slots <- struct{}{}
	}

	go b.readLoop(ctx, queue, opts, out, slots)
	go b.claimLoop(ctx, queue, opts, out, slots)
	return out, nil
}

func (b *Broker) readLoop(ctx context.Context, queue string, opts transport.QueueOptions, out chan<- *transport.Delivery, slots chan struct{}) {
	defer close(out)
	stream := streamKey(queue)
	retrier := backoff.NewRetrier(backoff.WithJitter(
		backoff.NewExponentialBackoffPolicy(500*time.Millisecond), backoff.FullJitter))
	for {
		select {
		case <-ctx.Done():
			return
		case <-slots:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			slots <- struct{}{}
			if err == redis.Nil || ctx.Err() != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			logger.Warn(ctx, "Stream read failed", tag.Queue(queue), tag.Error(err))
			if rerr := retrier.Next(ctx, err); rerr != nil {
				if rerr == backoff.ErrOperationCanceled {
					return
				}
				retrier.Reset()
			}
			continue
		}
		retrier.Reset()

		delivered := false
		for _, sr := range res {
			for _, entry := range sr.Messages {
				if b.handleEntry(ctx, queue, opts, entry, out, slots) {
					delivered = true
				}
			}
		}
		if !delivered {
			slots <- struct{}{}
		}
	}
}

// claimLoop periodically reclaims entries left pending by dead consumers.
func (b *Broker) claimLoop(ctx context.Context, queue string, opts transport.QueueOptions, out chan<- *transport.Delivery, slots chan struct{}) {
	stream := streamKey(queue)
	ticker := time.NewTicker(b.minIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  b.minIdle,
			Start:    "0-0",
			Count:    int64(cap(slots)),
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "Stream reclaim failed", tag.Queue(queue), tag.Error(err))
			continue
		}

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			case <-slots:
			}
			if !b.handleEntry(ctx, queue, opts, entry, out, slots) {
				slots <- struct{}{}
			}
		}
	}
}

// handleEntry decodes, applies TTL/budget policy, and hands the delivery to
// the consumer. Returns true when a delivery was emitted (the slot is then
// released by Ack/Nack).
func (b *Broker) handleEntry(ctx context.Context, queue string, opts transport.QueueOptions, entry redis.XMessage, out chan<- *transport.Delivery, slots chan struct{}) bool {
	stream := streamKey(queue)
	msg, err := decode(entry)
	if err != nil {
		logger.Error(ctx, "Dropping undecodable stream entry", tag.Queue(queue), tag.Error(err))
		b.ackEntry(ctx, stream, entry.ID)
		return false
	}

	msg.Deliveries++
	if (opts.TTL > 0 && time.Since(msg.EnqueuedAt) > opts.TTL) ||
		(opts.MaxDeliveries > 0 && msg.Deliveries > opts.MaxDeliveries) {
		b.deadLetter(ctx, queue, msg)
		b.ackEntry(ctx, stream, entry.ID)
		return false
	}

	d := transport.NewDelivery(*msg,
		func() error {
			b.ackEntry(ctx, stream, entry.ID)
			slots <- struct{}{}
			return nil
		},
		func(delay time.Duration) error {
			// Redelivery keeps the incremented counter by re-adding the
			// message; the original entry is acked out of the PEL.
			b.ackEntry(ctx, stream, entry.ID)
			slots <- struct{}{}
			requeued := *msg
			requeue := func() {
				values, err := encode(&requeued)
				if err != nil {
					return
				}
				_ = b.client.XAdd(context.WithoutCancel(ctx), &redis.XAddArgs{
					Stream: stream,
					Values: values,
				}).Err()
			}
			if delay <= 0 {
				requeue()
			} else {
				time.AfterFunc(delay, requeue)
			}
			return nil
		},
	)
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Broker) ackEntry(ctx context.Context, stream, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		logger.Warn(ctx, "Failed to ack stream entry", tag.Error(err))
		return
	}
	_ = b.client.XDel(ctx, stream, id).Err()
}

func (b *Broker) deadLetter(ctx context.Context, queue string, msg *transport.Message) {
	values, err := encode(msg)
	if err != nil {
		return
	}
	if err := b.client.XAdd(context.WithoutCancel(ctx), &redis.XAddArgs{
		Stream: streamKey(queue + transport.DLQSuffix),
		Values: values,
	}).Err(); err != nil {
		logger.Error(ctx, "Failed to dead-letter message", tag.Queue(queue), tag.Error(err))
	}
}

// Close implements transport.Broker.
func (b *Broker) Close() error {
	return b.client.Close()
}

func encode(msg *transport.Message) (map[string]any, error) {
	values := map[string]any{
		"id":         msg.ID,
		"body":       string(msg.Body),
		"enqueued":   msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"deliveries": strconv.Itoa(msg.Deliveries),
	}
	if msg.CorrelationID != "" {
		values["correlation"] = msg.CorrelationID
	}
	if msg.ReplyTo != "" {
		values["replyto"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal headers: %w", err)
		}
		values["headers"] = string(headers)
	}
	return values, nil
}

func decode(entry redis.XMessage) (*transport.Message, error) {
	msg := &transport.Message{}
	get := func(key string) string {
		if v, ok := entry.Values[key].(string); ok {
			return v
		}
		return ""
	}
	msg.ID = get("id")
	msg.Body = json.RawMessage(get("body"))
	msg.CorrelationID = get("correlation")
	msg.ReplyTo = get("replyto")
	if v := get("enqueued"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid enqueued timestamp %q: %w", v, err)
		}
		msg.EnqueuedAt = t
	}
	if v := get("deliveries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid deliveries count %q: %w", v, err)
		}
		msg.Deliveries = n
	}
	if v := get("headers"); v != "" {
		if err := json.Unmarshal([]byte(v), &msg.Headers); err != nil {
			return nil, fmt.Errorf("invalid headers: %w", err)
		}
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("stream entry %s has no message id", entry.ID)
	}
	return msg, nil
}
