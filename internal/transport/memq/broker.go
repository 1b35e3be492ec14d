// Package memq is an in-process transport.Broker. It backs tests and
// single-node deployments; semantics (ack, redelivery budget, DLQ, TTL,
// prefetch) mirror the Redis broker so engine code cannot tell them apart.
package memq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcaflow/orcaflow/internal/transport"
)

var _ transport.Broker = (*Broker)(nil)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Broker is an in-memory message broker.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

type queue struct {
	mu    sync.Mutex
	items []*transport.Message
	wake  chan struct{}
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

func (b *Broker) queueFor(name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{wake: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q, nil
}

// Publish implements transport.Broker.
func (b *Broker) Publish(_ context.Context, name string, msg transport.Message) error {
	q, err := b.queueFor(name)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	q.push(&msg)
	return nil
}

func (q *queue) push(m *transport.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() *transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// Subscribe implements transport.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, opts transport.QueueOptions) (<-chan *transport.Delivery, error) {
	q, err := b.queueFor(name)
	if err != nil {
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

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-slots:
			}

			msg := q.waitPop(ctx)
			if msg == nil {
				return
			}

			msg.Deliveries++
			if expired(msg, opts.TTL) || overBudget(msg, opts.MaxDeliveries) {
				b.deadLetter(name, msg)
				slots <- struct{}{}
				continue
			}

			d := transport.NewDelivery(*msg,
				func() error {
					slots <- struct{}{}
					return nil
				},
				func(delay time.Duration) error {
					slots <- struct{}{}
					requeued := *msg
					if delay <= 0 {
						q.push(&requeued)
						return nil
					}
					time.AfterFunc(delay, func() { q.push(&requeued) })
					return nil
				},
			)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// waitPop blocks until an item is available or the context ends.
func (q *queue) waitPop(ctx context.Context) *transport.Message {
	for {
		if m := q.pop(); m != nil {
			return m
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *Broker) deadLetter(name string, msg *transport.Message) {
	dead := *msg
	q, err := b.queueFor(name + transport.DLQSuffix)
	if err != nil {
		return
	}
	q.push(&dead)
}

// Len reports the number of queued (not in-flight) messages. Test helper.
func (b *Broker) Len(name string) int {
	q, err := b.queueFor(name)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close implements transport.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func expired(msg *transport.Message, ttl time.Duration) bool {
	return ttl > 0 && time.Since(msg.EnqueuedAt) > ttl
}

func overBudget(msg *transport.Message, maxDeliveries int) bool {
	return maxDeliveries > 0 && msg.Deliveries > maxDeliveries
}
