// Package transport defines the message bus contract the core rides on:
// durable, acknowledged, DLQ-backed queues with per-consumer prefetch.
// Delivery is at-least-once; effectively-once execution comes from the
// (execution-id, node-id, attempt) dedup key, never from the broker.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Logical queue names. Reply queues are derived per requester.
const (
	QueueWorkflow = "execute-workflow"
	QueueNode     = "execute-node"
)

// DLQSuffix is appended to a queue name to form its dead-letter queue.
const DLQSuffix = ".dlq"

// Message is a broker message. Body is an opaque JSON blob; correlation and
// reply routing ride in the envelope, not in the body.
type Message struct {
	ID            string            `json:"id"`
	Body          json.RawMessage   `json:"body"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	// Deliveries counts broker deliveries of this message, starting at 1.
	Deliveries int `json:"deliveries,omitempty"`
}

// Delivery is a received message plus its acknowledgement handles. Every
// delivery must be either acked or nacked; no-ack consumption is disallowed.
type Delivery struct {
	Message

	ack  func() error
	nack func(delay time.Duration) error
}

// Ack acknowledges the delivery; the broker drops the message.
func (d *Delivery) Ack() error {
	return d.ack()
}

// Nack returns the message to the queue for redelivery after the given
// delay. Once the redelivery budget is exhausted the broker routes the
// message to the dead-letter queue instead.
func (d *Delivery) Nack(delay time.Duration) error {
	return d.nack(delay)
}

// NewDelivery wires a message to its acknowledgement callbacks. Intended
// for broker implementations.
func NewDelivery(msg Message, ack func() error, nack func(time.Duration) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// QueueOptions configures a subscription.
type QueueOptions struct {
	// Prefetch caps unacked deliveries in flight to this consumer.
	Prefetch int
	// TTL expires messages; expired messages route to the DLQ.
	TTL time.Duration
	// MaxDeliveries is the redelivery budget before DLQ routing.
	MaxDeliveries int
}

// Broker is the message bus. Implementations must keep queues independent:
// no ordering is guaranteed across messages.
type Broker interface {
	// Publish enqueues a message. It is durable once Publish returns.
	Publish(ctx context.Context, queue string, msg Message) error

	// Subscribe starts consuming the queue. The channel closes when ctx
	// ends. Deliveries must be acked or nacked by the consumer.
	Subscribe(ctx context.Context, queue string, opts QueueOptions) (<-chan *Delivery, error)

	Close() error
}
