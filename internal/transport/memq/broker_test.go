package memq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaflow/orcaflow/internal/transport"
)

func publish(t *testing.T, b *Broker, queue, body string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), queue, transport.Message{
		Body: json.RawMessage(body),
	}))
}

func receive(t *testing.T, ch <-chan *transport.Delivery) *transport.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		require.NotNil(t, d)
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "q", transport.QueueOptions{Prefetch: 1})
	require.NoError(t, err)

	publish(t, b, "q", `{"n":1}`)
	d := receive(t, ch)
	assert.JSONEq(t, `{"n":1}`, string(d.Body))
	assert.Equal(t, 1, d.Deliveries)
	assert.NotEmpty(t, d.ID)
	require.NoError(t, d.Ack())
	assert.Equal(t, 0, b.Len("q"))
}

func TestNackRedelivers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "q", transport.QueueOptions{Prefetch: 1, MaxDeliveries: 5})
	require.NoError(t, err)

	publish(t, b, "q", `{}`)
	first := receive(t, ch)
	id := first.ID
	require.NoError(t, first.Nack(0))

	second := receive(t, ch)
	assert.Equal(t, id, second.ID)
	assert.Equal(t, 2, second.Deliveries)
	require.NoError(t, second.Ack())
}

func TestDeadLetterAfterMaxDeliveries(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "q", transport.QueueOptions{Prefetch: 1, MaxDeliveries: 2})
	require.NoError(t, err)

	publish(t, b, "q", `{}`)
	require.NoError(t, receive(t, ch).Nack(0))
	require.NoError(t, receive(t, ch).Nack(0))

	// third delivery exceeds the budget and routes to the DLQ
	require.Eventually(t, func() bool {
		return b.Len("q"+transport.DLQSuffix) == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case d := <-ch:
		t.Fatalf("expected no delivery, got %s", d.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTTLExpiryRoutesToDLQ(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "q", transport.Message{
		Body:       json.RawMessage(`{}`),
		EnqueuedAt: time.Now().Add(-time.Hour),
	}))

	_, err := b.Subscribe(ctx, "q", transport.QueueOptions{Prefetch: 1, TTL: time.Minute})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Len("q"+transport.DLQSuffix) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPrefetchBoundsInFlight(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "q", transport.QueueOptions{Prefetch: 2})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		publish(t, b, "q", `{}`)
	}

	first := receive(t, ch)
	second := receive(t, ch)

	// both slots taken: no third delivery until an ack
	select {
	case <-ch:
		t.Fatal("third delivery violated prefetch")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	third := receive(t, ch)
	require.NoError(t, second.Ack())
	require.NoError(t, third.Ack())
}

func TestClosedBrokerRejectsPublish(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), "q", transport.Message{Body: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCorrelationAndReplyTo(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "q", transport.QueueOptions{Prefetch: 1})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", transport.Message{
		Body:          json.RawMessage(`{}`),
		CorrelationID: "corr-7",
		ReplyTo:       "reply.abc",
		Headers:       map[string]string{"k": "v"},
	}))
	d := receive(t, ch)
	assert.Equal(t, "corr-7", d.CorrelationID)
	assert.Equal(t, "reply.abc", d.ReplyTo)
	assert.Equal(t, "v", d.Headers["k"])
	require.NoError(t, d.Ack())
}
