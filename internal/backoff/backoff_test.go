package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy(t *testing.T) {
	t.Run("GrowsAndCaps", func(t *testing.T) {
		p := &ExponentialBackoffPolicy{
			InitialInterval: time.Second,
			BackoffFactor:   2.0,
			MaxInterval:     5 * time.Second,
		}
		intervals := make([]time.Duration, 0, 4)
		for i := 0; i < 4; i++ {
			d, err := p.ComputeNextInterval(i, nil)
			require.NoError(t, err)
			intervals = append(intervals, d)
		}
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second,
		}, intervals)
	})

	t.Run("ExhaustsRetries", func(t *testing.T) {
		p := &ExponentialBackoffPolicy{InitialInterval: time.Millisecond, BackoffFactor: 2, MaxInterval: time.Second, MaxRetries: 2}
		_, err := p.ComputeNextInterval(2, nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})
}

func TestFullJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := FullJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}
	assert.Equal(t, time.Duration(0), FullJitter(0))
}

func TestRetrier(t *testing.T) {
	t.Run("SleepsAndCounts", func(t *testing.T) {
		r := NewRetrier(&ExponentialBackoffPolicy{
			InitialInterval: 5 * time.Millisecond,
			BackoffFactor:   2,
			MaxInterval:     50 * time.Millisecond,
			MaxRetries:      2,
		})
		start := time.Now()
		require.NoError(t, r.Next(context.Background(), errors.New("boom")))
		require.NoError(t, r.Next(context.Background(), errors.New("boom")))
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

		err := r.Next(context.Background(), errors.New("boom"))
		assert.ErrorIs(t, err, ErrRetriesExhausted)

		r.Reset()
		assert.NoError(t, r.Next(context.Background(), errors.New("boom")))
	})

	t.Run("CanceledDuringWait", func(t *testing.T) {
		r := NewRetrier(&ExponentialBackoffPolicy{InitialInterval: time.Minute, BackoffFactor: 2, MaxInterval: time.Minute})
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := r.Next(ctx, errors.New("boom"))
		assert.ErrorIs(t, err, ErrOperationCanceled)
	})
}
