// Package backoff implements retry policies with exponential backoff and
// jitter, shared by the node dispatcher and the broker consumers.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrRetriesExhausted is returned when the maximum number of retries has
	// been reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOperationCanceled is returned when the retry wait is canceled via
	// context.
	ErrOperationCanceled = errors.New("operation canceled")
)

// RetryPolicy computes the wait before the next retry.
type RetryPolicy interface {
	// ComputeNextInterval returns the duration to wait before retry number
	// retryCount+1, or an error if no more retries should be attempted.
	ComputeNextInterval(retryCount int, err error) (time.Duration, error)
}

// ExponentialBackoffPolicy grows the interval by BackoffFactor per retry,
// capped at MaxInterval. MaxRetries of zero means unlimited.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy creates a policy with factor 2 and a 30s cap.
func NewExponentialBackoffPolicy(initial time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initial,
		BackoffFactor:   2.0,
		MaxInterval:     30 * time.Second,
	}
}

// ComputeNextInterval implements RetryPolicy.
func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval), nil
}

// JitterFunc perturbs a computed interval.
type JitterFunc func(time.Duration) time.Duration

// FullJitter draws uniformly from [0, interval). Prevents thundering herds
// when many consumers reconnect at once.
func FullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval)))
}

// WithJitter wraps a policy so its intervals pass through jitter.
func WithJitter(policy RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitteredPolicy{policy: policy, jitter: jitter}
}

type jitteredPolicy struct {
	policy RetryPolicy
	jitter JitterFunc
}

func (p *jitteredPolicy) ComputeNextInterval(retryCount int, err error) (time.Duration, error) {
	interval, cerr := p.policy.ComputeNextInterval(retryCount, err)
	if cerr != nil {
		return 0, cerr
	}
	return p.jitter(interval), nil
}

// Retrier tracks retry state and waits out the computed intervals.
type Retrier struct {
	policy RetryPolicy
	count  int
	mu     sync.Mutex
}

// NewRetrier creates a Retrier for the given policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy}
}

// Next computes the next interval, sleeps it out, and advances the retry
// count. It returns ErrOperationCanceled if the context ends during the
// wait, or ErrRetriesExhausted from the policy.
func (r *Retrier) Next(ctx context.Context, err error) error {
	r.mu.Lock()
	interval, cerr := r.policy.ComputeNextInterval(r.count, err)
	if cerr == nil {
		r.count++
	}
	r.mu.Unlock()
	if cerr != nil {
		return cerr
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrOperationCanceled
	case <-timer.C:
		return nil
	}
}

// Interval returns the wait before the given retry without sleeping.
func (r *Retrier) Interval(retryCount int, err error) (time.Duration, error) {
	return r.policy.ComputeNextInterval(retryCount, err)
}

// Reset returns the retrier to its initial state.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count = 0
}
