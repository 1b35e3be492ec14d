// Package eventstream pushes per-node and per-execution state changes to
// subscribers. Delivery is best-effort: a slow subscriber loses events and
// resyncs through the orchestrator's status endpoint. Events are retained
// in an in-memory ring per execution and discarded a grace window after the
// execution reaches a terminal state.
package eventstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
)

// Kind enumerates progress event kinds.
type Kind string

const (
	ExecutionStarted   Kind = "ExecutionStarted"
	NodeStarted        Kind = "NodeStarted"
	NodeCompleted      Kind = "NodeCompleted"
	NodeFailed         Kind = "NodeFailed"
	NodeSkipped        Kind = "NodeSkipped"
	ExecutionCompleted Kind = "ExecutionCompleted"
	CancelRequested    Kind = "CancelRequested"
)

// Event is one progress notification.
type Event struct {
	ExecutionID string         `json:"executionId"`
	Kind        Kind           `json:"kind"`
	NodeID      string         `json:"nodeId,omitempty"`
	Status      string         `json:"status,omitempty"`
	ErrorKind   core.ErrorKind `json:"errorKind,omitempty"`
	OutputHash  string         `json:"outputHash,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// OutputHash returns a short content hash for completed-node events so
// subscribers can detect changed outputs without seeing the payload.
func OutputHash(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:8])
}

// Stream is an in-process pub-sub hub keyed by execution id.
type Stream struct {
	mu         sync.RWMutex
	rings      map[string]*ring
	subs       map[string]map[int]chan Event
	nextSub    int
	ringSize   int
	grace      time.Duration
	discardTmr map[string]*time.Timer
}

type ring struct {
	events []Event
	size   int
}

func (r *ring) append(e Event) {
	r.events = append(r.events, e)
	if len(r.events) > r.size {
		r.events = r.events[len(r.events)-r.size:]
	}
}

// Option configures a Stream.
type Option func(*Stream)

// WithRingSize sets the per-execution retention ring size.
func WithRingSize(n int) Option {
	return func(s *Stream) { s.ringSize = n }
}

// WithRetentionGrace sets how long history outlives a terminal execution.
func WithRetentionGrace(d time.Duration) Option {
	return func(s *Stream) { s.grace = d }
}

// New creates a Stream.
func New(opts ...Option) *Stream {
	s := &Stream{
		rings:      make(map[string]*ring),
		subs:       make(map[string]map[int]chan Event),
		ringSize:   256,
		grace:      5 * time.Minute,
		discardTmr: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish records the event and fans it out to subscribers. Subscribers that
// cannot keep up are skipped.
func (s *Stream) Publish(_ context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.mu.Lock()
	r, ok := s.rings[e.ExecutionID]
	if !ok {
		r = &ring{size: s.ringSize}
		s.rings[e.ExecutionID] = r
	}
	r.append(e)
	var targets []chan Event
	for _, ch := range s.subs[e.ExecutionID] {
		targets = append(targets, ch)
	}
	if e.Kind == ExecutionCompleted {
		s.scheduleDiscardLocked(e.ExecutionID)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default: // best-effort: drop for slow subscribers
		}
	}
}

// scheduleDiscardLocked arms the retention timer for a finished execution.
func (s *Stream) scheduleDiscardLocked(executionID string) {
	if t, ok := s.discardTmr[executionID]; ok {
		t.Stop()
	}
	s.discardTmr[executionID] = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.rings, executionID)
		delete(s.discardTmr, executionID)
	})
}

// Subscribe returns a channel of events for one execution plus a cancel
// function. The channel is buffered; events overflowing the buffer are
// dropped.
func (s *Stream) Subscribe(executionID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[executionID] == nil {
		s.subs[executionID] = make(map[int]chan Event)
	}
	s.subs[executionID][id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subs[executionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subs, executionID)
			}
		}
	}
	return ch, cancel
}

// History returns the retained events for an execution, oldest first.
func (s *Stream) History(executionID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[executionID]
	if !ok {
		return nil
	}
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
