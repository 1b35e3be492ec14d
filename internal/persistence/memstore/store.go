// Package memstore is an in-memory persistence.Store used by tests and by
// single-process setups where durability is not required. It enforces the
// same CAS and write-once semantics as the durable store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store keeps executions and node records in maps guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	execs map[string]*core.Execution
	nodes map[string]map[string]*core.NodeExecution // execution-id -> node-id/attempt -> record
}

// New creates an empty store.
func New() *Store {
	return &Store{
		execs: make(map[string]*core.Execution),
		nodes: make(map[string]map[string]*core.NodeExecution),
	}
}

// Create implements persistence.Store.
func (s *Store) Create(_ context.Context, e *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; ok {
		return persistence.ErrAlreadyExists
	}
	cp := *e
	s.execs[e.ID] = &cp
	s.nodes[e.ID] = make(map[string]*core.NodeExecution)
	return nil
}

// Transition implements persistence.Store.
func (s *Store) Transition(_ context.Context, tenantID, executionID string, from []core.ExecutionStatus, to core.ExecutionStatus, patch persistence.Patch) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.execs[executionID]
	if !ok || cur.TenantID != tenantID {
		return nil, persistence.ErrNotFound
	}
	if cur.Status.IsTerminal() || !statusIn(cur.Status, from) {
		return nil, &persistence.InvalidTransitionError{
			ExecutionID: executionID, Current: cur.Status, To: to,
		}
	}

	cur.Status = to
	if patch.Progress != nil {
		cur.Progress = *patch.Progress
	}
	if patch.Error != nil {
		cur.Error = patch.Error
	}
	if patch.Result != nil {
		cur.Result = patch.Result
	}
	if patch.StartedAt != nil {
		cur.StartedAt = *patch.StartedAt
	}
	if patch.FinishedAt != nil && cur.FinishedAt == nil {
		cur.FinishedAt = patch.FinishedAt
	}

	cp := *cur
	return &cp, nil
}

// RequestCancel implements persistence.Store.
func (s *Store) RequestCancel(_ context.Context, tenantID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[executionID]
	if !ok || cur.TenantID != tenantID {
		return persistence.ErrNotFound
	}
	if !cur.Status.IsTerminal() {
		cur.CancelRequested = true
	}
	return nil
}

// UpsertNode implements persistence.Store.
func (s *Store) UpsertNode(_ context.Context, executionID string, n *core.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.nodes[executionID]
	if !ok {
		return persistence.ErrNotFound
	}
	key := core.DedupKey(executionID, n.NodeID, n.Attempt)
	if prev, ok := records[key]; ok && prev.Status.IsTerminal() && prev.Status != n.Status {
		return fmt.Errorf("node %s attempt %d already terminal (%s)", n.NodeID, n.Attempt, prev.Status)
	}
	cp := *n
	cp.ExecutionID = executionID
	records[key] = &cp
	return nil
}

// Snapshot implements persistence.Store.
func (s *Store) Snapshot(_ context.Context, tenantID, executionID string) (*core.Execution, []*core.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.execs[executionID]
	if !ok || cur.TenantID != tenantID {
		return nil, nil, persistence.ErrNotFound
	}
	exec := *cur

	var nodes []*core.NodeExecution
	for _, n := range s.nodes[executionID] {
		cp := *n
		nodes = append(nodes, &cp)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].NodeID != nodes[j].NodeID {
			return nodes[i].NodeID < nodes[j].NodeID
		}
		return nodes[i].Attempt < nodes[j].Attempt
	})
	return &exec, nodes, nil
}

// ListRunning implements persistence.Store.
func (s *Store) ListRunning(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, e := range s.execs {
		if e.Status == core.ExecutionRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements persistence.Store.
func (s *Store) Close() error { return nil }

func statusIn(v core.ExecutionStatus, set []core.ExecutionStatus) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
