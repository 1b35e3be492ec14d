// Package sqlitestore implements the execution state store on SQLite.
// A single-file database with WAL journaling covers the contract: one
// writer at a time matches the per-execution writer serialization the
// engine requires, and readers never block on it.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store is a SQLite-backed persistence.Store.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at path. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			error TEXT,
			progress TEXT NOT NULL,
			result TEXT,
			input TEXT,
			metadata TEXT,
			correlation_id TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at TEXT,
			finished_at TEXT,
			dependencies TEXT,
			dependents TEXT,
			PRIMARY KEY (execution_id, node_id, attempt),
			FOREIGN KEY (execution_id) REFERENCES executions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_execution ON node_executions(execution_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// Create implements persistence.Store.
func (s *Store) Create(ctx context.Context, e *core.Execution) error {
	progress, err := json.Marshal(e.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	metadata, err := marshalNullable(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	errJSON, err := marshalNullable(e.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions
			(id, workflow_id, tenant_id, status, started_at, finished_at, error,
			 progress, result, input, metadata, correlation_id, cancel_requested)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.TenantID, string(e.Status),
		formatTime(e.StartedAt), formatTimePtr(e.FinishedAt), errJSON,
		string(progress), rawOrNil(e.Result), rawOrNil(e.Input), metadata,
		e.CorrelationID, boolToInt(e.CancelRequested),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert execution %s: %w", e.ID, err)
	}
	return nil
}

// Transition implements persistence.Store.
func (s *Store) Transition(ctx context.Context, tenantID, executionID string, from []core.ExecutionStatus, to core.ExecutionStatus, patch persistence.Patch) (*core.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanExecution(tx.QueryRowContext(ctx,
		selectExecution+` WHERE id = ? AND tenant_id = ?`, executionID, tenantID))
	if err != nil {
		return nil, err
	}

	if cur.Status.IsTerminal() || !statusIn(cur.Status, from) {
		return nil, &persistence.InvalidTransitionError{
			ExecutionID: executionID, Current: cur.Status, To: to,
		}
	}

	cur.Status = to
	applyPatch(cur, patch)

	progress, err := json.Marshal(cur.Progress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress: %w", err)
	}
	errJSON, err := marshalNullable(cur.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE executions
		 SET status = ?, started_at = ?, finished_at = ?, error = ?,
		     progress = ?, result = ?
		 WHERE id = ?`,
		string(cur.Status), formatTime(cur.StartedAt), formatTimePtr(cur.FinishedAt),
		errJSON, string(progress), rawOrNil(cur.Result), executionID,
	); err != nil {
		return nil, fmt.Errorf("failed to update execution %s: %w", executionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition for %s: %w", executionID, err)
	}
	return cur, nil
}

// RequestCancel implements persistence.Store.
func (s *Store) RequestCancel(ctx context.Context, tenantID, executionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET cancel_requested = 1
		 WHERE id = ? AND tenant_id = ? AND status IN (?, ?)`,
		executionID, tenantID, string(core.ExecutionPending), string(core.ExecutionRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel for %s: %w", executionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already terminal; distinguish for the caller.
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM executions WHERE id = ? AND tenant_id = ?`,
			executionID, tenantID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up execution %s: %w", executionID, err)
		}
	}
	return nil
}

// UpsertNode implements persistence.Store.
func (s *Store) UpsertNode(ctx context.Context, executionID string, n *core.NodeExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM node_executions WHERE execution_id = ? AND node_id = ? AND attempt = ?`,
		executionID, n.NodeID, n.Attempt).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first write for this attempt
	case err != nil:
		return fmt.Errorf("failed to read node %s: %w", n.NodeID, err)
	default:
		if core.NodeStatus(current).IsTerminal() && core.NodeStatus(current) != n.Status {
			return fmt.Errorf("node %s attempt %d already terminal (%s): %w",
				n.NodeID, n.Attempt, current, errTerminalNode)
		}
	}

	input, err := marshalNullable(n.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal node input: %w", err)
	}
	errJSON, err := marshalNullable(n.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal node error: %w", err)
	}
	deps, err := marshalNullable(n.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	dependents, err := marshalNullable(n.Dependents)
	if err != nil {
		return fmt.Errorf("failed to marshal dependents: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO node_executions
			(execution_id, node_id, attempt, status, input, output, error,
			 started_at, finished_at, dependencies, dependents)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, n.NodeID, n.Attempt, string(n.Status), input,
		rawOrNil(n.Output), errJSON,
		formatTimePtr(n.StartedAt), formatTimePtr(n.FinishedAt), deps, dependents,
	); err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", n.NodeID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node upsert for %s: %w", n.NodeID, err)
	}
	return nil
}

var errTerminalNode = errors.New("terminal node record is write-once")

// IsTerminalNodeConflict reports whether err is the write-once guard on a
// terminal node record.
func IsTerminalNodeConflict(err error) bool {
	return errors.Is(err, errTerminalNode)
}

// Snapshot implements persistence.Store.
func (s *Store) Snapshot(ctx context.Context, tenantID, executionID string) (*core.Execution, []*core.NodeExecution, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec, err := scanExecution(tx.QueryRowContext(ctx,
		selectExecution+` WHERE id = ? AND tenant_id = ?`, executionID, tenantID))
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT execution_id, node_id, attempt, status, input, output, error,
		        started_at, finished_at, dependencies, dependents
		 FROM node_executions WHERE execution_id = ?
		 ORDER BY node_id, attempt`, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query node executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*core.NodeExecution
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate node executions: %w", err)
	}
	return exec, nodes, nil
}

// ListRunning implements persistence.Store.
func (s *Store) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE status = ?`, string(core.ExecutionRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements persistence.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
