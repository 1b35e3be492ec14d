package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/persistence"
)

const selectExecution = `SELECT id, workflow_id, tenant_id, status, started_at,
	finished_at, error, progress, result, input, metadata, correlation_id,
	cancel_requested FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*core.Execution, error) {
	var (
		e          core.Execution
		status     string
		startedAt  sql.NullString
		finishedAt sql.NullString
		errJSON    sql.NullString
		progress   string
		result     sql.NullString
		input      sql.NullString
		metadata   sql.NullString
		cancel     int
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &status, &startedAt,
		&finishedAt, &errJSON, &progress, &result, &input, &metadata,
		&e.CorrelationID, &cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	e.Status = core.ExecutionStatus(status)
	e.CancelRequested = cancel != 0
	if t, ok := parseTime(startedAt); ok {
		e.StartedAt = t
	}
	if t, ok := parseTime(finishedAt); ok {
		e.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(progress), &e.Progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	if errJSON.Valid {
		e.Error = &core.Error{}
		if err := json.Unmarshal([]byte(errJSON.String), e.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if input.Valid {
		e.Input = json.RawMessage(input.String)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

func scanNode(row rowScanner) (*core.NodeExecution, error) {
	var (
		n          core.NodeExecution
		status     string
		input      sql.NullString
		output     sql.NullString
		errJSON    sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
		deps       sql.NullString
		dependents sql.NullString
	)
	err := row.Scan(&n.ExecutionID, &n.NodeID, &n.Attempt, &status, &input,
		&output, &errJSON, &startedAt, &finishedAt, &deps, &dependents)
	if err != nil {
		return nil, fmt.Errorf("failed to scan node execution: %w", err)
	}

	n.Status = core.NodeStatus(status)
	if t, ok := parseTime(startedAt); ok {
		n.StartedAt = &t
	}
	if t, ok := parseTime(finishedAt); ok {
		n.FinishedAt = &t
	}
	if input.Valid {
		if err := json.Unmarshal([]byte(input.String), &n.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node input: %w", err)
		}
	}
	if output.Valid {
		n.Output = json.RawMessage(output.String)
	}
	if errJSON.Valid {
		n.Error = &core.Error{}
		if err := json.Unmarshal([]byte(errJSON.String), n.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node error: %w", err)
		}
	}
	if deps.Valid {
		if err := json.Unmarshal([]byte(deps.String), &n.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}
	if dependents.Valid {
		if err := json.Unmarshal([]byte(dependents.String), &n.Dependents); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependents: %w", err)
		}
	}
	return &n, nil
}

func applyPatch(e *core.Execution, patch persistence.Patch) {
	if patch.Progress != nil {
		e.Progress = *patch.Progress
	}
	if patch.Error != nil {
		e.Error = patch.Error
	}
	if patch.Result != nil {
		e.Result = patch.Result
	}
	if patch.StartedAt != nil {
		e.StartedAt = *patch.StartedAt
	}
	if patch.FinishedAt != nil && e.FinishedAt == nil {
		e.FinishedAt = patch.FinishedAt
	}
}

func statusIn(s core.ExecutionStatus, set []core.ExecutionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func marshalNullable(v any) (any, error) {
	if isNilValue(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isNilValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *core.Error:
		return t == nil
	case core.Input:
		return t == nil
	case map[string]any:
		return t == nil
	case []string:
		return t == nil
	default:
		return false
	}
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
