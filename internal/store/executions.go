package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Execution is a lane-specific artifact-production run for a proposal.
type Execution struct {
	ID          string
	ProposalID  string
	MissionID   sql.NullString
	Lane        string
	Status      string
	StartedAt   string
	FinishedAt  sql.NullString
	ApprovedBy  sql.NullString
	InputsJSON  string
	OutputsJSON string
	LogsText    string
	Error       sql.NullString
	MetricsJSON string
}

const executionCols = `id, proposal_id, mission_id, lane, status, started_at, finished_at, approved_by, inputs_json, outputs_json, logs_text, error, metrics_json`

// Terminal reports whether the execution reached a final state.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// InsertExecution records a new execution with a fresh UUID and returns it.
func (s *Store) InsertExecution(proposalID, missionID, lane, status, approvedBy string, inputs any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	executionID := uuid.NewString()
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("store: encode execution inputs: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO executions (id, proposal_id, mission_id, lane, status, started_at, approved_by, inputs_json, outputs_json, logs_text, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}', '', '{}')`,
		executionID, proposalID, nullable(missionID), lane, status, NowISO(), nullable(approvedBy), string(encoded),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert execution: %w", err)
	}
	return executionID, nil
}

// UpdateExecutionStatus transitions an execution; terminal states stamp
// finished_at, and a non-empty errMsg is captured into the error column.
func (s *Store) UpdateExecutionStatus(executionID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := []string{"status = ?"}
	args := []any{status}
	switch status {
	case "succeeded", "failed", "cancelled":
		sets = append(sets, "finished_at = ?")
		args = append(args, NowISO())
	}
	if errMsg != "" {
		sets = append(sets, "error = ?")
		args = append(args, errMsg)
	}
	args = append(args, executionID)
	_, err := s.db.Exec(`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update execution status: %w", err)
	}
	return nil
}

// AppendExecutionLog appends one line to the execution's log text.
func (s *Store) AppendExecutionLog(executionID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE executions SET logs_text = logs_text || ? || char(10) WHERE id = ?`,
		line, executionID,
	)
	if err != nil {
		return fmt.Errorf("store: append execution log: %w", err)
	}
	return nil
}

// SetExecutionOutputs stores the lane-specific output map.
func (s *Store) SetExecutionOutputs(executionID string, outputs any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("store: encode execution outputs: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE executions SET outputs_json = ? WHERE id = ?`, string(encoded), executionID); err != nil {
		return fmt.Errorf("store: set execution outputs: %w", err)
	}
	return nil
}

// SetExecutionMetrics stores the execution metrics map.
func (s *Store) SetExecutionMetrics(executionID string, metrics any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("store: encode execution metrics: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE executions SET metrics_json = ? WHERE id = ?`, string(encoded), executionID); err != nil {
		return fmt.Errorf("store: set execution metrics: %w", err)
	}
	return nil
}

// GetExecution returns an execution by ID, or nil when absent.
func (s *Store) GetExecution(executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	executions, err := s.queryExecutions(`SELECT `+executionCols+` FROM executions WHERE id = ?`, executionID)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, nil
	}
	return &executions[0], nil
}

// ListExecutions returns executions filtered by optional status set, lane,
// and mission, newest first.
func (s *Store) ListExecutions(statuses []string, lane, missionID string) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + executionCols + ` FROM executions WHERE 1=1`
	var args []any
	if len(statuses) > 0 {
		query += ` AND status IN (` + strings.Repeat("?, ", len(statuses)-1) + `?)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	if lane != "" {
		query += ` AND lane = ?`
		args = append(args, lane)
	}
	if missionID != "" {
		query += ` AND mission_id = ?`
		args = append(args, missionID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	return s.queryExecutions(query, args...)
}

// RunningExecutions returns executions in status running, optionally
// restricted to one mission.
func (s *Store) RunningExecutions(missionID string) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if missionID == "" {
		return s.queryExecutions(`SELECT ` + executionCols + ` FROM executions WHERE status = 'running'`)
	}
	return s.queryExecutions(`SELECT `+executionCols+` FROM executions WHERE status = 'running' AND mission_id = ?`, missionID)
}

// HasActiveExecution reports whether the proposal has an execution in
// queued or running state.
func (s *Store) HasActiveExecution(proposalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM executions WHERE proposal_id = ? AND status IN ('queued', 'running')`,
		proposalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check active execution: %w", err)
	}
	return count > 0, nil
}

// FailInterruptedExecutions marks executions left in queued or running at
// startup as failed. In-flight work does not survive a restart.
func (s *Store) FailInterruptedExecutions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE executions SET status = 'failed', error = 'interrupted by restart', finished_at = ? WHERE status IN ('queued', 'running')`,
		NowISO(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: fail interrupted executions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: get rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) queryExecutions(query string, args ...any) ([]Execution, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query executions: %w", err)
	}
	defer rows.Close()

	var executions []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(
			&e.ID, &e.ProposalID, &e.MissionID, &e.Lane, &e.Status, &e.StartedAt,
			&e.FinishedAt, &e.ApprovedBy, &e.InputsJSON, &e.OutputsJSON, &e.LogsText,
			&e.Error, &e.MetricsJSON,
		); err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}
