package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetCheckpoint returns the checkpoint of a workflow. Returns (nil, nil) if not found.
func (s *Store) GetCheckpoint(ctx context.Context, runID, workflow, account string) (*Checkpoint, error) {
	var cp Checkpoint
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow, account, last_step, last_step_name, status, state, last_error, updated_at
		FROM workflow_checkpoint WHERE run_id = ? AND workflow = ? AND account = ?`,
		runID, workflow, account,
	).Scan(&cp.RunID, &cp.Workflow, &cp.Account, &cp.LastStep, &cp.LastStepName, &cp.Status, &state, &cp.LastError, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if state != "" && state != "{}" {
		if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
			return nil, fmt.Errorf("decode checkpoint state: %w", err)
		}
	}
	return &cp, nil
}

// PutCheckpoint upserts a checkpoint.
func (s *Store) PutCheckpoint(ctx context.Context, cp *Checkpoint) error {
	state, err := marshalJSON(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoint (run_id, workflow, account, last_step, last_step_name, status, state, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, workflow, account) DO UPDATE SET
			last_step = excluded.last_step,
			last_step_name = excluded.last_step_name,
			status = excluded.status,
			state = excluded.state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		cp.RunID, cp.Workflow, cp.Account, cp.LastStep, cp.LastStepName, cp.Status, state, cp.LastError, utc(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", classify(err))
	}
	return nil
}

// DeleteCheckpoint removes a checkpoint so the workflow starts over.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID, workflow, account string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoint WHERE run_id = ? AND workflow = ? AND account = ?`, runID, workflow, account)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns the checkpoints of a run.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow, account, last_step, last_step_name, status, state, last_error, updated_at
		FROM workflow_checkpoint WHERE run_id = ? ORDER BY workflow, account`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var state string
		if err := rows.Scan(&cp.RunID, &cp.Workflow, &cp.Account, &cp.LastStep, &cp.LastStepName,
			&cp.Status, &state, &cp.LastError, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		if state != "" && state != "{}" {
			_ = json.Unmarshal([]byte(state), &cp.State)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
