package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, owner, phase, progress_pct, active, started_at, updated_at, closed_at`

func scanRun(row scanner) (*Run, error) {
	var r Run
	var active int
	var closedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Owner, &r.Phase, &r.ProgressPct, &active, &r.StartedAt, &r.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	r.Active = active == 1
	r.ClosedAt = timePtr(closedAt)
	return &r, nil
}

// InsertRun creates a run. Inserting an existing id is a no-op. A second
// active run is rejected with ErrConstraint.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	if r.Phase == "" {
		r.Phase = PhaseSetup
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_run (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Owner, r.Phase, r.ProgressPct, boolInt(r.Active),
		utc(r.StartedAt), utc(r.UpdatedAt), nullableTime(r.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", classify(err))
	}
	return nil
}

// GetRun returns a run by id or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM migration_run WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ActiveRun returns the single active run. Returns (nil, nil) if none.
func (s *Store) ActiveRun(ctx context.Context) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM migration_run WHERE active = 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run: %w", err)
	}
	return r, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM migration_run ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetRunPhase writes phase and progress. Ordering rules live with the caller.
func (s *Store) SetRunPhase(ctx context.Context, id, phase string, progressPct float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE migration_run SET phase = ?, progress_pct = ?, updated_at = ? WHERE id = ?`,
		phase, progressPct, utc(now), id,
	)
	if err != nil {
		return fmt.Errorf("set run phase: %w", classify(err))
	}
	return requireRow(res, "run", id)
}

// SetRunProgress writes the aggregate progress percentage.
func (s *Store) SetRunProgress(ctx context.Context, id string, progressPct float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE migration_run SET progress_pct = ?, updated_at = ? WHERE id = ?`,
		progressPct, utc(now), id,
	)
	if err != nil {
		return fmt.Errorf("set run progress: %w", classify(err))
	}
	return requireRow(res, "run", id)
}

// CloseRun marks the run completed and no longer active. Closing twice is a no-op.
func (s *Store) CloseRun(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE migration_run
		SET phase = 'completed', progress_pct = 100, active = 0, updated_at = ?, closed_at = COALESCE(closed_at, ?)
		WHERE id = ?`,
		utc(now), utc(now), id,
	)
	if err != nil {
		return fmt.Errorf("close run: %w", classify(err))
	}
	return requireRow(res, "run", id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
