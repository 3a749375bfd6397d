package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBaselineSet is returned when a different baseline is submitted for a
// transfer whose baseline already exists.
var ErrBaselineSet = errors.New("baseline already set")

const transferColumns = `id, run_id, label, source_counts, source_size, baseline, baseline_at,
	pending_baseline, pending_baseline_at, total_expected,
	phase, started_at, confirmed_complete, confirmed_at, confirmation_source, updated_at`

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	var counts string
	var baseline, pending sql.NullFloat64
	var baselineAt, pendingAt, confirmedAt sql.NullTime
	var confirmed int
	if err := row.Scan(&t.ID, &t.RunID, &t.Label, &counts, &t.SourceSize, &baseline, &baselineAt,
		&pending, &pendingAt, &t.TotalExpected, &t.Phase, &t.StartedAt, &confirmed, &confirmedAt, &t.ConfirmationSource, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if counts != "" && counts != "{}" {
		if err := json.Unmarshal([]byte(counts), &t.SourceCounts); err != nil {
			return nil, fmt.Errorf("decode source counts for %s: %w", t.ID, err)
		}
	}
	if baseline.Valid {
		b := baseline.Float64
		t.Baseline = &b
	}
	t.BaselineAt = timePtr(baselineAt)
	if pending.Valid {
		p := pending.Float64
		t.PendingBaseline = &p
	}
	t.PendingBaselineAt = timePtr(pendingAt)
	t.ConfirmedComplete = confirmed == 1
	t.ConfirmedAt = timePtr(confirmedAt)
	return &t, nil
}

// InsertTransfer creates the transfer unless (run_id, label) or id already
// exists and returns the stored row.
func (s *Store) InsertTransfer(ctx context.Context, t *Transfer) (*Transfer, error) {
	counts, err := marshalJSON(t.SourceCounts)
	if err != nil {
		return nil, fmt.Errorf("encode source counts: %w", err)
	}
	if t.Phase == "" {
		t.Phase = TransferInitiated
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfer_record (id, run_id, label, source_counts, source_size, total_expected, phase, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		t.ID, t.RunID, t.Label, counts, t.SourceSize, t.TotalExpected, t.Phase, utc(t.StartedAt), utc(t.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transfer: %w", classify(err))
	}
	out, err := scanTransfer(s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfer_record WHERE run_id = ? AND label = ?`, t.RunID, t.Label))
	if err != nil {
		return nil, fmt.Errorf("reload transfer: %w", err)
	}
	return out, nil
}

// GetTransfer returns a transfer by id or ErrNotFound.
func (s *Store) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	t, err := scanTransfer(s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfer_record WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

// ListTransfers returns the transfers of a run ordered by start.
func (s *Store) ListTransfers(ctx context.Context, runID string) ([]Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfer_record WHERE run_id = ? ORDER BY started_at, label`, runID)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetBaseline records the baseline once. Re-submitting the stored value is a
// no-op; a different value returns ErrBaselineSet.
func (s *Store) SetBaseline(ctx context.Context, id string, baseline float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_record SET baseline = ?, baseline_at = ?, updated_at = ?
		WHERE id = ? AND baseline IS NULL`,
		baseline, utc(at), utc(at), id,
	)
	if err != nil {
		return fmt.Errorf("set baseline: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	t, err := s.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Baseline == nil {
		return fmt.Errorf("set baseline: transfer %s unchanged", id)
	}
	if *t.Baseline == baseline {
		return nil
	}
	return fmt.Errorf("transfer %s has baseline %v: %w", id, *t.Baseline, ErrBaselineSet)
}

// SetPendingBaseline stores the measurement taken just before a commit. It
// becomes the baseline only once the commit is known to have started the
// transfer.
func (s *Store) SetPendingBaseline(ctx context.Context, id string, value float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_record SET pending_baseline = ?, pending_baseline_at = ?, updated_at = ?
		WHERE id = ? AND baseline IS NULL`,
		value, utc(at), utc(at), id,
	)
	if err != nil {
		return fmt.Errorf("set pending baseline: %w", classify(err))
	}
	return requireRow(res, "transfer", id)
}

// ClearPendingBaseline drops a pending baseline after a commit that did not
// start the transfer.
func (s *Store) ClearPendingBaseline(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfer_record SET pending_baseline = NULL, pending_baseline_at = NULL, updated_at = ?
		WHERE id = ?`, utc(now), id)
	if err != nil {
		return fmt.Errorf("clear pending baseline: %w", classify(err))
	}
	return nil
}

// SetTransferPhase writes the transfer phase.
func (s *Store) SetTransferPhase(ctx context.Context, id, phase string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_record SET phase = ?, updated_at = ? WHERE id = ?`, phase, utc(now), id)
	if err != nil {
		return fmt.Errorf("set transfer phase: %w", classify(err))
	}
	return requireRow(res, "transfer", id)
}

// ConfirmTransfer records external confirmation of completion. The first
// confirmation wins; later calls keep its time and source.
func (s *Store) ConfirmTransfer(ctx context.Context, id, source string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_record
		SET confirmed_complete = 1,
			confirmed_at = COALESCE(confirmed_at, ?),
			confirmation_source = CASE WHEN confirmed_complete = 1 THEN confirmation_source ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		utc(at), source, utc(at), id,
	)
	if err != nil {
		return fmt.Errorf("confirm transfer: %w", classify(err))
	}
	return requireRow(res, "transfer", id)
}

const snapshotColumns = `id, transfer_id, day, revision, measurement, growth, percent, measured_percent,
	rate, eta_days, regressed, supersedes, reason, observed_at`

func scanSnapshot(row scanner) (*Snapshot, error) {
	var sn Snapshot
	var eta sql.NullFloat64
	var supersedes sql.NullInt64
	var regressed int
	if err := row.Scan(&sn.ID, &sn.TransferID, &sn.Day, &sn.Revision, &sn.Measurement, &sn.Growth,
		&sn.Percent, &sn.MeasuredPercent, &sn.Rate, &eta, &regressed, &supersedes, &sn.Reason, &sn.ObservedAt); err != nil {
		return nil, err
	}
	if eta.Valid {
		v := eta.Float64
		sn.ETADays = &v
	}
	if supersedes.Valid {
		v := supersedes.Int64
		sn.Supersedes = &v
	}
	sn.Regressed = regressed == 1
	return &sn, nil
}

// AppendSnapshot inserts a snapshot row and sets its ID. Rows are never
// updated or deleted afterwards.
func (s *Store) AppendSnapshot(ctx context.Context, sn *Snapshot) error {
	var eta, supersedes any
	if sn.ETADays != nil {
		eta = *sn.ETADays
	}
	if sn.Supersedes != nil {
		supersedes = *sn.Supersedes
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_snapshot (transfer_id, day, revision, measurement, growth, percent, measured_percent,
			rate, eta_days, regressed, supersedes, reason, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.TransferID, sn.Day, sn.Revision, sn.Measurement, sn.Growth, sn.Percent, sn.MeasuredPercent,
		sn.Rate, eta, boolInt(sn.Regressed), supersedes, sn.Reason, utc(sn.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", classify(err))
	}
	id, _ := res.LastInsertId()
	sn.ID = id
	return nil
}

// ProgressSeries returns every snapshot row of a transfer, corrections
// included, ordered by day then revision.
func (s *Store) ProgressSeries(ctx context.Context, transferID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM progress_snapshot WHERE transfer_id = ? ORDER BY day, revision`, transferID)
	if err != nil {
		return nil, fmt.Errorf("progress series: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sn)
	}
	return out, rows.Err()
}

// Effective collapses a series to the highest revision per day.
func Effective(series []Snapshot) []Snapshot {
	var out []Snapshot
	for _, sn := range series {
		if n := len(out); n > 0 && out[n-1].Day == sn.Day {
			if sn.Revision > out[n-1].Revision {
				out[n-1] = sn
			}
			continue
		}
		out = append(out, sn)
	}
	return out
}

// LatestSnapshot returns the effective snapshot for the last observed day.
// Returns (nil, nil) when the transfer has no snapshots.
func (s *Store) LatestSnapshot(ctx context.Context, transferID string) (*Snapshot, error) {
	sn, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM progress_snapshot
		WHERE transfer_id = ?
		ORDER BY day DESC, revision DESC
		LIMIT 1`, transferID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return sn, nil
}

// SnapshotForDay returns the effective snapshot for one day. Returns (nil, nil) if absent.
func (s *Store) SnapshotForDay(ctx context.Context, transferID string, day int) (*Snapshot, error) {
	sn, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM progress_snapshot
		WHERE transfer_id = ? AND day = ?
		ORDER BY revision DESC
		LIMIT 1`, transferID, day))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot for day: %w", err)
	}
	return sn, nil
}
