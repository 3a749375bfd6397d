package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RunSummary aggregates the "current run" view.
func (s *Store) RunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	sum := &RunSummary{Run: *run, AdoptionByStatus: map[string]int{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_party WHERE run_id = ?`, runID).Scan(&sum.PartyCount); err != nil {
		return nil, fmt.Errorf("count parties: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfer_record WHERE run_id = ?`, runID).Scan(&sum.TransferCount); err != nil {
		return nil, fmt.Errorf("count transfers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.status, COUNT(*)
		FROM capability_adoption a
		JOIN tracked_party p ON p.id = a.party_id
		WHERE p.run_id = ?
		GROUP BY a.status`, runID)
	if err != nil {
		return nil, fmt.Errorf("adoption counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		sum.AdoptionByStatus[status] = n
	}
	return sum, rows.Err()
}

// CapabilityMatrix returns every (party, capability) row of a run ordered by
// party creation then capability.
func (s *Store) CapabilityMatrix(ctx context.Context, runID string) ([]MatrixRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.run_id, p.name, p.category, p.age, p.contact, p.eligibility_flags, p.created_at,
			a.party_id, a.capability, a.status, a.source, a.verified_status, a.verified_at,
			a.manual_status, a.manual_at, a.updated_at
		FROM tracked_party p
		JOIN capability_adoption a ON a.party_id = p.id
		WHERE p.run_id = ?
		ORDER BY p.created_at, p.name, a.capability`, runID)
	if err != nil {
		return nil, fmt.Errorf("capability matrix: %w", err)
	}
	defer rows.Close()

	var out []MatrixRow
	for rows.Next() {
		row, err := scanMatrixRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanMatrixRow(rows *sql.Rows) (MatrixRow, error) {
	var row MatrixRow
	var age sql.NullInt64
	var flags string
	var verifiedAt, manualAt sql.NullTime
	err := rows.Scan(
		&row.Party.ID, &row.Party.RunID, &row.Party.Name, &row.Party.Category, &age, &row.Party.Contact, &flags, &row.Party.CreatedAt,
		&row.Adoption.PartyID, &row.Adoption.Capability, &row.Adoption.Status, &row.Adoption.Source,
		&row.Adoption.VerifiedStatus, &verifiedAt, &row.Adoption.ManualStatus, &manualAt, &row.Adoption.UpdatedAt,
	)
	if err != nil {
		return row, err
	}
	if err := decodeParty(&row.Party, age, flags); err != nil {
		return row, err
	}
	row.Adoption.VerifiedAt = timePtr(verifiedAt)
	row.Adoption.ManualAt = timePtr(manualAt)
	return row, nil
}
