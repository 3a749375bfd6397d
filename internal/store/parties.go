package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const partyColumns = `id, run_id, name, category, age, contact, eligibility_flags, created_at`

func scanParty(row scanner) (*Party, error) {
	var p Party
	var age sql.NullInt64
	var flags string
	if err := row.Scan(&p.ID, &p.RunID, &p.Name, &p.Category, &age, &p.Contact, &flags, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeParty(&p, age, flags); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeParty(p *Party, age sql.NullInt64, flags string) error {
	if age.Valid {
		a := int(age.Int64)
		p.Age = &a
	}
	if flags != "" && flags != "{}" {
		if err := json.Unmarshal([]byte(flags), &p.Eligibility); err != nil {
			return fmt.Errorf("decode eligibility for %s: %w", p.ID, err)
		}
	}
	return nil
}

// UpsertParty inserts the party unless (run_id, name) already exists and
// returns the stored row. Identity fields of an existing party are never changed.
func (s *Store) UpsertParty(ctx context.Context, p *Party) (*Party, error) {
	flags, err := marshalJSON(p.Eligibility)
	if err != nil {
		return nil, fmt.Errorf("encode eligibility: %w", err)
	}
	var age any
	if p.Age != nil {
		age = *p.Age
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracked_party (`+partyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		p.ID, p.RunID, p.Name, p.Category, age, p.Contact, flags, utc(p.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert party: %w", classify(err))
	}
	return s.GetPartyByName(ctx, p.RunID, p.Name)
}

// GetParty returns a party by id or ErrNotFound.
func (s *Store) GetParty(ctx context.Context, id string) (*Party, error) {
	p, err := scanParty(s.db.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM tracked_party WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("party %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get party: %w", err)
	}
	return p, nil
}

// GetPartyByName returns a party by natural key or ErrNotFound.
func (s *Store) GetPartyByName(ctx context.Context, runID, name string) (*Party, error) {
	p, err := scanParty(s.db.QueryRowContext(ctx,
		`SELECT `+partyColumns+` FROM tracked_party WHERE run_id = ? AND name = ?`, runID, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("party %s/%s: %w", runID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get party by name: %w", err)
	}
	return p, nil
}

// ListParties returns the parties of a run ordered by creation.
func (s *Store) ListParties(ctx context.Context, runID string) ([]Party, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partyColumns+` FROM tracked_party WHERE run_id = ? ORDER BY created_at, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list parties: %w", err)
	}
	defer rows.Close()
	var out []Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const adoptionColumns = `party_id, capability, status, source, verified_status, verified_at, manual_status, manual_at, updated_at`

func scanAdoption(row scanner) (*Adoption, error) {
	var a Adoption
	var verifiedAt, manualAt sql.NullTime
	if err := row.Scan(&a.PartyID, &a.Capability, &a.Status, &a.Source,
		&a.VerifiedStatus, &verifiedAt, &a.ManualStatus, &manualAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.VerifiedAt = timePtr(verifiedAt)
	a.ManualAt = timePtr(manualAt)
	return &a, nil
}

// EnsureAdoption creates a not_started row for (party, capability) if absent.
func (s *Store) EnsureAdoption(ctx context.Context, partyID, capability string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_adoption (party_id, capability, status, source, updated_at)
		VALUES (?, ?, 'not_started', 'setup', ?)
		ON CONFLICT(party_id, capability) DO NOTHING`,
		partyID, capability, utc(now),
	)
	if err != nil {
		return fmt.Errorf("ensure adoption: %w", classify(err))
	}
	return nil
}

// GetAdoption returns one adoption row. Returns (nil, nil) if not found.
func (s *Store) GetAdoption(ctx context.Context, partyID, capability string) (*Adoption, error) {
	a, err := scanAdoption(s.db.QueryRowContext(ctx,
		`SELECT `+adoptionColumns+` FROM capability_adoption WHERE party_id = ? AND capability = ?`,
		partyID, capability))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get adoption: %w", err)
	}
	return a, nil
}

// PutAdoption upserts the full adoption row.
func (s *Store) PutAdoption(ctx context.Context, a *Adoption) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_adoption (`+adoptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(party_id, capability) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			verified_status = excluded.verified_status,
			verified_at = excluded.verified_at,
			manual_status = excluded.manual_status,
			manual_at = excluded.manual_at,
			updated_at = excluded.updated_at`,
		a.PartyID, a.Capability, a.Status, a.Source,
		a.VerifiedStatus, nullableTime(a.VerifiedAt), a.ManualStatus, nullableTime(a.ManualAt),
		utc(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put adoption: %w", classify(err))
	}
	return nil
}

// ListAdoptions returns every capability row of one party.
func (s *Store) ListAdoptions(ctx context.Context, partyID string) ([]Adoption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+adoptionColumns+` FROM capability_adoption WHERE party_id = ? ORDER BY capability`, partyID)
	if err != nil {
		return nil, fmt.Errorf("list adoptions: %w", err)
	}
	defer rows.Close()
	var out []Adoption
	for rows.Next() {
		a, err := scanAdoption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
