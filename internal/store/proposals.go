package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const proposalColumns = `handle, run_id, account, action, params, token, summary, status, result, error_text,
	created_at, expires_at, committed_at`

func scanProposal(row scanner) (*Proposal, error) {
	var p Proposal
	var params string
	var committedAt sql.NullTime
	if err := row.Scan(&p.Handle, &p.RunID, &p.Account, &p.Action, &params, &p.Token, &p.Summary,
		&p.Status, &p.Result, &p.ErrorText, &p.CreatedAt, &p.ExpiresAt, &committedAt); err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
			return nil, fmt.Errorf("decode proposal params: %w", err)
		}
	}
	p.CommittedAt = timePtr(committedAt)
	return &p, nil
}

// InsertProposal persists a prepared proposal.
func (s *Store) InsertProposal(ctx context.Context, p *Proposal) error {
	params, err := marshalJSON(p.Params)
	if err != nil {
		return fmt.Errorf("encode proposal params: %w", err)
	}
	if p.Status == "" {
		p.Status = ProposalPrepared
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_proposal (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Handle, p.RunID, p.Account, p.Action, params, p.Token, p.Summary, p.Status, p.Result, p.ErrorText,
		utc(p.CreatedAt), utc(p.ExpiresAt), nullableTime(p.CommittedAt),
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", classify(err))
	}
	return nil
}

// GetProposal returns a proposal by handle or ErrNotFound.
func (s *Store) GetProposal(ctx context.Context, handle string) (*Proposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM gate_proposal WHERE handle = ?`, handle))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("proposal %s: %w", handle, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// TransitionProposal moves a proposal from one status to another and reports
// whether this call performed the move. It is the atomic claim used by commit.
func (s *Store) TransitionProposal(ctx context.Context, handle, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gate_proposal SET status = ? WHERE handle = ? AND status = ?`, to, handle, from)
	if err != nil {
		return false, fmt.Errorf("transition proposal: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishProposal records the outcome of a commit.
func (s *Store) FinishProposal(ctx context.Context, handle, status, result, errText string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gate_proposal SET status = ?, result = ?, error_text = ?, committed_at = ?
		WHERE handle = ?`,
		status, result, errText, utc(at), handle,
	)
	if err != nil {
		return fmt.Errorf("finish proposal: %w", classify(err))
	}
	return requireRow(res, "proposal", handle)
}

// ListProposals returns proposals in the given status, or all when status is empty.
func (s *Store) ListProposals(ctx context.Context, status string) ([]Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM gate_proposal`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ExpireProposals marks prepared proposals whose window has passed as expired.
func (s *Store) ExpireProposals(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.ListProposals(ctx, ProposalPrepared)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		if !now.After(p.ExpiresAt) {
			continue
		}
		ok, err := s.TransitionProposal(ctx, p.Handle, ProposalPrepared, ProposalExpired)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// NoteProposalError records err on a proposal that is still committing
// without settling its outcome.
func (s *Store) NoteProposalError(ctx context.Context, handle, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gate_proposal SET error_text = ? WHERE handle = ? AND status = ?`,
		errText, handle, ProposalCommitting)
	if err != nil {
		return fmt.Errorf("note proposal error: %w", classify(err))
	}
	return requireRow(res, "proposal", handle)
}
