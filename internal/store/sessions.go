package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSession returns the session of (service, account). Returns (nil, nil) if not found.
func (s *Store) GetSession(ctx context.Context, service, account string) (*SessionRecord, error) {
	var rec SessionRecord
	var invalidatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT service, account, blob, captured_at, invalidated_at, updated_at
		FROM session_record WHERE service = ? AND account = ?`, service, account,
	).Scan(&rec.Service, &rec.Account, &rec.Blob, &rec.CapturedAt, &invalidatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.InvalidatedAt = timePtr(invalidatedAt)
	return &rec, nil
}

// PutSession upserts a session and clears any invalidation.
func (s *Store) PutSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_record (service, account, blob, captured_at, invalidated_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT(service, account) DO UPDATE SET
			blob = excluded.blob,
			captured_at = excluded.captured_at,
			invalidated_at = NULL,
			updated_at = excluded.updated_at`,
		rec.Service, rec.Account, rec.Blob, utc(rec.CapturedAt), utc(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", classify(err))
	}
	return nil
}

// InvalidateSession marks the session expired. Missing sessions are ignored.
func (s *Store) InvalidateSession(ctx context.Context, service, account string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_record SET invalidated_at = ?, updated_at = ?
		WHERE service = ? AND account = ? AND invalidated_at IS NULL`,
		utc(at), utc(at), service, account,
	)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions without their blobs.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, account, captured_at, invalidated_at, updated_at
		FROM session_record ORDER BY service, account`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var invalidatedAt sql.NullTime
		if err := rows.Scan(&rec.Service, &rec.Account, &rec.CapturedAt, &invalidatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.InvalidatedAt = timePtr(invalidatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
