// Package session keeps per (service, account) authentication state across
// process restarts. Blobs are sealed at rest and each service has its own
// validity window.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/secrets"
	"github.com/hopover/hopover/internal/store"
)

// DefaultWindow is used for services without an explicit window.
const DefaultWindow = 7 * 24 * time.Hour

// Config holds validity windows.
type Config struct {
	DefaultWindow time.Duration            `json:"defaultWindow" envconfig:"SESSION_DEFAULT_WINDOW"`
	Windows       map[string]time.Duration `json:"windows,omitempty" envconfig:"SESSION_WINDOWS"`
}

// Record is an unsealed session.
type Record struct {
	Service       string
	Account       string
	Blob          []byte
	CapturedAt    time.Time
	InvalidatedAt *time.Time
}

// Info is session metadata without the blob.
type Info struct {
	Service       string     `json:"service"`
	Account       string     `json:"account"`
	CapturedAt    time.Time  `json:"captured_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
	Valid         bool       `json:"valid"`
}

// LoginFunc performs an interactive or scripted login and returns the
// opaque session state to persist.
type LoginFunc func(ctx context.Context) ([]byte, error)

// Store loads, saves and validates sessions.
type Store struct {
	db     *store.Store
	sealer *secrets.Sealer
	locks  *lock.Accounts
	cfg    Config
	now    func() time.Time
}

// New creates a session store. locks may be nil when Refresh is unused.
func New(db *store.Store, sealer *secrets.Sealer, locks *lock.Accounts, cfg Config) *Store {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindow
	}
	if locks == nil {
		locks = lock.NewAccounts("")
	}
	return &Store{db: db, sealer: sealer, locks: locks, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Window returns the validity window of service.
func (s *Store) Window(service string) time.Duration {
	if w, ok := s.cfg.Windows[service]; ok && w > 0 {
		return w
	}
	return s.cfg.DefaultWindow
}

// IsValid reports whether rec may be reused at now. It never touches the network.
func (s *Store) IsValid(rec *Record, now time.Time) bool {
	if rec == nil || rec.InvalidatedAt != nil {
		return false
	}
	return now.Before(rec.CapturedAt.Add(s.Window(rec.Service)))
}

func aad(service, account string) string { return service + "/" + account }

// Load returns the session of (service, account) without checking validity.
// Returns (nil, nil) when absent or when the blob cannot be unsealed with the
// current key.
func (s *Store) Load(ctx context.Context, service, account string) (*Record, error) {
	row, err := s.db.GetSession(ctx, service, account)
	if err != nil {
		return nil, fmt.Errorf("load session %s/%s: %w", service, account, err)
	}
	if row == nil {
		return nil, nil
	}
	plain, err := s.sealer.Open(row.Blob, aad(service, account))
	if errors.Is(err, secrets.ErrSealed) {
		slog.Warn("Session blob unreadable, treating as absent", "service", service, "account", account)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unseal session %s/%s: %w", service, account, err)
	}
	return &Record{
		Service:       row.Service,
		Account:       row.Account,
		Blob:          plain,
		CapturedAt:    row.CapturedAt,
		InvalidatedAt: row.InvalidatedAt,
	}, nil
}

// Save seals blob and stores it as the current session, clearing any invalidation.
func (s *Store) Save(ctx context.Context, service, account string, blob []byte, capturedAt time.Time) error {
	sealed, err := s.sealer.Seal(blob, aad(service, account))
	if err != nil {
		return fmt.Errorf("seal session %s/%s: %w", service, account, err)
	}
	err = s.db.PutSession(ctx, &store.SessionRecord{
		Service:    service,
		Account:    account,
		Blob:       sealed,
		CapturedAt: capturedAt,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return err
	}
	slog.Info("Session saved", "service", service, "account", account, "window", s.Window(service))
	return nil
}

// Invalidate forces the session to be treated as expired. Absent sessions are ignored.
func (s *Store) Invalidate(ctx context.Context, service, account string) error {
	if err := s.db.InvalidateSession(ctx, service, account, s.now()); err != nil {
		return err
	}
	slog.Info("Session invalidated", "service", service, "account", account)
	return nil
}

// Refresh takes the account lock, runs login and saves the result. It must
// not be called while the caller already holds the account lock.
func (s *Store) Refresh(ctx context.Context, service, account string, login LoginFunc) (*Record, error) {
	release, err := s.locks.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer release()

	blob, err := login(ctx)
	if err != nil {
		return nil, err
	}
	captured := s.now()
	if err := s.Save(ctx, service, account, blob, captured); err != nil {
		return nil, err
	}
	return &Record{Service: service, Account: account, Blob: blob, CapturedAt: captured}, nil
}

// List returns metadata for every stored session.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]Info, 0, len(rows))
	for _, r := range rows {
		rec := &Record{Service: r.Service, Account: r.Account, CapturedAt: r.CapturedAt, InvalidatedAt: r.InvalidatedAt}
		out = append(out, Info{
			Service:       r.Service,
			Account:       r.Account,
			CapturedAt:    r.CapturedAt,
			ExpiresAt:     r.CapturedAt.Add(s.Window(r.Service)),
			InvalidatedAt: r.InvalidatedAt,
			Valid:         s.IsValid(rec, now),
		})
	}
	return out, nil
}
