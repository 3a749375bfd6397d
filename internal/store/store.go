// Package store is the durable source of truth for migration runs, parties,
// capability adoption, transfers, progress snapshots, sessions, workflow
// checkpoints and gate proposals.
//
// It holds no business logic beyond constraint enforcement. Every write is
// keyed by natural identity so repeating it leaves the same state.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

var (
	// ErrNotFound is returned by lookups that require the row to exist.
	ErrNotFound = errors.New("not found")
	// ErrConstraint wraps any rejection by a schema constraint or trigger.
	ErrConstraint = errors.New("constraint violation")
)

var constraintMarkers = []string{
	"constraint failed",
	"baseline is immutable",
	"baseline not set",
	"snapshot day must increase",
	"append-only",
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens (creating if needed) the database at path with the given driver
// and applies the schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn, err := buildDSN(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration db: %w", err)
	}
	// One writer keeps trigger checks and claims serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE tracked_party ADD COLUMN contact TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE gate_proposal ADD COLUMN error_text TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE transfer_record ADD COLUMN pending_baseline REAL`)
	_, _ = db.Exec(`ALTER TABLE transfer_record ADD COLUMN pending_baseline_at DATETIME`)

	return &Store{db: db, driver: driver}, nil
}

func buildDSN(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	case DriverCgo:
		return "file:" + path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver constraint errors onto ErrConstraint.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, m := range constraintMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
	}
	return err
}

func utc(t time.Time) time.Time { return t.UTC() }

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

type scanner interface {
	Scan(dest ...any) error
}
