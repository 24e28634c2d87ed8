package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements the storage.Store interface on top of SQLite.
type Store struct {
	db       *sql.DB
	usage    *usageStore
	limits   *limitsStore
	sessions *sessionStore
}

// Open opens (or creates) the database at path and brings its schema up to
// date. Any error means the relational backend is unusable.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps pragmas stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:       db,
		usage:    &usageStore{db: db},
		limits:   &limitsStore{db: db},
		sessions: &sessionStore{db: db},
	}, nil
}

// Close closes the database. SQLite commits every statement before
// returning, so there is nothing left to flush.
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return s.usage }

// Limits returns the limits store.
func (s *Store) Limits() storage.LimitsStore { return s.limits }

// Sessions returns the active session store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
