package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
// Every backend implements the same contract so callers never need to know
// which one is active.
type Store interface {
	Close() error
	Usage() UsageStore
	Limits() LimitsStore
	Sessions() SessionStore
}

// UsageStore manages per-user, per-period consumption records.
type UsageStore interface {
	// Get returns ErrNotFound when no record exists for (userID, period).
	Get(ctx context.Context, userID, period string) (*UsageRecord, error)
	// Put upserts the record keyed by (UserID, Period).
	Put(ctx context.Context, record UsageRecord) error
}

// LimitsStore manages per-user limit overrides.
type LimitsStore interface {
	// Get returns ErrNotFound when the user has no override.
	Get(ctx context.Context, userID string) (*LimitsProfile, error)
	Put(ctx context.Context, profile LimitsProfile) error
}

// SessionStore manages the live-session table.
type SessionStore interface {
	Get(ctx context.Context, id string) (*ActiveSession, error)
	ListForUser(ctx context.Context, userID string) ([]ActiveSession, error)
	Put(ctx context.Context, session ActiveSession) error
	// Patch is a no-op when the session no longer exists.
	Patch(ctx context.Context, id string, patch SessionPatch) error
	// Delete is a no-op when the session no longer exists.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes every session whose token expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Count reports every stored session, expired or not.
	Count(ctx context.Context) (int, error)
}
