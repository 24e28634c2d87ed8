package storage

import (
	"errors"
	"fmt"
	"time"
)

// UsageRecord is one user's consumption for one accounting period.
type UsageRecord struct {
	UserID               string    `json:"user_id"`
	Period               string    `json:"period"`
	TotalSeconds         int64     `json:"total_seconds"`
	SessionsCount        int64     `json:"sessions_count"`
	LastReset            time.Time `json:"last_reset"`
	SessionTimeRemaining int64     `json:"session_time_remaining"`
}

// LimitsProfile is a per-user override of the default caps.
type LimitsProfile struct {
	UserID                string `json:"user_id"`
	PeriodLimitSeconds    int64  `json:"period_limit_seconds"`
	SessionLimitSeconds   int64  `json:"session_limit_seconds"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions"`
	Enabled               bool   `json:"enabled"`
}

// ActiveSession is one live session row.
type ActiveSession struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	StartTime         time.Time `json:"start_time"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	QuotaUsed         int64     `json:"quota_used"`
	AllocationSeconds int64     `json:"allocation_seconds"`
	TokenExpiry       time.Time `json:"token_expiry"`
	IPAddress         string    `json:"ip_address"`
	Warned            bool      `json:"warned"`
}

// Expired reports whether the session token has lapsed at now.
func (s *ActiveSession) Expired(now time.Time) bool {
	return now.After(s.TokenExpiry)
}

// SessionPatch enumerates the fields of an ActiveSession that may be
// updated in place. Nil fields are left untouched.
type SessionPatch struct {
	LastHeartbeat *time.Time
	QuotaUsed     *int64
	TokenExpiry   *time.Time
	Warned        *bool
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.LastHeartbeat == nil && p.QuotaUsed == nil && p.TokenExpiry == nil && p.Warned == nil
}

// Apply copies the set fields of the patch onto session.
func (p SessionPatch) Apply(session *ActiveSession) {
	if p.LastHeartbeat != nil {
		session.LastHeartbeat = *p.LastHeartbeat
	}
	if p.QuotaUsed != nil {
		session.QuotaUsed = *p.QuotaUsed
	}
	if p.TokenExpiry != nil {
		session.TokenExpiry = *p.TokenExpiry
	}
	if p.Warned != nil {
		session.Warned = *p.Warned
	}
}

// ErrInvalidRecord is returned by Put when a record is missing its key.
var ErrInvalidRecord = errors.New("storage: record key is missing")

// Validate checks that the record carries its (UserID, Period) key.
func (r UsageRecord) Validate() error {
	if r.UserID == "" || r.Period == "" {
		return fmt.Errorf("%w: usage record requires user_id and period", ErrInvalidRecord)
	}
	return nil
}

// Validate checks that the profile carries its UserID key.
func (p LimitsProfile) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: limits profile requires user_id", ErrInvalidRecord)
	}
	return nil
}

// Validate checks that the session carries its ID and owner.
func (s ActiveSession) Validate() error {
	if s.ID == "" || s.UserID == "" {
		return fmt.Errorf("%w: session requires session_id and user_id", ErrInvalidRecord)
	}
	return nil
}
