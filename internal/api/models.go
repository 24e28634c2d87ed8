package api

import (
	"time"

	"github.com/goodtune/voxquota/internal/quota"
	"github.com/goodtune/voxquota/internal/storage"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
}

// StartSessionRequest is the body of POST /api/sessions.
type StartSessionRequest struct {
	UserID string `json:"user_id"`
}

// HeartbeatRequest is the body of POST /api/sessions/{id}/heartbeat.
// Both fields are client telemetry.
type HeartbeatRequest struct {
	Timestamp time.Time `json:"timestamp"`
	QuotaUsed int64     `json:"quota_used"`
}

// LimitsRequest is the body of PUT /api/admin/limits/{user}.
type LimitsRequest struct {
	PeriodLimitSeconds    int64 `json:"period_limit_seconds"`
	SessionLimitSeconds   int64 `json:"session_limit_seconds"`
	MaxConcurrentSessions int   `json:"max_concurrent_sessions"`
	Enabled               *bool `json:"enabled"`
}

// LimitsResponse shows the stored override next to the limits in effect.
type LimitsResponse struct {
	Limits     storage.LimitsProfile `json:"limits"`
	Effective  storage.LimitsProfile `json:"effective"`
	Overridden bool                  `json:"overridden"`
}

// UsageResponse is a ledger record plus the balance left in the period.
type UsageResponse struct {
	storage.UsageRecord
	PeriodLimitSeconds int64 `json:"period_limit_seconds"`
	RemainingSeconds   int64 `json:"remaining_seconds"`
}

// SessionView is the external representation of a live session.
type SessionView struct {
	SessionID         string      `json:"session_id"`
	UserID            string      `json:"user_id"`
	State             quota.State `json:"state"`
	StartTime         time.Time   `json:"start_time"`
	LastHeartbeat     time.Time   `json:"last_heartbeat"`
	QuotaUsed         int64       `json:"quota_used"`
	QuotaRemaining    int64       `json:"quota_remaining"`
	AllocationSeconds int64       `json:"allocation_seconds"`
	TokenExpiry       time.Time   `json:"token_expiry"`
	IPAddress         string      `json:"ip_address,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Fallback bool   `json:"fallback"`
}
