package api

import (
	"encoding/json"
	"net/http"

	"github.com/goodtune/voxquota/internal/quota"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/gorilla/mux"
)

// handleGetLimits returns the stored override and the limits in effect.
func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := mux.Vars(r)["user"]

	profile, overridden, err := s.deps.Limits.Get(ctx, user)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user).Msg("Failed to get limits")
		writeError(w, http.StatusInternalServerError, "", "Failed to retrieve limits")
		return
	}

	writeJSON(w, http.StatusOK, LimitsResponse{
		Limits:     profile,
		Effective:  s.deps.Limits.Effective(ctx, user),
		Overridden: overridden,
	})
}

// handleSetLimits stores an override for a user. Zero fields inherit the
// defaults; enabled defaults to true.
func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := mux.Vars(r)["user"]

	var req LimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	profile := storage.LimitsProfile{
		UserID:                user,
		PeriodLimitSeconds:    req.PeriodLimitSeconds,
		SessionLimitSeconds:   req.SessionLimitSeconds,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		Enabled:               req.Enabled == nil || *req.Enabled,
	}
	if err := s.deps.Limits.Set(ctx, profile); err != nil {
		s.writeQuotaError(w, err, "Failed to update limits")
		return
	}

	s.logger.Info().Str("user_id", user).Msg("Limits updated via API")
	writeJSON(w, http.StatusOK, LimitsResponse{
		Limits:     profile,
		Effective:  s.deps.Limits.Effective(ctx, user),
		Overridden: true,
	})
}

// handleGetUsage returns a user's ledger record for one period.
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	user, period := vars["user"], vars["period"]

	if !quota.ValidPeriodKey(period) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid period (expected YYYY-MM or YYYY-MM-DD)")
		return
	}

	record, err := s.deps.Ledger.Usage(ctx, user, period)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user).Str("period", period).Msg("Failed to get usage")
		writeError(w, http.StatusInternalServerError, "", "Failed to retrieve usage")
		return
	}

	limit := s.deps.Limits.Effective(ctx, user).PeriodLimitSeconds
	writeJSON(w, http.StatusOK, UsageResponse{
		UsageRecord:        *record,
		PeriodLimitSeconds: limit,
		RemainingSeconds:   max(limit-record.TotalSeconds, 0),
	})
}

// handleResetUsage zeroes a user's ledger record for one period.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user, period := vars["user"], vars["period"]

	if !quota.ValidPeriodKey(period) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid period (expected YYYY-MM or YYYY-MM-DD)")
		return
	}

	record, err := s.deps.Tracker.ResetUsage(r.Context(), user, period)
	if err != nil {
		s.writeQuotaError(w, err, "Failed to reset usage")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleListUserSessions lists a user's live sessions.
func (s *Server) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	sessions, err := s.deps.Tracker.SessionsForUser(r.Context(), user)
	if err != nil {
		s.writeQuotaError(w, err, "Failed to list sessions")
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, s.sessionView(&sessions[i]))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": views,
		"count":    len(views),
	})
}

// handleTerminateSession ends a session on administrative request.
func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	summary, err := s.deps.Tracker.Terminate(r.Context(), id)
	if err != nil {
		s.writeQuotaError(w, err, "Failed to terminate session")
		return
	}

	s.logger.Info().Str("session_id", id).Str("user_id", summary.UserID).Msg("Session terminated via API")
	writeJSON(w, http.StatusOK, summary)
}

// handleSweep runs one expiry sweep immediately.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Sweeper.SweepOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "Failed to sweep expired sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}
