package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goodtune/voxquota/internal/quota"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/gorilla/mux"
)

// handleStartSession admits a new session.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	grant, err := s.deps.Tracker.Start(r.Context(), quota.StartRequest{
		UserID:    req.UserID,
		IPAddress: clientIP(r),
	})
	if err != nil {
		s.writeQuotaError(w, err, "Failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, grant)
}

// handleHeartbeat processes one client heartbeat. The body is optional.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorizeSession(w, r, id) {
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	result, err := s.deps.Tracker.Heartbeat(r.Context(), quota.HeartbeatRequest{
		SessionID:         id,
		Timestamp:         req.Timestamp,
		ReportedQuotaUsed: req.QuotaUsed,
	})
	if err != nil {
		s.writeQuotaError(w, err, "Failed to process heartbeat")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleCloseSession ends a session at the client's request.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorizeSession(w, r, id) {
		return
	}

	summary, err := s.deps.Tracker.Close(r.Context(), id)
	if err != nil {
		s.writeQuotaError(w, err, "Failed to close session")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleGetSession returns the live view of a session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorizeSession(w, r, id) {
		return
	}

	session, err := s.deps.Tracker.Session(r.Context(), id)
	if err != nil {
		s.writeQuotaError(w, err, "Failed to retrieve session")
		return
	}

	writeJSON(w, http.StatusOK, s.sessionView(session))
}

// authorizeSession checks that the bearer token was issued for sessionID.
// Token lifetime is judged against the session row, not here.
func (s *Server) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization header")
		return false
	}
	if _, err := s.deps.Tokens.Verify(token, sessionID); err != nil {
		s.writeQuotaError(w, err, "Failed to verify token")
		return false
	}
	return true
}

func (s *Server) sessionView(session *storage.ActiveSession) SessionView {
	return SessionView{
		SessionID:         session.ID,
		UserID:            session.UserID,
		State:             s.deps.Tracker.State(session),
		StartTime:         session.StartTime,
		LastHeartbeat:     session.LastHeartbeat,
		QuotaUsed:         session.QuotaUsed,
		QuotaRemaining:    max(session.AllocationSeconds-session.QuotaUsed, 0),
		AllocationSeconds: session.AllocationSeconds,
		TokenExpiry:       session.TokenExpiry,
		IPAddress:         session.IPAddress,
	}
}
