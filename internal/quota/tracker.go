package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/voxquota/internal/metrics"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultTokenExpiry        = 20 * time.Minute
	DefaultRenewalThreshold   = 2 * time.Minute
	DefaultHeartbeatInterval  = 60 * time.Second
	DefaultWarningThreshold   = 5 * time.Minute
	DefaultMinSessionDuration = 60 * time.Second
	DefaultMaxSessionDuration = time.Hour
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateWarned     State = "warned"
	StateExpired    State = "expired"
	StateClosed     State = "closed"
	StateTerminated State = "terminated"
)

// WarningKind classifies a QuotaWarning.
type WarningKind string

const (
	WarningLow      WarningKind = "warning"
	WarningExceeded WarningKind = "exceeded"
	WarningExpired  WarningKind = "expired"
)

// QuotaWarning is emitted to the client and never stored.
type QuotaWarning struct {
	Kind             WarningKind `json:"kind"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	Message          string      `json:"message"`
}

// Config holds tracker configuration
type Config struct {
	Period             Granularity
	TokenExpiry        time.Duration
	RenewalThreshold   time.Duration
	HeartbeatInterval  time.Duration
	WarningThreshold   time.Duration
	MinSessionDuration time.Duration
	MaxSessionDuration time.Duration
}

// StartRequest asks for a new session.
type StartRequest struct {
	UserID    string
	IPAddress string
}

// Grant is a successfully started session.
type Grant struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Token             string    `json:"token"`
	ExpiresAt         time.Time `json:"expires_at"`
	AllocationSeconds int64     `json:"allocation_seconds"`
	QuotaRemaining    int64     `json:"quota_remaining"`
	Period            string    `json:"period"`
}

// HeartbeatRequest is one liveness and accounting tick from a client.
type HeartbeatRequest struct {
	SessionID string
	// Timestamp and ReportedQuotaUsed are client telemetry. They are
	// compared against server time and logged, never charged.
	Timestamp         time.Time
	ReportedQuotaUsed int64
}

// HeartbeatResult describes the session after a heartbeat.
type HeartbeatResult struct {
	SessionID      string        `json:"session_id"`
	State          State         `json:"state"`
	QuotaUsed      int64         `json:"quota_used"`
	QuotaRemaining int64         `json:"quota_remaining"`
	TokenExpiry    time.Time     `json:"token_expiry"`
	Token          string        `json:"token,omitempty"` // set when the token was renewed
	Warning        *QuotaWarning `json:"warning,omitempty"`
	Continue       bool          `json:"continue"`
}

// Summary describes a session that has ended and been folded into the
// ledger.
type Summary struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	State        State     `json:"state"`
	Period       string    `json:"period"`
	QuotaUsed    int64     `json:"quota_used"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	PeriodTotal  int64     `json:"period_total_seconds"`
	SessionCount int64     `json:"period_sessions_count"`
}

// Tracker runs the session state machine. Start, Close and Terminate are
// serialized per user; every mutation of one session is serialized per
// session. Locks are always taken user first, then session.
type Tracker struct {
	sessions     storage.SessionStore
	ledger       *Ledger
	limits       *Registry
	tokens       *TokenIssuer
	clock        Clock
	config       Config
	userLocks    *keyedMutex
	sessionLocks *keyedMutex
	logger       zerolog.Logger
}

// NewTracker creates a new session tracker
func NewTracker(sessions storage.SessionStore, ledger *Ledger, limits *Registry, tokens *TokenIssuer, clock Clock, config Config, logger zerolog.Logger) *Tracker {
	if config.Period == "" {
		config.Period = Monthly
	}
	if config.TokenExpiry == 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}
	if config.RenewalThreshold == 0 {
		config.RenewalThreshold = DefaultRenewalThreshold
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.WarningThreshold == 0 {
		config.WarningThreshold = DefaultWarningThreshold
	}
	if config.MinSessionDuration == 0 {
		config.MinSessionDuration = DefaultMinSessionDuration
	}
	if config.MaxSessionDuration == 0 {
		config.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if clock == nil {
		clock = RealClock{}
	}

	return &Tracker{
		sessions:     sessions,
		ledger:       ledger,
		limits:       limits,
		tokens:       tokens,
		clock:        clock,
		config:       config,
		userLocks:    newKeyedMutex(),
		sessionLocks: newKeyedMutex(),
		logger:       logger.With().Str("component", "session-tracker").Logger(),
	}
}

// CurrentPeriod returns the ledger period key for now.
func (t *Tracker) CurrentPeriod() string {
	return PeriodKey(t.clock.Now(), t.config.Period)
}

// Start admits a new session for req.UserID or returns a *DeniedError.
func (t *Tracker) Start(ctx context.Context, req StartRequest) (*Grant, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	unlockUser := t.userLocks.Lock(req.UserID)
	defer unlockUser()

	now := t.clock.Now()
	limits := t.limits.Effective(ctx, req.UserID)

	if !limits.Enabled {
		return nil, t.deny(req.UserID, ReasonDisabled)
	}

	live, err := t.liveSessions(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}
	if len(live) >= limits.MaxConcurrentSessions {
		return nil, t.deny(req.UserID, ReasonConcurrencyLimit)
	}

	period := PeriodKey(now, t.config.Period)
	remaining, err := t.ledger.RemainingForPeriod(ctx, req.UserID, period, limits.PeriodLimitSeconds)
	if err != nil {
		return nil, err
	}

	// Live sessions are folded only at close, so their allocations are
	// held back from the period balance.
	available := remaining
	for _, s := range live {
		available -= s.AllocationSeconds
	}
	if remaining <= 0 || available <= 0 {
		return nil, t.deny(req.UserID, ReasonQuotaExhausted)
	}

	allocation := t.allocate(limits.SessionLimitSeconds, available)
	sessionID := uuid.NewString()
	expiresAt := now.Add(t.config.TokenExpiry)

	token, err := t.tokens.Issue(req.UserID, sessionID, allocation, now, expiresAt)
	if err != nil {
		return nil, err
	}

	session := storage.ActiveSession{
		ID:                sessionID,
		UserID:            req.UserID,
		StartTime:         now,
		LastHeartbeat:     now,
		QuotaUsed:         0,
		AllocationSeconds: allocation,
		TokenExpiry:       expiresAt,
		IPAddress:         req.IPAddress,
	}
	if err := t.sessions.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionsStarted.WithLabelValues("granted").Inc()
	metrics.ActiveSessions.Inc()

	t.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", req.UserID).
		Str("period", period).
		Int64("allocation_seconds", allocation).
		Int64("period_remaining", remaining).
		Time("token_expiry", expiresAt).
		Msg("Session started")

	return &Grant{
		SessionID:         sessionID,
		UserID:            req.UserID,
		Token:             token,
		ExpiresAt:         expiresAt,
		AllocationSeconds: allocation,
		QuotaRemaining:    allocation,
		Period:            period,
	}, nil
}

// Heartbeat charges the server-measured time since the previous heartbeat
// and advances the session state.
func (t *Tracker) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	start := time.Now()
	result, outcome, err := t.heartbeat(ctx, req)
	metrics.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	metrics.HeartbeatDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return result, err
}

func (t *Tracker) heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, string, error) {
	unlockSession := t.sessionLocks.Lock(req.SessionID)
	locked := true
	defer func() {
		if locked {
			unlockSession()
		}
	}()

	session, err := t.sessions.Get(ctx, req.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "not_found", ErrSessionNotFound
	}
	if err != nil {
		return nil, "error", fmt.Errorf("get session: %w", err)
	}

	now := t.clock.Now()
	logger := t.logger.With().Str("session_id", session.ID).Str("user_id", session.UserID).Logger()

	if session.Expired(now) {
		unlockSession()
		locked = false

		// The row goes away and whatever was already recorded is charged.
		if _, err := t.finish(ctx, req.SessionID, StateExpired, false); err != nil && !errors.Is(err, ErrSessionNotFound) {
			logger.Error().Err(err).Msg("Failed to close session with expired token")
		}
		metrics.QuotaWarnings.WithLabelValues(string(WarningExpired)).Inc()
		logger.Info().Time("token_expiry", session.TokenExpiry).Msg("Heartbeat after token expiry")
		return nil, "token_expired", ErrTokenExpired
	}

	delta := elapsedSeconds(session.LastHeartbeat, now)
	used := min(session.QuotaUsed+delta, session.AllocationSeconds)
	left := session.AllocationSeconds - used

	t.checkTelemetry(logger, req, now, used)

	// Only the charged seconds move the mark; the remainder carries over.
	heartbeatAt := session.LastHeartbeat.Add(time.Duration(delta) * time.Second)
	patch := storage.SessionPatch{LastHeartbeat: &heartbeatAt, QuotaUsed: &used}

	if left <= 0 {
		if err := t.sessions.Patch(ctx, session.ID, patch); err != nil {
			return nil, "error", fmt.Errorf("update session: %w", err)
		}
		unlockSession()
		locked = false

		// A concurrent close may already have folded the session.
		if _, err := t.finish(ctx, session.ID, StateExpired, false); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, "error", err
		}

		metrics.QuotaWarnings.WithLabelValues(string(WarningExceeded)).Inc()
		logger.Info().Int64("quota_used", used).Msg("Session quota exhausted")

		return &HeartbeatResult{
			SessionID:      session.ID,
			State:          StateExpired,
			QuotaUsed:      used,
			QuotaRemaining: 0,
			TokenExpiry:    session.TokenExpiry,
			Warning: &QuotaWarning{
				Kind:             WarningExceeded,
				RemainingSeconds: 0,
				Message:          "Session quota exhausted; the session has been closed",
			},
			Continue: false,
		}, "exceeded", nil
	}

	result := &HeartbeatResult{
		SessionID:      session.ID,
		State:          StateActive,
		QuotaUsed:      used,
		QuotaRemaining: left,
		TokenExpiry:    session.TokenExpiry,
		Continue:       true,
	}
	outcome := "ok"

	if session.Warned {
		result.State = StateWarned
	} else if time.Duration(left)*time.Second <= t.config.WarningThreshold {
		warned := true
		patch.Warned = &warned
		result.State = StateWarned
		result.Warning = &QuotaWarning{
			Kind:             WarningLow,
			RemainingSeconds: left,
			Message:          fmt.Sprintf("%d seconds of session quota remaining", left),
		}
		metrics.QuotaWarnings.WithLabelValues(string(WarningLow)).Inc()
		outcome = "warned"
	}

	if session.TokenExpiry.Sub(now) < t.config.RenewalThreshold {
		expiresAt := now.Add(t.config.TokenExpiry)
		token, err := t.tokens.Issue(session.UserID, session.ID, left, now, expiresAt)
		if err != nil {
			return nil, "error", err
		}
		patch.TokenExpiry = &expiresAt
		result.Token = token
		result.TokenExpiry = expiresAt
		if outcome == "ok" {
			outcome = "renewed"
		}
		logger.Debug().Time("token_expiry", expiresAt).Msg("Session token renewed")
	}

	if err := t.sessions.Patch(ctx, session.ID, patch); err != nil {
		return nil, "error", fmt.Errorf("update session: %w", err)
	}

	logger.Debug().
		Int64("delta_seconds", delta).
		Int64("quota_used", used).
		Int64("quota_remaining", left).
		Str("state", string(result.State)).
		Msg("Heartbeat processed")

	return result, outcome, nil
}

// Close ends a session at the client's request.
func (t *Tracker) Close(ctx context.Context, sessionID string) (*Summary, error) {
	return t.finish(ctx, sessionID, StateClosed, true)
}

// Terminate ends a session on administrative request.
func (t *Tracker) Terminate(ctx context.Context, sessionID string) (*Summary, error) {
	return t.finish(ctx, sessionID, StateTerminated, true)
}

// Session returns the live row for sessionID.
func (t *Tracker) Session(ctx context.Context, sessionID string) (*storage.ActiveSession, error) {
	session, err := t.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// SessionsForUser lists the live rows of userID ordered by start time.
func (t *Tracker) SessionsForUser(ctx context.Context, userID string) ([]storage.ActiveSession, error) {
	sessions, err := t.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// State reports the lifecycle state of a live session row.
func (t *Tracker) State(session *storage.ActiveSession) State {
	if session.Expired(t.clock.Now()) {
		return StateExpired
	}
	if session.Warned {
		return StateWarned
	}
	return StateActive
}

// ResetUsage zeroes a user's ledger for period. It holds the user lock so
// it cannot interleave with a concurrent start or close.
func (t *Tracker) ResetUsage(ctx context.Context, userID, period string) (*storage.UsageRecord, error) {
	unlockUser := t.userLocks.Lock(userID)
	defer unlockUser()

	return t.ledger.ResetPeriod(ctx, userID, period, t.clock.Now(), t.limits.Effective(ctx, userID))
}

// finish removes a session and folds its consumption into the ledger of
// the period the session started in. When charge is set, the time since
// the last heartbeat is charged first.
func (t *Tracker) finish(ctx context.Context, sessionID string, state State, charge bool) (*Summary, error) {
	// Find the owner so the user lock can be taken before the session lock.
	session, err := t.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	unlockUser := t.userLocks.Lock(session.UserID)
	defer unlockUser()

	return t.finishLocked(ctx, sessionID, state, charge)
}

// finishLocked requires the owner's user lock.
func (t *Tracker) finishLocked(ctx context.Context, sessionID string, state State, charge bool) (*Summary, error) {
	unlockSession := t.sessionLocks.Lock(sessionID)
	defer unlockSession()

	session, err := t.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	now := t.clock.Now()
	used := session.QuotaUsed
	if charge && !session.Expired(now) {
		used = min(used+elapsedSeconds(session.LastHeartbeat, now), session.AllocationSeconds)
	}

	if err := t.sessions.Delete(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}

	period := PeriodKey(session.StartTime, t.config.Period)
	limits := t.limits.Effective(ctx, session.UserID)
	record, err := t.ledger.FoldSession(ctx, session.UserID, period, used, limits)
	if err != nil {
		t.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("user_id", session.UserID).
			Int64("quota_used", used).
			Msg("Failed to fold session into ledger")
		return nil, fmt.Errorf("fold session: %w", err)
	}

	metrics.SessionsClosed.WithLabelValues(string(state)).Inc()
	metrics.QuotaSecondsConsumed.Add(float64(used))
	metrics.ActiveSessions.Dec()

	t.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", session.UserID).
		Str("state", string(state)).
		Str("period", period).
		Int64("quota_used", used).
		Int64("period_total_seconds", record.TotalSeconds).
		Msg("Session ended")

	return &Summary{
		SessionID:    sessionID,
		UserID:       session.UserID,
		State:        state,
		Period:       period,
		QuotaUsed:    used,
		StartTime:    session.StartTime,
		EndTime:      now,
		PeriodTotal:  record.TotalSeconds,
		SessionCount: record.SessionsCount,
	}, nil
}

// liveSessions returns the user's sessions whose token is still valid.
// Rows with a lapsed token are closed on the spot so they neither hold a
// concurrency slot nor wait for the sweeper. Requires the user lock.
func (t *Tracker) liveSessions(ctx context.Context, userID string, now time.Time) ([]storage.ActiveSession, error) {
	sessions, err := t.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	live := sessions[:0]
	for _, s := range sessions {
		if !s.Expired(now) {
			live = append(live, s)
			continue
		}
		if _, err := t.finishLocked(ctx, s.ID, StateExpired, false); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return live, nil
}

// allocate clamps min(sessionLimit, available) to the session duration band.
func (t *Tracker) allocate(sessionLimit, available int64) int64 {
	allocation := min(sessionLimit, available)
	lower := int64(t.config.MinSessionDuration / time.Second)
	upper := int64(t.config.MaxSessionDuration / time.Second)
	if allocation < lower {
		allocation = lower
	}
	if allocation > upper {
		allocation = upper
	}
	return allocation
}

func (t *Tracker) deny(userID, reason string) error {
	metrics.SessionsStarted.WithLabelValues(reason).Inc()
	t.logger.Info().Str("user_id", userID).Str("reason", reason).Msg("Session denied")
	return &DeniedError{Reason: reason, UserID: userID}
}

// checkTelemetry logs client-reported values that disagree with server time.
func (t *Tracker) checkTelemetry(logger zerolog.Logger, req HeartbeatRequest, now time.Time, used int64) {
	tolerance := int64(t.config.HeartbeatInterval / time.Second)

	if drift := req.ReportedQuotaUsed - used; drift > tolerance || drift < -tolerance {
		logger.Warn().
			Int64("reported_quota_used", req.ReportedQuotaUsed).
			Int64("server_quota_used", used).
			Msg("Client-reported quota drifts from server accounting")
	}

	if !req.Timestamp.IsZero() {
		if skew := req.Timestamp.Sub(now); skew > t.config.HeartbeatInterval || skew < -t.config.HeartbeatInterval {
			logger.Warn().
				Time("client_timestamp", req.Timestamp).
				Dur("skew", skew).
				Msg("Client heartbeat timestamp disagrees with server clock")
		}
	}
}

// elapsedSeconds is the completed seconds between from and to, never negative.
func elapsedSeconds(from, to time.Time) int64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
