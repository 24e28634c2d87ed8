package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/voxquota/internal/quota"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AdminToken     string
	RateLimit      int // requests per minute per client IP
	RateLimitBurst int
}

// StorageStatus describes the storage backend for health reporting.
type StorageStatus struct {
	Backend  string
	Fallback bool
}

// Deps are the quota components served by the API.
type Deps struct {
	Tracker *quota.Tracker
	Ledger  *quota.Ledger
	Limits  *quota.Registry
	Tokens  *quota.TokenIssuer
	Sweeper *quota.Sweeper
	Storage StorageStatus
}

// Server represents the quota HTTP API server.
type Server struct {
	config      Config
	deps        Deps
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 120 // Default: 120 requests per minute
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		rateLimiter: NewRateLimiter(rateLimit, cfg.RateLimitBurst),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Client session routes
	s.router.HandleFunc("/api/sessions", s.handleStartSession).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/api/sessions/{id}", s.handleCloseSession).Methods("DELETE")
	s.router.HandleFunc("/api/sessions/{id}/heartbeat", s.handleHeartbeat).Methods("POST")

	// Admin routes
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(AdminAuthMiddleware(s.config.AdminToken))

	admin.HandleFunc("/limits/{user}", s.handleGetLimits).Methods("GET")
	admin.HandleFunc("/limits/{user}", s.handleSetLimits).Methods("PUT")
	admin.HandleFunc("/usage/{user}/{period}", s.handleGetUsage).Methods("GET")
	admin.HandleFunc("/usage/{user}/{period}/reset", s.handleResetUsage).Methods("POST")
	admin.HandleFunc("/users/{user}/sessions", s.handleListUserSessions).Methods("GET")
	admin.HandleFunc("/sessions/{id}", s.handleTerminateSession).Methods("DELETE")
	admin.HandleFunc("/sweep", s.handleSweep).Methods("POST")
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	if s.config.AdminToken == "" {
		s.logger.Warn().Msg("No admin token configured, admin API is disabled")
	}

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.deps.Storage.Fallback {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   status,
		Backend:  s.deps.Storage.Backend,
		Fallback: s.deps.Storage.Fallback,
	})
}

// writeQuotaError maps quota errors to HTTP responses.
func (s *Server) writeQuotaError(w http.ResponseWriter, err error, msg string) {
	if reason, ok := quota.IsDenied(err); ok {
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:   "policy_denied",
			Message: err.Error(),
			Code:    http.StatusForbidden,
			Reason:  reason,
		})
		return
	}

	switch {
	case errors.Is(err, quota.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, quota.ErrTokenExpired):
		writeError(w, http.StatusGone, "token_expired", "Session token has expired")
	case errors.Is(err, quota.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid session token")
	case errors.Is(err, quota.ErrInvalidRequest), errors.Is(err, quota.ErrNegativeConsumption), errors.Is(err, storage.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "", msg)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response. An empty code falls back to the
// status text.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	if code == "" {
		code = http.StatusText(statusCode)
	}
	writeJSON(w, statusCode, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    statusCode,
	})
}
