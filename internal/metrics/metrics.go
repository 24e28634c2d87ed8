package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session lifecycle metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxquota_sessions_started_total",
			Help: "Session start requests by result (granted or the denial reason)",
		},
		[]string{"result"},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxquota_sessions_closed_total",
			Help: "Sessions ended by terminal state",
		},
		[]string{"state"},
	)

	SessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxquota_sessions_swept_total",
			Help: "Expired sessions removed by the sweeper",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxquota_active_sessions",
			Help: "Sessions currently held in the session store",
		},
	)

	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxquota_heartbeats_total",
			Help: "Heartbeats processed by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxquota_heartbeat_duration_seconds",
			Help:    "Heartbeat processing time in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"},
	)

	// Quota metrics
	QuotaSecondsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxquota_quota_seconds_consumed_total",
			Help: "Session seconds folded into the usage ledger",
		},
	)

	QuotaWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxquota_quota_warnings_total",
			Help: "Quota warnings emitted by kind",
		},
		[]string{"kind"},
	)

	// Storage metrics
	StorageFallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxquota_storage_fallback_active",
			Help: "1 when the fallback storage backend is serving",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxquota_api_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	APIRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxquota_api_rate_limited_total",
			Help: "API requests rejected by the per-client rate limiter",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsClosed,
		SessionsSwept,
		ActiveSessions,
		HeartbeatsTotal,
		HeartbeatDuration,
		QuotaSecondsConsumed,
		QuotaWarnings,
		StorageFallbackActive,
		APIRequestsTotal,
		APIRateLimited,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
