package quota

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/voxquota/internal/metrics"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often expired sessions are purged.
const DefaultSweepInterval = time.Minute

// Sweeper periodically purges sessions whose token has lapsed. Purged rows
// are not folded into the ledger: their unfolded time is lost, bounded by
// the token lifetime plus one sweep interval.
type Sweeper struct {
	sessions storage.SessionStore
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a new expiry sweeper
func NewSweeper(sessions storage.SessionStore, clock Clock, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = RealClock{}
	}

	return &Sweeper{
		sessions: sessions,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "expiry-sweeper").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Expiry sweeper started")
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info().Msg("Expiry sweeper stopped")
	})
}

// run is the main sweep loop
func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			_, _ = s.SweepOnce(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// SweepOnce deletes every session whose token expired before now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()

	removed, err := s.sessions.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to purge expired sessions")
		return 0, err
	}

	if removed > 0 {
		metrics.SessionsSwept.Add(float64(removed))
		s.logger.Info().
			Int("sessions_removed", removed).
			Time("cutoff", now).
			Msg("Expired sessions purged")
	} else {
		s.logger.Debug().Msg("No expired sessions to purge")
	}

	if _, err := s.SyncActiveSessions(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to refresh active session gauge")
	}

	return removed, nil
}

// SyncActiveSessions sets the active session gauge to the number of rows in
// the store, including rows left behind by an earlier process.
func (s *Sweeper) SyncActiveSessions(ctx context.Context) (int, error) {
	n, err := s.sessions.Count(ctx)
	if err != nil {
		return 0, err
	}
	metrics.ActiveSessions.Set(float64(n))
	return n, nil
}
