package main

import (
	"fmt"

	"github.com/goodtune/voxquota/internal/config"
	"github.com/goodtune/voxquota/internal/metrics"
	"github.com/goodtune/voxquota/internal/quota"
	"github.com/goodtune/voxquota/internal/storage/backend"
	"github.com/rs/zerolog"
)

// engine bundles the quota components built from one configuration.
type engine struct {
	storage *backend.Result
	ledger  *quota.Ledger
	limits  *quota.Registry
	tokens  *quota.TokenIssuer
	tracker *quota.Tracker
	sweeper *quota.Sweeper
}

// newEngine opens storage and wires the quota components on top of it.
func newEngine(cfg *config.Config, logger zerolog.Logger) (*engine, error) {
	timings, err := cfg.Quota.Timings()
	if err != nil {
		return nil, err
	}
	period, err := quota.ParseGranularity(cfg.Quota.Period)
	if err != nil {
		return nil, err
	}

	result, err := backend.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if result.Fallback {
		metrics.StorageFallbackActive.Set(1)
	} else {
		metrics.StorageFallbackActive.Set(0)
	}

	tokens, generated, err := quota.NewTokenIssuer(cfg.Quota.TokenSecret)
	if err != nil {
		_ = result.Store.Close()
		return nil, err
	}
	if generated {
		logger.Warn().Msg("No quota.token_secret configured, using a random secret; session tokens will not survive a restart")
	}

	ledger := quota.NewLedger(result.Store.Usage(), logger)
	limits := quota.NewRegistry(result.Store.Limits(), quota.RegistryConfig{
		Defaults: quota.Defaults{
			PeriodLimitSeconds:    cfg.Quota.DefaultPeriodLimitSeconds,
			SessionLimitSeconds:   cfg.Quota.DefaultSessionLimitSeconds,
			MaxConcurrentSessions: cfg.Quota.DefaultMaxConcurrentSessions,
		},
		CacheSize: cfg.Quota.LimitsCacheSize,
		CacheTTL:  timings.LimitsCacheTTL,
	}, logger)

	clock := quota.RealClock{}
	tracker := quota.NewTracker(result.Store.Sessions(), ledger, limits, tokens, clock, quota.Config{
		Period:             period,
		TokenExpiry:        timings.TokenExpiry,
		RenewalThreshold:   timings.RenewalThreshold,
		HeartbeatInterval:  timings.HeartbeatInterval,
		WarningThreshold:   timings.WarningThreshold,
		MinSessionDuration: timings.MinSessionDuration,
		MaxSessionDuration: timings.MaxSessionDuration,
	}, logger)

	return &engine{
		storage: result,
		ledger:  ledger,
		limits:  limits,
		tokens:  tokens,
		tracker: tracker,
		sweeper: quota.NewSweeper(result.Store.Sessions(), clock, timings.SweepInterval, logger),
	}, nil
}

// Close flushes and closes storage.
func (e *engine) Close() error {
	return e.storage.Store.Close()
}
