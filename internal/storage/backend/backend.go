// Package backend opens the configured primary store and falls back to the
// file snapshot store when the primary cannot be opened.
package backend

import (
	"fmt"

	"github.com/goodtune/voxquota/internal/config"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/goodtune/voxquota/internal/storage/bolt"
	"github.com/goodtune/voxquota/internal/storage/redis"
	"github.com/goodtune/voxquota/internal/storage/snapshot"
	"github.com/goodtune/voxquota/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

// Result describes the store that was opened.
type Result struct {
	Store storage.Store
	// Backend is the name of the backend actually in use.
	Backend string
	// Fallback is true when the primary failed and the snapshot store is
	// serving instead. The switch is one-way for the life of the process.
	Fallback bool
	// PrimaryErr is the error that caused the fallback.
	PrimaryErr error
}

// Open opens the primary backend named by cfg.Type. Any failure is logged
// and the snapshot store at cfg.FallbackPath is opened instead. Open only
// fails when both backends are unusable.
func Open(cfg config.StorageConfig, logger zerolog.Logger) (*Result, error) {
	logger = logger.With().Str("component", "storage").Logger()

	primary, err := openPrimary(cfg)
	if err == nil {
		logger.Info().Str("backend", cfg.Type).Msg("Storage backend opened")
		return &Result{Store: primary, Backend: cfg.Type}, nil
	}

	logger.Error().Err(err).
		Str("backend", cfg.Type).
		Str("fallback_path", cfg.FallbackPath).
		Msg("Primary storage unavailable, switching to fallback")

	fallback, ferr := snapshot.Open(cfg.FallbackPath)
	if ferr != nil {
		return nil, fmt.Errorf("primary storage: %v; fallback storage: %w", err, ferr)
	}

	logger.Warn().Str("backend", "snapshot").Msg("Fallback storage opened")
	return &Result{Store: fallback, Backend: "snapshot", Fallback: true, PrimaryErr: err}, nil
}

func openPrimary(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return sqlite.Open(cfg.Path)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
