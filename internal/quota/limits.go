package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Defaults are the process-wide limits applied to users without an override.
type Defaults struct {
	PeriodLimitSeconds    int64
	SessionLimitSeconds   int64
	MaxConcurrentSessions int
}

// RegistryConfig holds limits registry configuration
type RegistryConfig struct {
	Defaults  Defaults
	CacheSize int
	CacheTTL  time.Duration
}

// Registry resolves the effective limits of a user: the stored override
// merged over the defaults.
type Registry struct {
	store    storage.LimitsStore
	defaults Defaults
	cache    *expirable.LRU[string, storage.LimitsProfile]
	logger   zerolog.Logger
}

// NewRegistry creates a limits registry over store.
func NewRegistry(store storage.LimitsStore, config RegistryConfig, logger zerolog.Logger) *Registry {
	if config.CacheSize <= 0 {
		config.CacheSize = 1024
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Second
	}

	return &Registry{
		store:    store,
		defaults: config.Defaults,
		cache:    expirable.NewLRU[string, storage.LimitsProfile](config.CacheSize, nil, config.CacheTTL),
		logger:   logger.With().Str("component", "limits-registry").Logger(),
	}
}

// Defaults returns the default profile for userID.
func (r *Registry) Defaults(userID string) storage.LimitsProfile {
	return storage.LimitsProfile{
		UserID:                userID,
		PeriodLimitSeconds:    r.defaults.PeriodLimitSeconds,
		SessionLimitSeconds:   r.defaults.SessionLimitSeconds,
		MaxConcurrentSessions: r.defaults.MaxConcurrentSessions,
		Enabled:               true,
	}
}

// Effective returns the limits that apply to userID. It never fails: when
// the override cannot be read the defaults are used and the error logged.
func (r *Registry) Effective(ctx context.Context, userID string) storage.LimitsProfile {
	if profile, ok := r.cache.Get(userID); ok {
		return profile
	}

	override, err := r.store.Get(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		profile := r.Defaults(userID)
		r.cache.Add(userID, profile)
		return profile
	case err != nil:
		r.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read limits override, using defaults")
		return r.Defaults(userID)
	}

	profile := r.merge(*override)
	r.cache.Add(userID, profile)
	return profile
}

// Get returns the stored override for userID. When there is none, the
// defaults are returned with overridden set to false.
func (r *Registry) Get(ctx context.Context, userID string) (profile storage.LimitsProfile, overridden bool, err error) {
	override, err := r.store.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.Defaults(userID), false, nil
	}
	if err != nil {
		return storage.LimitsProfile{}, false, fmt.Errorf("get limits: %w", err)
	}
	return *override, true, nil
}

// Set stores an override for profile.UserID and drops any cached value.
func (r *Registry) Set(ctx context.Context, profile storage.LimitsProfile) error {
	if profile.PeriodLimitSeconds < 0 || profile.SessionLimitSeconds < 0 || profile.MaxConcurrentSessions < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	if err := r.store.Put(ctx, profile); err != nil {
		return fmt.Errorf("put limits: %w", err)
	}
	r.cache.Remove(profile.UserID)

	r.logger.Info().
		Str("user_id", profile.UserID).
		Int64("period_limit_seconds", profile.PeriodLimitSeconds).
		Int64("session_limit_seconds", profile.SessionLimitSeconds).
		Int("max_concurrent_sessions", profile.MaxConcurrentSessions).
		Bool("enabled", profile.Enabled).
		Msg("Limits override updated")

	return nil
}

// merge fills zero numeric fields of an override from the defaults.
func (r *Registry) merge(override storage.LimitsProfile) storage.LimitsProfile {
	profile := override
	if profile.PeriodLimitSeconds == 0 {
		profile.PeriodLimitSeconds = r.defaults.PeriodLimitSeconds
	}
	if profile.SessionLimitSeconds == 0 {
		profile.SessionLimitSeconds = r.defaults.SessionLimitSeconds
	}
	if profile.MaxConcurrentSessions == 0 {
		profile.MaxConcurrentSessions = r.defaults.MaxConcurrentSessions
	}
	return profile
}
