package redis

import (
	"context"
	"fmt"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

type limitsStore struct {
	client *redis.Client
}

func (s *limitsStore) Get(ctx context.Context, userID string) (*storage.LimitsProfile, error) {
	data, err := s.client.HGetAll(ctx, limitsKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get limits: %w", err)
	}
	return parseLimits(data)
}

func (s *limitsStore) Put(ctx context.Context, profile storage.LimitsProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	err := s.client.HSet(ctx, limitsKeyPrefix+profile.UserID,
		"user_id", profile.UserID,
		"period_limit_seconds", profile.PeriodLimitSeconds,
		"session_limit_seconds", profile.SessionLimitSeconds,
		"max_concurrent_sessions", profile.MaxConcurrentSessions,
		"enabled", formatBool(profile.Enabled),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to put limits: %w", err)
	}
	return nil
}
