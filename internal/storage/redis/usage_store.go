package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

// usageStore keeps one hash per user, keyed by period, holding JSON records
type usageStore struct {
	client *redis.Client
}

func (s *usageStore) Get(ctx context.Context, userID, period string) (*storage.UsageRecord, error) {
	data, err := s.client.HGet(ctx, usageKeyPrefix+userID, period).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	var record storage.UsageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}
	return &record, nil
}

func (s *usageStore) Put(ctx context.Context, record storage.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	if err := s.client.HSet(ctx, usageKeyPrefix+record.UserID, record.Period, data).Err(); err != nil {
		return fmt.Errorf("failed to put usage: %w", err)
	}
	return nil
}
