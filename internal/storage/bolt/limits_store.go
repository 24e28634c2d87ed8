package bolt

import (
	"context"

	"github.com/goodtune/voxquota/internal/storage"
	"go.etcd.io/bbolt"
)

type limitsStore struct {
	db *bbolt.DB
}

func (s *limitsStore) Get(ctx context.Context, userID string) (*storage.LimitsProfile, error) {
	return getBucketValue[storage.LimitsProfile](ctx, s.db, bucketLimits, userID)
}

func (s *limitsStore) Put(ctx context.Context, profile storage.LimitsProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	return putBucketValue(ctx, s.db, bucketLimits, profile.UserID, profile)
}
