package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/voxquota/internal/storage"
	"go.etcd.io/bbolt"
)

// usageStore keeps one nested bucket per user, keyed by period inside.
type usageStore struct {
	db *bbolt.DB
}

func (s *usageStore) Get(ctx context.Context, userID, period string) (*storage.UsageRecord, error) {
	var record *storage.UsageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketUsage))
		if root == nil {
			return storage.ErrNotFound
		}
		user := root.Bucket([]byte(userID))
		if user == nil {
			return storage.ErrNotFound
		}
		value := user.Get([]byte(period))
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.UsageRecord
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		record = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *usageStore) Put(ctx context.Context, record storage.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketUsage))
		if root == nil {
			return fmt.Errorf("usage bucket missing")
		}
		user, err := root.CreateBucketIfNotExists([]byte(record.UserID))
		if err != nil {
			return fmt.Errorf("create user usage bucket: %w", err)
		}
		return user.Put([]byte(record.Period), data)
	})
}
