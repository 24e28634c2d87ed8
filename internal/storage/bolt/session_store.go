package bolt

import (
	"context"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.ActiveSession, error) {
	return getBucketValue[storage.ActiveSession](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) ListForUser(ctx context.Context, userID string) ([]storage.ActiveSession, error) {
	sessions := make([]storage.ActiveSession, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var session storage.ActiveSession
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if session.UserID == userID {
				sessions = append(sessions, session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessions(sessions)
	return sessions, nil
}

func (s *sessionStore) Put(ctx context.Context, session storage.ActiveSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return putBucketValue(ctx, s.db, bucketSessions, session.ID, session)
}

func (s *sessionStore) Patch(ctx context.Context, id string, patch storage.SessionPatch) error {
	if patch.Empty() {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return nil
		}
		existing := b.Get([]byte(id))
		if existing == nil {
			return nil
		}
		var session storage.ActiveSession
		if err := unmarshal(existing, &session); err != nil {
			return err
		}
		patch.Apply(&session)
		data, err := marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	return deleteBucketValue(ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return nil
		}
		// Collect first: deleting under a live cursor can skip keys.
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var session storage.ActiveSession
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if session.TokenExpiry.Before(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *sessionStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b := tx.Bucket([]byte(bucketSessions)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}
