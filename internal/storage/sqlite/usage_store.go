package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/voxquota/internal/storage"
)

type usageStore struct {
	db *sql.DB
}

func (s *usageStore) Get(ctx context.Context, userID, period string) (*storage.UsageRecord, error) {
	var (
		record    storage.UsageRecord
		lastReset int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, period, total_seconds, sessions_count, last_reset, session_time_remaining
		FROM user_usage
		WHERE user_id = ? AND period = ?
	`, userID, period).Scan(
		&record.UserID,
		&record.Period,
		&record.TotalSeconds,
		&record.SessionsCount,
		&lastReset,
		&record.SessionTimeRemaining,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	record.LastReset = fromUnix(lastReset)
	return &record, nil
}

func (s *usageStore) Put(ctx context.Context, record storage.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, period, total_seconds, sessions_count, last_reset, session_time_remaining)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, period) DO UPDATE SET
			total_seconds = excluded.total_seconds,
			sessions_count = excluded.sessions_count,
			last_reset = excluded.last_reset,
			session_time_remaining = excluded.session_time_remaining
	`,
		record.UserID,
		record.Period,
		record.TotalSeconds,
		record.SessionsCount,
		toUnix(record.LastReset),
		record.SessionTimeRemaining,
	)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}
