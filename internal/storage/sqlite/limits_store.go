package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/voxquota/internal/storage"
)

type limitsStore struct {
	db *sql.DB
}

func (s *limitsStore) Get(ctx context.Context, userID string) (*storage.LimitsProfile, error) {
	var (
		profile storage.LimitsProfile
		enabled int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, monthly_limit_seconds, session_limit_seconds, max_concurrent_sessions, enabled
		FROM user_limits
		WHERE user_id = ?
	`, userID).Scan(
		&profile.UserID,
		&profile.PeriodLimitSeconds,
		&profile.SessionLimitSeconds,
		&profile.MaxConcurrentSessions,
		&enabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}
	profile.Enabled = enabled != 0
	return &profile, nil
}

func (s *limitsStore) Put(ctx context.Context, profile storage.LimitsProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_limits (user_id, monthly_limit_seconds, session_limit_seconds, max_concurrent_sessions, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			monthly_limit_seconds = excluded.monthly_limit_seconds,
			session_limit_seconds = excluded.session_limit_seconds,
			max_concurrent_sessions = excluded.max_concurrent_sessions,
			enabled = excluded.enabled
	`,
		profile.UserID,
		profile.PeriodLimitSeconds,
		profile.SessionLimitSeconds,
		profile.MaxConcurrentSessions,
		boolToInt(profile.Enabled),
	)
	if err != nil {
		return fmt.Errorf("upsert limits: %w", err)
	}
	return nil
}
