package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
)

const sessionColumns = `session_id, user_id, start_time, last_heartbeat, quota_used,
	allocation_seconds, token_expiry, ip_address, warned`

type sessionStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*storage.ActiveSession, error) {
	var (
		session                             storage.ActiveSession
		startTime, lastHeartbeat, expiresAt int64
		warned                              int
	)
	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&startTime,
		&lastHeartbeat,
		&session.QuotaUsed,
		&session.AllocationSeconds,
		&expiresAt,
		&session.IPAddress,
		&warned,
	); err != nil {
		return nil, err
	}
	session.StartTime = fromUnix(startTime)
	session.LastHeartbeat = fromUnix(lastHeartbeat)
	session.TokenExpiry = fromUnix(expiresAt)
	session.Warned = warned != 0
	return &session, nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.ActiveSession, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM active_sessions WHERE session_id = ?", id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

func (s *sessionStore) ListForUser(ctx context.Context, userID string) ([]storage.ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM active_sessions WHERE user_id = ? ORDER BY start_time, session_id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions for user: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.ActiveSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *sessionStore) Put(ctx context.Context, session storage.ActiveSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			start_time = excluded.start_time,
			last_heartbeat = excluded.last_heartbeat,
			quota_used = excluded.quota_used,
			allocation_seconds = excluded.allocation_seconds,
			token_expiry = excluded.token_expiry,
			ip_address = excluded.ip_address,
			warned = excluded.warned
	`,
		session.ID,
		session.UserID,
		toUnix(session.StartTime),
		toUnix(session.LastHeartbeat),
		session.QuotaUsed,
		session.AllocationSeconds,
		toUnix(session.TokenExpiry),
		session.IPAddress,
		boolToInt(session.Warned),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *sessionStore) Patch(ctx context.Context, id string, patch storage.SessionPatch) error {
	if patch.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	if patch.LastHeartbeat != nil {
		sets = append(sets, "last_heartbeat = ?")
		args = append(args, toUnix(*patch.LastHeartbeat))
	}
	if patch.QuotaUsed != nil {
		sets = append(sets, "quota_used = ?")
		args = append(args, *patch.QuotaUsed)
	}
	if patch.TokenExpiry != nil {
		sets = append(sets, "token_expiry = ?")
		args = append(args, toUnix(*patch.TokenExpiry))
	}
	if patch.Warned != nil {
		sets = append(sets, "warned = ?")
		args = append(args, boolToInt(*patch.Warned))
	}
	args = append(args, id)

	query := "UPDATE active_sessions SET " + strings.Join(sets, ", ") + " WHERE session_id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("patch session: %w", err)
	}
	return nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM active_sessions WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM active_sessions WHERE token_expiry < ?", toUnix(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(deleted), nil
}

func (s *sessionStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM active_sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
