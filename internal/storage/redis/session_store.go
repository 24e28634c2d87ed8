package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client        *redis.Client
	putScript     *redis.Script
	patchScript   *redis.Script
	deleteScript  *redis.Script
	expiredScript *redis.Script
}

func newSessionStore(client *redis.Client) *sessionStore {
	return &sessionStore{
		client:        client,
		putScript:     redis.NewScript(putSessionScript),
		patchScript:   redis.NewScript(patchSessionScript),
		deleteScript:  redis.NewScript(deleteSessionScript),
		expiredScript: redis.NewScript(deleteExpiredScript),
	}
}

func (s *sessionStore) Get(ctx context.Context, sessionID string) (*storage.ActiveSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return parseSession(data)
}

func (s *sessionStore) ListForUser(ctx context.Context, userID string) ([]storage.ActiveSession, error) {
	ids, err := s.client.SMembers(ctx, userSessionPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]storage.ActiveSession, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		session, err := parseSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	storage.SortSessions(sessions)
	return sessions, nil
}

func (s *sessionStore) Put(ctx context.Context, session storage.ActiveSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	keys := []string{
		sessionKeyPrefix + session.ID,
		userSessionPrefix + session.UserID,
		expiryIndexKey,
	}
	args := append([]interface{}{session.ID, expiryScore(session.TokenExpiry)}, sessionFields(session)...)

	if err := s.putScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

func (s *sessionStore) Patch(ctx context.Context, sessionID string, patch storage.SessionPatch) error {
	if patch.Empty() {
		return nil
	}

	score := ""
	if patch.TokenExpiry != nil {
		score = strconv.FormatInt(expiryScore(*patch.TokenExpiry), 10)
	}

	keys := []string{sessionKeyPrefix + sessionID, expiryIndexKey}
	args := append([]interface{}{sessionID, score}, patchFields(patch)...)

	if err := s.patchScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to patch session: %w", err)
	}
	return nil
}

func (s *sessionStore) Delete(ctx context.Context, sessionID string) error {
	keys := []string{sessionKeyPrefix + sessionID, expiryIndexKey}
	if err := s.deleteScript.Run(ctx, s.client, keys, sessionID, userSessionPrefix).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	bound := "(" + strconv.FormatInt(expiryScore(now), 10)
	n, err := s.expiredScript.Run(ctx, s.client, []string{expiryIndexKey}, bound, sessionKeyPrefix, userSessionPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}

// Count relies on the expiry index holding exactly one member per session.
func (s *sessionStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, expiryIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(n), nil
}
