package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(data map[string]string, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, data[field])
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return t, nil
}

func parseInt(data map[string]string, field string) (int64, error) {
	v, err := strconv.ParseInt(data[field], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return v, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// expiryScore is the sorted set score for a token expiry
func expiryScore(t time.Time) int64 {
	return t.UnixMicro()
}

// sessionFields flattens a session into HSET field/value pairs
func sessionFields(session storage.ActiveSession) []interface{} {
	return []interface{}{
		"session_id", session.ID,
		"user_id", session.UserID,
		"start_time", formatTime(session.StartTime),
		"last_heartbeat", formatTime(session.LastHeartbeat),
		"quota_used", session.QuotaUsed,
		"allocation_seconds", session.AllocationSeconds,
		"token_expiry", formatTime(session.TokenExpiry),
		"ip_address", session.IPAddress,
		"warned", formatBool(session.Warned),
	}
}

// patchFields flattens the set fields of a patch into HSET field/value pairs
func patchFields(patch storage.SessionPatch) []interface{} {
	var fields []interface{}
	if patch.LastHeartbeat != nil {
		fields = append(fields, "last_heartbeat", formatTime(*patch.LastHeartbeat))
	}
	if patch.QuotaUsed != nil {
		fields = append(fields, "quota_used", *patch.QuotaUsed)
	}
	if patch.TokenExpiry != nil {
		fields = append(fields, "token_expiry", formatTime(*patch.TokenExpiry))
	}
	if patch.Warned != nil {
		fields = append(fields, "warned", formatBool(*patch.Warned))
	}
	return fields
}

// parseSession converts a Redis hash to ActiveSession
func parseSession(data map[string]string) (*storage.ActiveSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := parseTime(data, "start_time")
	if err != nil {
		return nil, err
	}
	lastHeartbeat, err := parseTime(data, "last_heartbeat")
	if err != nil {
		return nil, err
	}
	tokenExpiry, err := parseTime(data, "token_expiry")
	if err != nil {
		return nil, err
	}
	quotaUsed, err := parseInt(data, "quota_used")
	if err != nil {
		return nil, err
	}
	allocation, err := parseInt(data, "allocation_seconds")
	if err != nil {
		return nil, err
	}

	return &storage.ActiveSession{
		ID:                data["session_id"],
		UserID:            data["user_id"],
		StartTime:         startTime,
		LastHeartbeat:     lastHeartbeat,
		QuotaUsed:         quotaUsed,
		AllocationSeconds: allocation,
		TokenExpiry:       tokenExpiry,
		IPAddress:         data["ip_address"],
		Warned:            data["warned"] == "1",
	}, nil
}

// parseLimits converts a Redis hash to LimitsProfile
func parseLimits(data map[string]string) (*storage.LimitsProfile, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	periodLimit, err := parseInt(data, "period_limit_seconds")
	if err != nil {
		return nil, err
	}
	sessionLimit, err := parseInt(data, "session_limit_seconds")
	if err != nil {
		return nil, err
	}
	maxConcurrent, err := parseInt(data, "max_concurrent_sessions")
	if err != nil {
		return nil, err
	}

	return &storage.LimitsProfile{
		UserID:                data["user_id"],
		PeriodLimitSeconds:    periodLimit,
		SessionLimitSeconds:   sessionLimit,
		MaxConcurrentSessions: int(maxConcurrent),
		Enabled:               data["enabled"] == "1",
	}, nil
}
