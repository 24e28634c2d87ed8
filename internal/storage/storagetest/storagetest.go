// Package storagetest holds the behavioural checks every storage backend
// must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
)

// Opener returns a fresh, empty store. When reopen is non-nil it must open
// a second handle on the same data once the first has been closed.
type Opener func(t *testing.T) (store storage.Store, reopen func() storage.Store)

var base = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// Run exercises the full storage contract against the backend.
func Run(t *testing.T, open Opener) {
	t.Run("UsageRoundTrip", func(t *testing.T) { testUsageRoundTrip(t, open) })
	t.Run("UsageValidation", func(t *testing.T) { testUsageValidation(t, open) })
	t.Run("LimitsRoundTrip", func(t *testing.T) { testLimitsRoundTrip(t, open) })
	t.Run("SessionRoundTrip", func(t *testing.T) { testSessionRoundTrip(t, open) })
	t.Run("SessionListForUser", func(t *testing.T) { testSessionListForUser(t, open) })
	t.Run("SessionPatch", func(t *testing.T) { testSessionPatch(t, open) })
	t.Run("SessionDelete", func(t *testing.T) { testSessionDelete(t, open) })
	t.Run("SessionDeleteExpired", func(t *testing.T) { testSessionDeleteExpired(t, open) })
	t.Run("SessionCount", func(t *testing.T) { testSessionCount(t, open) })
	t.Run("Persistence", func(t *testing.T) { testPersistence(t, open) })
}

func openStore(t *testing.T, open Opener) storage.Store {
	t.Helper()
	store, _ := open(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func session(id, userID string, start time.Time) storage.ActiveSession {
	return storage.ActiveSession{
		ID:                id,
		UserID:            userID,
		StartTime:         start,
		LastHeartbeat:     start,
		AllocationSeconds: 900,
		TokenExpiry:       start.Add(20 * time.Minute),
		IPAddress:         "203.0.113.7",
	}
}

func assertSession(t *testing.T, got *storage.ActiveSession, want storage.ActiveSession) {
	t.Helper()
	if got.ID != want.ID || got.UserID != want.UserID {
		t.Fatalf("session identity = (%s, %s), want (%s, %s)", got.ID, got.UserID, want.ID, want.UserID)
	}
	if !got.StartTime.Equal(want.StartTime) {
		t.Fatalf("start_time = %v, want %v", got.StartTime, want.StartTime)
	}
	if !got.LastHeartbeat.Equal(want.LastHeartbeat) {
		t.Fatalf("last_heartbeat = %v, want %v", got.LastHeartbeat, want.LastHeartbeat)
	}
	if !got.TokenExpiry.Equal(want.TokenExpiry) {
		t.Fatalf("token_expiry = %v, want %v", got.TokenExpiry, want.TokenExpiry)
	}
	if got.QuotaUsed != want.QuotaUsed {
		t.Fatalf("quota_used = %d, want %d", got.QuotaUsed, want.QuotaUsed)
	}
	if got.AllocationSeconds != want.AllocationSeconds {
		t.Fatalf("allocation_seconds = %d, want %d", got.AllocationSeconds, want.AllocationSeconds)
	}
	if got.IPAddress != want.IPAddress {
		t.Fatalf("ip_address = %q, want %q", got.IPAddress, want.IPAddress)
	}
	if got.Warned != want.Warned {
		t.Fatalf("warned = %v, want %v", got.Warned, want.Warned)
	}
}

func testUsageRoundTrip(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	usage := store.Usage()

	if _, err := usage.Get(ctx, "alice", "2026-03"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing usage, got %v", err)
	}

	record := storage.UsageRecord{
		UserID:               "alice",
		Period:               "2026-03",
		TotalSeconds:         300,
		SessionsCount:        1,
		SessionTimeRemaining: 600,
	}
	if err := usage.Put(ctx, record); err != nil {
		t.Fatalf("put usage: %v", err)
	}

	got, err := usage.Get(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got.TotalSeconds != 300 || got.SessionsCount != 1 || got.SessionTimeRemaining != 600 {
		t.Fatalf("unexpected usage record: %+v", got)
	}
	if !got.LastReset.IsZero() {
		t.Fatalf("expected zero last_reset, got %v", got.LastReset)
	}

	record.TotalSeconds = 900
	record.SessionsCount = 2
	record.LastReset = base
	if err := usage.Put(ctx, record); err != nil {
		t.Fatalf("update usage: %v", err)
	}
	got, err = usage.Get(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("get updated usage: %v", err)
	}
	if got.TotalSeconds != 900 || got.SessionsCount != 2 {
		t.Fatalf("usage not updated: %+v", got)
	}
	if !got.LastReset.Equal(base) {
		t.Fatalf("last_reset = %v, want %v", got.LastReset, base)
	}

	if _, err := usage.Get(ctx, "alice", "2026-04"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected periods to be independent, got %v", err)
	}
	if _, err := usage.Get(ctx, "bob", "2026-03"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected users to be independent, got %v", err)
	}
}

func testUsageValidation(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	if err := store.Usage().Put(ctx, storage.UsageRecord{UserID: "alice"}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing period, got %v", err)
	}
	if err := store.Limits().Put(ctx, storage.LimitsProfile{}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing user, got %v", err)
	}
	if err := store.Sessions().Put(ctx, storage.ActiveSession{ID: "s1"}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing owner, got %v", err)
	}
}

func testLimitsRoundTrip(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	limits := store.Limits()

	if _, err := limits.Get(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing limits, got %v", err)
	}

	profile := storage.LimitsProfile{
		UserID:                "alice",
		PeriodLimitSeconds:    3600,
		SessionLimitSeconds:   1200,
		MaxConcurrentSessions: 2,
		Enabled:               true,
	}
	if err := limits.Put(ctx, profile); err != nil {
		t.Fatalf("put limits: %v", err)
	}

	got, err := limits.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get limits: %v", err)
	}
	if *got != profile {
		t.Fatalf("limits = %+v, want %+v", *got, profile)
	}

	profile.Enabled = false
	profile.MaxConcurrentSessions = 1
	if err := limits.Put(ctx, profile); err != nil {
		t.Fatalf("update limits: %v", err)
	}
	got, err = limits.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get updated limits: %v", err)
	}
	if *got != profile {
		t.Fatalf("limits = %+v, want %+v", *got, profile)
	}
}

func testSessionRoundTrip(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}

	want := session("s1", "alice", base)
	want.QuotaUsed = 42
	want.Warned = true
	if err := sessions.Put(ctx, want); err != nil {
		t.Fatalf("put session: %v", err)
	}

	got, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	assertSession(t, got, want)
}

func testSessionListForUser(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	sessions := store.Sessions()

	rows := []storage.ActiveSession{
		session("s3", "alice", base.Add(2*time.Minute)),
		session("s1", "alice", base),
		session("s2", "bob", base.Add(time.Minute)),
		session("s0", "alice", base),
	}
	for _, row := range rows {
		if err := sessions.Put(ctx, row); err != nil {
			t.Fatalf("put session %s: %v", row.ID, err)
		}
	}

	list, err := sessions.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	want := []string{"s0", "s1", "s3"}
	if len(list) != len(want) {
		t.Fatalf("expected %d sessions, got %d", len(want), len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("session[%d] = %s, want %s", i, list[i].ID, id)
		}
	}

	empty, err := sessions.ListForUser(ctx, "carol")
	if err != nil {
		t.Fatalf("list sessions for unknown user: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no sessions, got %d", len(empty))
	}
}

func testSessionPatch(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	sessions := store.Sessions()

	want := session("s1", "alice", base)
	if err := sessions.Put(ctx, want); err != nil {
		t.Fatalf("put session: %v", err)
	}

	heartbeat := base.Add(65 * time.Second)
	used := int64(65)
	if err := sessions.Patch(ctx, "s1", storage.SessionPatch{LastHeartbeat: &heartbeat, QuotaUsed: &used}); err != nil {
		t.Fatalf("patch session: %v", err)
	}
	want.LastHeartbeat = heartbeat
	want.QuotaUsed = used

	got, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get patched session: %v", err)
	}
	assertSession(t, got, want)

	expiry := base.Add(40 * time.Minute)
	warned := true
	if err := sessions.Patch(ctx, "s1", storage.SessionPatch{TokenExpiry: &expiry, Warned: &warned}); err != nil {
		t.Fatalf("patch session expiry: %v", err)
	}
	want.TokenExpiry = expiry
	want.Warned = true

	got, err = sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get patched session: %v", err)
	}
	assertSession(t, got, want)

	// The renewed expiry must be honoured by the expiry sweep.
	removed, err := sessions.DeleteExpired(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected renewed session to survive, removed %d", removed)
	}

	if err := sessions.Patch(ctx, "missing", storage.SessionPatch{QuotaUsed: &used}); err != nil {
		t.Fatalf("patch missing session: %v", err)
	}
	if _, err := sessions.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("patch must not create a session, got %v", err)
	}
}

func testSessionDelete(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.Put(ctx, session("s1", "alice", base)); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := sessions.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := sessions.Get(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	list, err := sessions.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected deleted session to leave the user index, got %d", len(list))
	}
	if err := sessions.Delete(ctx, "s1"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func testSessionCount(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	sessions := store.Sessions()

	assertCount := func(want int) {
		t.Helper()
		got, err := sessions.Count(ctx)
		if err != nil {
			t.Fatalf("count sessions: %v", err)
		}
		if got != want {
			t.Fatalf("session count = %d, want %d", got, want)
		}
	}

	assertCount(0)

	expired := session("old", "alice", base)
	expired.TokenExpiry = base.Add(-time.Minute)
	for _, row := range []storage.ActiveSession{session("s1", "alice", base), session("s2", "bob", base), expired} {
		if err := sessions.Put(ctx, row); err != nil {
			t.Fatalf("put session %s: %v", row.ID, err)
		}
	}
	// Expired rows count until they are swept.
	assertCount(3)

	if err := sessions.Put(ctx, session("s1", "alice", base.Add(time.Minute))); err != nil {
		t.Fatalf("overwrite session: %v", err)
	}
	assertCount(3)

	if err := sessions.Delete(ctx, "s2"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := sessions.DeleteExpired(ctx, base); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	assertCount(1)
}

func testSessionDeleteExpired(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()
	sessions := store.Sessions()

	now := base.Add(time.Hour)
	stale := session("stale", "alice", base)
	stale.TokenExpiry = now.Add(-time.Second)
	boundary := session("boundary", "alice", base)
	boundary.TokenExpiry = now
	fresh := session("fresh", "bob", base)
	fresh.TokenExpiry = now.Add(time.Minute)

	for _, row := range []storage.ActiveSession{stale, boundary, fresh} {
		if err := sessions.Put(ctx, row); err != nil {
			t.Fatalf("put session %s: %v", row.ID, err)
		}
	}

	removed, err := sessions.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired session removed, got %d", removed)
	}
	if _, err := sessions.Get(ctx, "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale session removed, got %v", err)
	}
	for _, id := range []string{"boundary", "fresh"} {
		if _, err := sessions.Get(ctx, id); err != nil {
			t.Fatalf("expected %s to survive: %v", id, err)
		}
	}

	list, err := sessions.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "boundary" {
		t.Fatalf("unexpected sessions after sweep: %+v", list)
	}

	removed, err = sessions.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("repeat delete expired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected repeat sweep to remove nothing, got %d", removed)
	}
}

func testPersistence(t *testing.T, open Opener) {
	store, reopen := open(t)
	if reopen == nil {
		_ = store.Close()
		t.Skip("backend does not support reopening")
	}
	ctx := context.Background()

	record := storage.UsageRecord{UserID: "alice", Period: "2026-03", TotalSeconds: 120, SessionsCount: 1, LastReset: base}
	profile := storage.LimitsProfile{UserID: "alice", PeriodLimitSeconds: 1800, SessionLimitSeconds: 600, MaxConcurrentSessions: 1, Enabled: true}
	row := session("s1", "alice", base)
	row.QuotaUsed = 60

	if err := store.Usage().Put(ctx, record); err != nil {
		t.Fatalf("put usage: %v", err)
	}
	if err := store.Limits().Put(ctx, profile); err != nil {
		t.Fatalf("put limits: %v", err)
	}
	if err := store.Sessions().Put(ctx, row); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store = reopen()
	defer func() { _ = store.Close() }()

	gotUsage, err := store.Usage().Get(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("get usage after reopen: %v", err)
	}
	if gotUsage.TotalSeconds != 120 || !gotUsage.LastReset.Equal(base) {
		t.Fatalf("usage not persisted: %+v", gotUsage)
	}

	gotLimits, err := store.Limits().Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get limits after reopen: %v", err)
	}
	if *gotLimits != profile {
		t.Fatalf("limits = %+v, want %+v", *gotLimits, profile)
	}

	gotSession, err := store.Sessions().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session after reopen: %v", err)
	}
	assertSession(t, gotSession, row)
}
