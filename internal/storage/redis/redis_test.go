package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/voxquota/internal/config"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/goodtune/voxquota/internal/storage/storagetest"
)

func testConfig(mr *miniredis.Miniredis) config.RedisConfig {
	// miniredis.Addr() returns "host:port", so Port stays zero
	return config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}
}

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := Open(testConfig(mr))
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func() storage.Store) {
		store, mr := setupTestStore(t)
		reopen := func() storage.Store {
			reopened, err := Open(testConfig(mr))
			if err != nil {
				t.Fatalf("Failed to reopen Redis store: %v", err)
			}
			return reopened
		}
		return store, reopen
	})
}

func TestOpenInvalidDuration(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.DialTimeout = "soon"

	if _, err := Open(cfg); err == nil {
		t.Fatal("Expected invalid dial_timeout to fail")
	}
}

func TestOpenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	mr.Close()

	if _, err := Open(cfg); err == nil {
		t.Fatal("Expected unreachable Redis to fail")
	}
}

func TestSessionStore_KeyLayout(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	expiry := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	session := storage.ActiveSession{
		ID:            "session-1",
		UserID:        "alice",
		StartTime:     expiry.Add(-20 * time.Minute),
		LastHeartbeat: expiry.Add(-20 * time.Minute),
		TokenExpiry:   expiry,
	}

	if err := store.Sessions().Put(ctx, session); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if got := mr.HGet("voxquota:session:session-1", "user_id"); got != "alice" {
		t.Errorf("Expected user_id alice in session hash, got %q", got)
	}

	isMember, err := mr.SIsMember("voxquota:sessions:user:alice", "session-1")
	if err != nil {
		t.Fatalf("SIsMember failed: %v", err)
	}
	if !isMember {
		t.Error("Expected session in user index")
	}

	score, err := mr.ZScore("voxquota:sessions:expiry", "session-1")
	if err != nil {
		t.Fatalf("ZScore failed: %v", err)
	}
	if int64(score) != expiry.UnixMicro() {
		t.Errorf("Expected expiry score %d, got %d", expiry.UnixMicro(), int64(score))
	}
}

func TestSessionStore_ListSkipsStaleIndexEntries(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	session := storage.ActiveSession{
		ID:            "session-1",
		UserID:        "alice",
		StartTime:     now,
		LastHeartbeat: now,
		TokenExpiry:   now.Add(20 * time.Minute),
	}
	if err := store.Sessions().Put(ctx, session); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// An index entry whose hash has vanished must be ignored.
	if _, err := mr.SAdd("voxquota:sessions:user:alice", "ghost"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	sessions, err := store.Sessions().ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "session-1" {
		t.Errorf("Expected only session-1, got %+v", sessions)
	}
}

func TestUsageStore_UsersWithSeparatorsDoNotCollide(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Usage().Put(ctx, storage.UsageRecord{UserID: "a:b", Period: "c", TotalSeconds: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Usage().Put(ctx, storage.UsageRecord{UserID: "a", Period: "b:c", TotalSeconds: 2}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	first, err := store.Usage().Get(ctx, "a:b", "c")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	second, err := store.Usage().Get(ctx, "a", "b:c")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if first.TotalSeconds != 1 || second.TotalSeconds != 2 {
		t.Errorf("Expected independent records, got %d and %d", first.TotalSeconds, second.TotalSeconds)
	}
}
