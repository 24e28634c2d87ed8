package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/goodtune/voxquota/internal/storage/storagetest"
)

func openTestStore(t *testing.T) (storage.Store, func() storage.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.json")

	open := func() storage.Store {
		store, err := Open(path)
		if err != nil {
			t.Fatalf("open snapshot store: %v", err)
		}
		return store
	}
	return open(), open
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, openTestStore)
}

func TestOpenWritesInitialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "fallback.json")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	defer func() { _ = store.Close() }()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(doc.Sessions) != 0 || len(doc.Usage) != 0 || len(doc.Limits) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
}

func TestEveryMutationIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	defer func() { _ = store.Close() }()

	record := storage.UsageRecord{UserID: "alice", Period: "2026-03", TotalSeconds: 75}
	if err := store.Usage().Put(context.Background(), record); err != nil {
		t.Fatalf("put usage: %v", err)
	}

	// Read the file directly without closing the store.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got := doc.Usage["alice"]["2026-03"].TotalSeconds; got != 75 {
		t.Fatalf("expected persisted total 75, got %d", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot file, found %d entries", len(entries))
	}
}

func TestOpenRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatal("expected corrupt snapshot to fail")
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := store.Limits().Put(context.Background(), storage.LimitsProfile{UserID: "alice", Enabled: true})
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
