package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/goodtune/voxquota/internal/storage/snapshot"
	"github.com/rs/zerolog"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshot.json"))
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewLedger(store.Usage(), zerolog.Nop())
}

func TestLedgerUsageDefaultsToZero(t *testing.T) {
	ledger := newTestLedger(t)

	record, err := ledger.Usage(context.Background(), "alice", "2026-03")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if record.UserID != "alice" || record.Period != "2026-03" || record.TotalSeconds != 0 {
		t.Fatalf("unexpected zero record: %+v", record)
	}
}

func TestLedgerRecordConsumption(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	for _, seconds := range []int64{30, 0, 45} {
		if _, err := ledger.RecordConsumption(ctx, "alice", "2026-03", seconds); err != nil {
			t.Fatalf("record %d: %v", seconds, err)
		}
	}

	record, err := ledger.Usage(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if record.TotalSeconds != 75 {
		t.Fatalf("expected 75 seconds, got %d", record.TotalSeconds)
	}
	if record.SessionsCount != 0 {
		t.Fatalf("expected consumption not to count sessions, got %d", record.SessionsCount)
	}

	other, err := ledger.Usage(ctx, "alice", "2026-04")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if other.TotalSeconds != 0 {
		t.Fatalf("expected periods to be independent, got %d", other.TotalSeconds)
	}
}

func TestLedgerRejectsNegativeConsumption(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.RecordConsumption(ctx, "alice", "2026-03", 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := ledger.RecordConsumption(ctx, "alice", "2026-03", -10); !errors.Is(err, ErrNegativeConsumption) {
		t.Fatalf("expected ErrNegativeConsumption, got %v", err)
	}
	if _, err := ledger.FoldSession(ctx, "alice", "2026-03", -1, storage.LimitsProfile{}); !errors.Is(err, ErrNegativeConsumption) {
		t.Fatalf("expected ErrNegativeConsumption from fold, got %v", err)
	}

	record, err := ledger.Usage(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if record.TotalSeconds != 100 || record.SessionsCount != 0 {
		t.Fatalf("expected rejected deltas to leave the record untouched, got %+v", record)
	}
}

func TestLedgerRequiresUserAndPeriod(t *testing.T) {
	ledger := newTestLedger(t)

	if _, err := ledger.RecordConsumption(context.Background(), "", "2026-03", 1); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := ledger.RecordConsumption(context.Background(), "alice", "", 1); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestLedgerRemainingForPeriod(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		consumed int64
		cap      int64
		want     int64
	}{
		{"untouched", 0, 900, 900},
		{"partial", 300, 900, 600},
		{"exact", 900, 900, 0},
		{"over", 960, 900, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := "user-" + tt.name
			if _, err := ledger.RecordConsumption(ctx, user, "2026-03", tt.consumed); err != nil {
				t.Fatalf("record: %v", err)
			}
			got, err := ledger.RemainingForPeriod(ctx, user, "2026-03", tt.cap)
			if err != nil {
				t.Fatalf("remaining: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d remaining, got %d", tt.want, got)
			}
		})
	}
}

func TestLedgerFoldSession(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	limits := storage.LimitsProfile{PeriodLimitSeconds: 1000, SessionLimitSeconds: 600}

	record, err := ledger.FoldSession(ctx, "alice", "2026-03", 300, limits)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if record.TotalSeconds != 300 || record.SessionsCount != 1 {
		t.Fatalf("unexpected record after first fold: %+v", record)
	}
	if record.SessionTimeRemaining != 600 {
		t.Fatalf("expected session time remaining capped at 600, got %d", record.SessionTimeRemaining)
	}

	record, err = ledger.FoldSession(ctx, "alice", "2026-03", 500, limits)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if record.TotalSeconds != 800 || record.SessionsCount != 2 {
		t.Fatalf("unexpected record after second fold: %+v", record)
	}
	if record.SessionTimeRemaining != 200 {
		t.Fatalf("expected session time remaining 200, got %d", record.SessionTimeRemaining)
	}

	record, err = ledger.FoldSession(ctx, "alice", "2026-03", 400, limits)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if record.SessionTimeRemaining != 0 {
		t.Fatalf("expected no session time remaining past the cap, got %d", record.SessionTimeRemaining)
	}
}

func TestLedgerResetPeriod(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	limits := storage.LimitsProfile{PeriodLimitSeconds: 1000, SessionLimitSeconds: 600}
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	if _, err := ledger.FoldSession(ctx, "alice", "2026-03", 700, limits); err != nil {
		t.Fatalf("fold: %v", err)
	}

	record, err := ledger.ResetPeriod(ctx, "alice", "2026-03", now, limits)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if record.TotalSeconds != 0 || record.SessionsCount != 0 {
		t.Fatalf("expected zeroed counters, got %+v", record)
	}
	if record.SessionTimeRemaining != 600 {
		t.Fatalf("expected session time remaining 600, got %d", record.SessionTimeRemaining)
	}

	stored, err := ledger.Usage(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !stored.LastReset.Equal(now) {
		t.Fatalf("expected last reset %v, got %v", now, stored.LastReset)
	}
}

func TestLedgerConcurrentConsumption(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.RecordConsumption(ctx, "alice", "2026-03", 2); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	record, err := ledger.Usage(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if record.TotalSeconds != 100 {
		t.Fatalf("expected 100 seconds after concurrent updates, got %d", record.TotalSeconds)
	}
}
