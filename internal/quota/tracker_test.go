package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/goodtune/voxquota/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

type fixture struct {
	store   storage.Store
	clock   *TestClock
	ledger  *Ledger
	limits  *Registry
	tokens  *TokenIssuer
	tracker *Tracker
	sweeper *Sweeper
}

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, Config{})
}

func newFixtureWithConfig(t *testing.T, config Config) *fixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "voxquota.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	clock := NewTestClock(epoch)
	ledger := NewLedger(store.Usage(), logger)
	limits := NewRegistry(store.Limits(), RegistryConfig{
		Defaults: Defaults{
			PeriodLimitSeconds:    900,
			SessionLimitSeconds:   900,
			MaxConcurrentSessions: 3,
		},
	}, logger)
	tokens, _, err := NewTokenIssuer("test-secret")
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	return &fixture{
		store:   store,
		clock:   clock,
		ledger:  ledger,
		limits:  limits,
		tokens:  tokens,
		tracker: NewTracker(store.Sessions(), ledger, limits, tokens, clock, config, logger),
		sweeper: NewSweeper(store.Sessions(), clock, time.Minute, logger),
	}
}

func (f *fixture) start(t *testing.T, userID string) *Grant {
	t.Helper()
	grant, err := f.tracker.Start(context.Background(), StartRequest{UserID: userID, IPAddress: "203.0.113.9"})
	if err != nil {
		t.Fatalf("start session for %s: %v", userID, err)
	}
	return grant
}

func (f *fixture) heartbeat(t *testing.T, sessionID string) *HeartbeatResult {
	t.Helper()
	result, err := f.tracker.Heartbeat(context.Background(), HeartbeatRequest{SessionID: sessionID, Timestamp: f.clock.Now()})
	if err != nil {
		t.Fatalf("heartbeat %s: %v", sessionID, err)
	}
	return result
}

func (f *fixture) usage(t *testing.T, userID string) *storage.UsageRecord {
	t.Helper()
	record, err := f.ledger.Usage(context.Background(), userID, PeriodKey(epoch, Monthly))
	if err != nil {
		t.Fatalf("usage for %s: %v", userID, err)
	}
	return record
}

func (f *fixture) setLimits(t *testing.T, profile storage.LimitsProfile) {
	t.Helper()
	if err := f.limits.Set(context.Background(), profile); err != nil {
		t.Fatalf("set limits: %v", err)
	}
}

func expectDenied(t *testing.T, err error, reason string) {
	t.Helper()
	got, ok := IsDenied(err)
	if !ok {
		t.Fatalf("expected denial %q, got %v", reason, err)
	}
	if got != reason {
		t.Fatalf("expected denial %q, got %q", reason, got)
	}
}

func TestStartIssuesGrant(t *testing.T) {
	f := newFixture(t)

	grant := f.start(t, "alice")
	if grant.AllocationSeconds != 900 {
		t.Fatalf("expected allocation 900, got %d", grant.AllocationSeconds)
	}
	if !grant.ExpiresAt.Equal(epoch.Add(DefaultTokenExpiry)) {
		t.Fatalf("expected expiry %v, got %v", epoch.Add(DefaultTokenExpiry), grant.ExpiresAt)
	}
	if grant.Period != "2026-03" {
		t.Fatalf("expected period 2026-03, got %s", grant.Period)
	}

	claims, err := f.tokens.Verify(grant.Token, grant.SessionID)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != "alice" || claims.QuotaRemaining != 900 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	session, err := f.tracker.Session(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.QuotaUsed != 0 || !session.LastHeartbeat.Equal(epoch) {
		t.Fatalf("unexpected new session row: %+v", session)
	}
	if session.IPAddress != "203.0.113.9" {
		t.Fatalf("expected ip address to be stored, got %q", session.IPAddress)
	}
	if f.tracker.State(session) != StateActive {
		t.Fatalf("expected active state, got %s", f.tracker.State(session))
	}
}

func TestStartRequiresUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.Start(context.Background(), StartRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// Heartbeat after 920s on a 900s allocation closes the session and charges
// exactly the allocation.
func TestHeartbeatPastAllocationForcesClose(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "alice")

	f.clock.Advance(920 * time.Second)
	result := f.heartbeat(t, grant.SessionID)

	if result.State != StateExpired || result.Continue {
		t.Fatalf("expected expired session, got %+v", result)
	}
	if result.Warning == nil || result.Warning.Kind != WarningExceeded {
		t.Fatalf("expected exceeded warning, got %+v", result.Warning)
	}
	if result.QuotaUsed != 900 {
		t.Fatalf("expected quota used 900, got %d", result.QuotaUsed)
	}

	record := f.usage(t, "alice")
	if record.TotalSeconds != 900 {
		t.Fatalf("expected ledger total 900, got %d", record.TotalSeconds)
	}
	if record.SessionsCount != 1 {
		t.Fatalf("expected 1 session counted, got %d", record.SessionsCount)
	}

	if _, err := f.tracker.Session(context.Background(), grant.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}

	_, err := f.tracker.Start(context.Background(), StartRequest{UserID: "alice"})
	expectDenied(t, err, ReasonQuotaExhausted)
}

func TestConcurrencyLimitDeniesSecondSession(t *testing.T) {
	f := newFixture(t)
	f.setLimits(t, storage.LimitsProfile{UserID: "bob", MaxConcurrentSessions: 1, Enabled: true})

	first := f.start(t, "bob")

	_, err := f.tracker.Start(context.Background(), StartRequest{UserID: "bob"})
	expectDenied(t, err, ReasonConcurrencyLimit)

	f.clock.Advance(30 * time.Second)
	result := f.heartbeat(t, first.SessionID)
	if result.State != StateActive || result.QuotaUsed != 30 {
		t.Fatalf("expected first session unaffected, got %+v", result)
	}

	sessions, err := f.tracker.SessionsForUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 live session, got %d", len(sessions))
	}
}

func TestHeartbeatAfterSweepIsNotFound(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "carol")

	f.clock.Advance(DefaultTokenExpiry + time.Minute)
	removed, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept session, got %d", removed)
	}

	f.clock.Advance(10 * time.Second)
	_, err = f.tracker.Heartbeat(context.Background(), HeartbeatRequest{SessionID: grant.SessionID})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// Swept sessions are not folded into the ledger.
	if record := f.usage(t, "carol"); record.SessionsCount != 0 || record.TotalSeconds != 0 {
		t.Fatalf("expected untouched ledger after sweep, got %+v", record)
	}
}

func TestDisabledUserIsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	period := f.tracker.CurrentPeriod()

	if _, err := f.ledger.RecordConsumption(ctx, "dave", period, 100); err != nil {
		t.Fatalf("record consumption: %v", err)
	}
	f.setLimits(t, storage.LimitsProfile{UserID: "dave", Enabled: false})

	_, err := f.tracker.Start(ctx, StartRequest{UserID: "dave"})
	expectDenied(t, err, ReasonDisabled)

	remaining, err := f.ledger.RemainingForPeriod(ctx, "dave", period, 900)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 800 {
		t.Fatalf("expected 800 seconds remaining, got %d", remaining)
	}
}

func TestDuplicateHeartbeatChargesOnce(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "erin")

	f.clock.Advance(60 * time.Second)
	first := f.heartbeat(t, grant.SessionID)
	second := f.heartbeat(t, grant.SessionID)

	if first.QuotaUsed != 60 || second.QuotaUsed != 60 {
		t.Fatalf("expected quota used 60 after replay, got %d then %d", first.QuotaUsed, second.QuotaUsed)
	}
}

func TestSubSecondHeartbeatsStillConsumeQuota(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "sam")

	beats := 0
	for ; beats < 3000; beats++ {
		f.clock.Advance(400 * time.Millisecond)
		result := f.heartbeat(t, grant.SessionID)
		if !result.Continue {
			if result.State != StateExpired || result.QuotaUsed != 900 {
				t.Fatalf("expected exhausted session at 900, got %+v", result)
			}
			break
		}
	}

	// 900 seconds of server time at 400ms per heartbeat.
	if beats+1 != 2250 {
		t.Fatalf("expected exhaustion on heartbeat 2250, got %d", beats+1)
	}

	record := f.usage(t, "sam")
	if record.TotalSeconds != 900 || record.SessionsCount != 1 {
		t.Fatalf("expected 900 seconds over 1 session, got %+v", record)
	}
}

func TestFractionalIntervalsCarryOver(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "tess")

	var result *HeartbeatResult
	for i := 0; i < 10; i++ {
		f.clock.Advance(60400 * time.Millisecond)
		result = f.heartbeat(t, grant.SessionID)
	}
	if result.QuotaUsed != 604 {
		t.Fatalf("expected 604 seconds charged, got %d", result.QuotaUsed)
	}

	f.clock.Advance(700 * time.Millisecond)
	summary, err := f.tracker.Close(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// The trailing 0.7s is not a whole second yet.
	if summary.QuotaUsed != 604 {
		t.Fatalf("expected 604 seconds at close, got %d", summary.QuotaUsed)
	}
}

func TestConcurrentHeartbeatsForOneSession(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "frank")
	f.clock.Advance(60 * time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.Heartbeat(context.Background(), HeartbeatRequest{SessionID: grant.SessionID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	session, err := f.tracker.Session(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.QuotaUsed != 60 {
		t.Fatalf("expected quota used 60, got %d", session.QuotaUsed)
	}
	if f.tracker.sessionLocks.size() != 0 {
		t.Fatalf("expected session locks released, %d held", f.tracker.sessionLocks.size())
	}
}

func TestConcurrentStartsRespectConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	f.setLimits(t, storage.LimitsProfile{UserID: "gina", PeriodLimitSeconds: 36000, MaxConcurrentSessions: 3, Enabled: true})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		denied  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.Start(context.Background(), StartRequest{UserID: "gina"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
				return
			}
			if reason, ok := IsDenied(err); ok && reason == ReasonConcurrencyLimit {
				denied++
				return
			}
			t.Errorf("unexpected start error: %v", err)
		}()
	}
	wg.Wait()

	if granted != 3 || denied != 7 {
		t.Fatalf("expected 3 granted and 7 denied, got %d and %d", granted, denied)
	}
}

func TestWarningIsEmittedOnceAndSticky(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "hana")

	f.clock.Advance(300 * time.Second)
	result := f.heartbeat(t, grant.SessionID)
	if result.State != StateActive || result.Warning != nil {
		t.Fatalf("expected active without warning at 600s left, got %+v", result)
	}

	f.clock.Advance(300 * time.Second)
	result = f.heartbeat(t, grant.SessionID)
	if result.State != StateWarned {
		t.Fatalf("expected warned state, got %s", result.State)
	}
	if result.Warning == nil || result.Warning.Kind != WarningLow || result.Warning.RemainingSeconds != 300 {
		t.Fatalf("expected low quota warning with 300s, got %+v", result.Warning)
	}

	f.clock.Advance(60 * time.Second)
	result = f.heartbeat(t, grant.SessionID)
	if result.State != StateWarned {
		t.Fatalf("expected warned state to stick, got %s", result.State)
	}
	if result.Warning != nil {
		t.Fatalf("expected no repeated warning, got %+v", result.Warning)
	}

	session, err := f.tracker.Session(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !session.Warned {
		t.Fatal("expected warned flag persisted")
	}
}

func TestTokenRenewalKeepsQuotaUsed(t *testing.T) {
	f := newFixture(t)
	f.setLimits(t, storage.LimitsProfile{UserID: "ivan", PeriodLimitSeconds: 7200, SessionLimitSeconds: 3600, Enabled: true})
	grant := f.start(t, "ivan")
	if grant.AllocationSeconds != 3600 {
		t.Fatalf("expected allocation 3600, got %d", grant.AllocationSeconds)
	}

	f.clock.Advance(17 * time.Minute)
	result := f.heartbeat(t, grant.SessionID)
	if result.Token != "" {
		t.Fatal("expected no renewal with 3 minutes left on the token")
	}

	f.clock.Advance(90 * time.Second)
	result = f.heartbeat(t, grant.SessionID)
	if result.Token == "" {
		t.Fatal("expected token renewal with 90 seconds left on the token")
	}
	wantExpiry := f.clock.Now().Add(DefaultTokenExpiry)
	if !result.TokenExpiry.Equal(wantExpiry) {
		t.Fatalf("expected renewed expiry %v, got %v", wantExpiry, result.TokenExpiry)
	}
	if result.QuotaUsed != 1110 {
		t.Fatalf("expected quota used 1110 after renewal, got %d", result.QuotaUsed)
	}

	claims, err := f.tokens.Verify(result.Token, grant.SessionID)
	if err != nil {
		t.Fatalf("verify renewed token: %v", err)
	}
	if claims.QuotaRemaining != 3600-1110 {
		t.Fatalf("expected renewed token to carry %d remaining, got %d", 3600-1110, claims.QuotaRemaining)
	}

	session, err := f.tracker.Session(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !session.TokenExpiry.Equal(wantExpiry) {
		t.Fatalf("expected stored expiry %v, got %v", wantExpiry, session.TokenExpiry)
	}
}

func TestHeartbeatAfterTokenExpiryFoldsRecordedQuota(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "jane")

	f.clock.Advance(60 * time.Second)
	f.heartbeat(t, grant.SessionID)

	f.clock.Advance(DefaultTokenExpiry)
	_, err := f.tracker.Heartbeat(context.Background(), HeartbeatRequest{SessionID: grant.SessionID})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	if _, err := f.tracker.Session(context.Background(), grant.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
	record := f.usage(t, "jane")
	if record.TotalSeconds != 60 || record.SessionsCount != 1 {
		t.Fatalf("expected recorded 60s folded once, got %+v", record)
	}
}

func TestCloseChargesFinalInterval(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "kate")

	f.clock.Advance(60 * time.Second)
	f.heartbeat(t, grant.SessionID)
	f.clock.Advance(30 * time.Second)

	summary, err := f.tracker.Close(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if summary.State != StateClosed || summary.QuotaUsed != 90 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.PeriodTotal != 90 || summary.SessionCount != 1 {
		t.Fatalf("unexpected period totals in summary: %+v", summary)
	}

	record := f.usage(t, "kate")
	if record.TotalSeconds != 90 {
		t.Fatalf("expected ledger total 90, got %d", record.TotalSeconds)
	}
	if record.SessionTimeRemaining != 810 {
		t.Fatalf("expected session time remaining 810, got %d", record.SessionTimeRemaining)
	}

	if _, err := f.tracker.Close(context.Background(), grant.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected second close to report ErrSessionNotFound, got %v", err)
	}
	if record := f.usage(t, "kate"); record.SessionsCount != 1 {
		t.Fatalf("expected session counted once, got %d", record.SessionsCount)
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "liam")
	f.clock.Advance(45 * time.Second)

	summary, err := f.tracker.Terminate(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if summary.State != StateTerminated || summary.QuotaUsed != 45 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	_, err = f.tracker.Heartbeat(context.Background(), HeartbeatRequest{SessionID: grant.SessionID})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after terminate, got %v", err)
	}
}

func TestLiveAllocationsReservePeriodBalance(t *testing.T) {
	f := newFixture(t)
	f.setLimits(t, storage.LimitsProfile{UserID: "mia", PeriodLimitSeconds: 1000, SessionLimitSeconds: 600, Enabled: true})

	first := f.start(t, "mia")
	second := f.start(t, "mia")
	if first.AllocationSeconds != 600 || second.AllocationSeconds != 400 {
		t.Fatalf("expected allocations 600 and 400, got %d and %d", first.AllocationSeconds, second.AllocationSeconds)
	}

	_, err := f.tracker.Start(context.Background(), StartRequest{UserID: "mia"})
	expectDenied(t, err, ReasonQuotaExhausted)
}

func TestDefaultLimitsReserveWholeBalanceForFirstSession(t *testing.T) {
	f := newFixture(t)

	first := f.start(t, "nina")
	if first.AllocationSeconds != 900 {
		t.Fatalf("expected allocation 900, got %d", first.AllocationSeconds)
	}

	// With the session cap equal to the period cap the concurrency cap is never reached.
	_, err := f.tracker.Start(context.Background(), StartRequest{UserID: "nina"})
	expectDenied(t, err, ReasonQuotaExhausted)

	f.setLimits(t, storage.LimitsProfile{UserID: "omar", SessionLimitSeconds: 300, Enabled: true})
	for i := 0; i < 3; i++ {
		if grant := f.start(t, "omar"); grant.AllocationSeconds != 300 {
			t.Fatalf("expected allocation 300, got %d", grant.AllocationSeconds)
		}
	}
	_, err = f.tracker.Start(context.Background(), StartRequest{UserID: "omar"})
	expectDenied(t, err, ReasonConcurrencyLimit)
}

func TestAllocationClampedToMinimumBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.RecordConsumption(ctx, "noah", f.tracker.CurrentPeriod(), 870); err != nil {
		t.Fatalf("record consumption: %v", err)
	}

	grant := f.start(t, "noah")
	if grant.AllocationSeconds != 60 {
		t.Fatalf("expected allocation raised to 60, got %d", grant.AllocationSeconds)
	}

	f.clock.Advance(90 * time.Second)
	result := f.heartbeat(t, grant.SessionID)
	if result.State != StateExpired {
		t.Fatalf("expected expired session, got %s", result.State)
	}

	// The overshoot is bounded by the minimum session duration.
	if total := f.usage(t, "noah").TotalSeconds; total != 930 {
		t.Fatalf("expected total 930, got %d", total)
	}
}

func TestAllocationClampedToMaximumBand(t *testing.T) {
	f := newFixtureWithConfig(t, Config{MaxSessionDuration: 10 * time.Minute})
	grant := f.start(t, "olga")
	if grant.AllocationSeconds != 600 {
		t.Fatalf("expected allocation capped at 600, got %d", grant.AllocationSeconds)
	}
}

func TestStartReclaimsExpiredSessions(t *testing.T) {
	f := newFixture(t)
	f.setLimits(t, storage.LimitsProfile{UserID: "paul", MaxConcurrentSessions: 1, Enabled: true})

	stale := f.start(t, "paul")
	f.clock.Advance(DefaultTokenExpiry + time.Second)

	fresh := f.start(t, "paul")
	if fresh.SessionID == stale.SessionID {
		t.Fatal("expected a new session id")
	}
	if _, err := f.tracker.Session(context.Background(), stale.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected stale session reclaimed, got %v", err)
	}
	if record := f.usage(t, "paul"); record.SessionsCount != 1 {
		t.Fatalf("expected stale session folded, got %+v", record)
	}
}

func TestLedgerTotalsNeverDecrease(t *testing.T) {
	f := newFixture(t)
	f.setLimits(t, storage.LimitsProfile{UserID: "quinn", PeriodLimitSeconds: 1500, SessionLimitSeconds: 400, MaxConcurrentSessions: 1, Enabled: true})

	var last int64
	for {
		grant, err := f.tracker.Start(context.Background(), StartRequest{UserID: "quinn"})
		if err != nil {
			expectDenied(t, err, ReasonQuotaExhausted)
			break
		}
		for {
			f.clock.Advance(DefaultHeartbeatInterval)
			result := f.heartbeat(t, grant.SessionID)

			total := f.usage(t, "quinn").TotalSeconds
			if total < last {
				t.Fatalf("ledger total decreased from %d to %d", last, total)
			}
			last = total

			if !result.Continue {
				break
			}
		}
	}

	if last > 1500+int64(DefaultHeartbeatInterval/time.Second) {
		t.Fatalf("ledger total %d exceeds cap by more than one heartbeat", last)
	}
	if last < 1500 {
		t.Fatalf("expected the period to be used up, got %d", last)
	}
}

func TestCloseFoldsIntoStartPeriod(t *testing.T) {
	f := newFixtureWithConfig(t, Config{Period: Daily})
	f.clock.CurrentTime = time.Date(2026, 3, 14, 23, 59, 30, 0, time.UTC)

	grant := f.start(t, "rosa")
	f.clock.Advance(time.Minute)

	summary, err := f.tracker.Close(context.Background(), grant.SessionID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if summary.Period != "2026-03-14" {
		t.Fatalf("expected fold into 2026-03-14, got %s", summary.Period)
	}

	record, err := f.ledger.Usage(context.Background(), "rosa", "2026-03-14")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if record.TotalSeconds != 60 {
		t.Fatalf("expected 60 seconds in start period, got %d", record.TotalSeconds)
	}
}

func TestResetUsage(t *testing.T) {
	f := newFixture(t)
	grant := f.start(t, "sam")
	f.clock.Advance(120 * time.Second)
	if _, err := f.tracker.Close(context.Background(), grant.SessionID); err != nil {
		t.Fatalf("close: %v", err)
	}

	record, err := f.tracker.ResetUsage(context.Background(), "sam", f.tracker.CurrentPeriod())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if record.TotalSeconds != 0 || record.SessionsCount != 0 {
		t.Fatalf("expected zeroed record, got %+v", record)
	}
	if !record.LastReset.Equal(f.clock.Now()) {
		t.Fatalf("expected last reset %v, got %v", f.clock.Now(), record.LastReset)
	}

	// Quota is available again after the reset.
	f.start(t, "sam")
}
