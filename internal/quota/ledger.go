package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
	"github.com/rs/zerolog"
)

// Ledger maintains per-user, per-period consumption totals. Every
// read-modify-write for one user is serialized.
type Ledger struct {
	store  storage.UsageStore
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewLedger creates a ledger over store.
func NewLedger(store storage.UsageStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "usage-ledger").Logger(),
	}
}

// Usage returns the record for (userID, period), or a zeroed record when
// none has been written yet.
func (l *Ledger) Usage(ctx context.Context, userID, period string) (*storage.UsageRecord, error) {
	record, err := l.store.Get(ctx, userID, period)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.UsageRecord{UserID: userID, Period: period}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return record, nil
}

// RemainingForPeriod returns max(0, periodCap - consumed).
func (l *Ledger) RemainingForPeriod(ctx context.Context, userID, period string, periodCap int64) (int64, error) {
	record, err := l.Usage(ctx, userID, period)
	if err != nil {
		return 0, err
	}
	return remaining(periodCap, record.TotalSeconds), nil
}

// RecordConsumption adds seconds to the period total without touching the
// session count.
func (l *Ledger) RecordConsumption(ctx context.Context, userID, period string, seconds int64) (*storage.UsageRecord, error) {
	return l.update(ctx, userID, period, func(record *storage.UsageRecord) error {
		if seconds < 0 {
			return ErrNegativeConsumption
		}
		record.TotalSeconds += seconds
		return nil
	})
}

// FoldSession charges a finished session: the seconds are added, the
// session count goes up by one and the remaining session-time balance is
// refreshed against limits.
func (l *Ledger) FoldSession(ctx context.Context, userID, period string, seconds int64, limits storage.LimitsProfile) (*storage.UsageRecord, error) {
	record, err := l.update(ctx, userID, period, func(record *storage.UsageRecord) error {
		if seconds < 0 {
			return ErrNegativeConsumption
		}
		record.TotalSeconds += seconds
		record.SessionsCount++
		record.SessionTimeRemaining = min(limits.SessionLimitSeconds, remaining(limits.PeriodLimitSeconds, record.TotalSeconds))
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("user_id", userID).
		Str("period", period).
		Int64("seconds", seconds).
		Int64("total_seconds", record.TotalSeconds).
		Int64("sessions_count", record.SessionsCount).
		Msg("Session folded into ledger")

	return record, nil
}

// ResetPeriod zeroes the counters for (userID, period) and stamps the reset
// time. It is an administrative action; totals otherwise never decrease.
func (l *Ledger) ResetPeriod(ctx context.Context, userID, period string, now time.Time, limits storage.LimitsProfile) (*storage.UsageRecord, error) {
	record, err := l.update(ctx, userID, period, func(record *storage.UsageRecord) error {
		record.TotalSeconds = 0
		record.SessionsCount = 0
		record.SessionTimeRemaining = min(limits.SessionLimitSeconds, limits.PeriodLimitSeconds)
		record.LastReset = now.UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("user_id", userID).
		Str("period", period).
		Msg("Usage period reset")

	return record, nil
}

func (l *Ledger) update(ctx context.Context, userID, period string, fn func(record *storage.UsageRecord) error) (*storage.UsageRecord, error) {
	if userID == "" || period == "" {
		return nil, fmt.Errorf("%w: user and period are required", ErrInvalidRequest)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	record, err := l.Usage(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := l.store.Put(ctx, *record); err != nil {
		return nil, fmt.Errorf("put usage: %w", err)
	}
	return record, nil
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
