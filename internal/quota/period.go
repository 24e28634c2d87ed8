package quota

import (
	"fmt"
	"time"
)

// Granularity selects the length of an accounting period.
type Granularity string

const (
	Monthly Granularity = "month"
	Daily   Granularity = "day"
)

// ParseGranularity accepts "month" or "day". Empty means monthly.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", Monthly:
		return Monthly, nil
	case Daily:
		return Daily, nil
	default:
		return "", fmt.Errorf("unknown period granularity %q", s)
	}
}

// PeriodKey returns the ledger bucket for t, computed in UTC:
// "2006-01" for monthly periods and "2006-01-02" for daily ones.
func PeriodKey(t time.Time, g Granularity) string {
	if g == Daily {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01")
}

// ValidPeriodKey reports whether key is a monthly or daily period key.
func ValidPeriodKey(key string) bool {
	if _, err := time.Parse("2006-01", key); err == nil {
		return true
	}
	_, err := time.Parse("2006-01-02", key)
	return err == nil
}
