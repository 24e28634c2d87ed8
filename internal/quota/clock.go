package quota

import (
	"sync"
	"time"
)

// Clock provides time information for quota accounting.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides a controllable time for testing.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewTestClock returns a TestClock frozen at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{CurrentTime: t}
}

// Now returns the test time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

// Advance moves the test time forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentTime = c.CurrentTime.Add(d)
}
