package replica

import (
	"context"
	"sync"
	"time"
)

// Consistency tracks whether a replica has caught up with writes made on main.
type Consistency interface {
	// Write is called after main was written to through the given connection.
	Write(ctx context.Context, main Conn) error
	// IsConsistent reports whether the replica reflects every recorded write.
	// An error is treated as "not consistent".
	IsConsistent(ctx context.Context, replica Conn) (bool, error)
}

// PermanentConsistency treats the replica as always up to date.
type PermanentConsistency struct{}

func (PermanentConsistency) Write(context.Context, Conn) error { return nil }

func (PermanentConsistency) IsConsistent(context.Context, Conn) (bool, error) { return true, nil }

// PermanentInconsistency never trusts the replica.
type PermanentInconsistency struct{}

func (PermanentInconsistency) Write(context.Context, Conn) error { return nil }

func (PermanentInconsistency) IsConsistent(context.Context, Conn) (bool, error) { return false, nil }

// ClockConsistency assumes the replica lags main by at most a fixed duration.
// After a write the replica is inconsistent until that duration has passed.
type ClockConsistency struct {
	mu        sync.RWMutex
	lag       time.Duration
	lastWrite time.Time
	now       func() time.Time
}

// NewClockConsistency creates a ClockConsistency for the given maximum lag.
func NewClockConsistency(lag time.Duration) *ClockConsistency {
	return &ClockConsistency{lag: lag, now: time.Now}
}

func (c *ClockConsistency) Write(context.Context, Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWrite = c.now()
	return nil
}

func (c *ClockConsistency) IsConsistent(context.Context, Conn) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastWrite.IsZero() {
		return true, nil
	}
	return c.now().Sub(c.lastWrite) >= c.lag, nil
}
