package core

import (
	"fmt"
)

// TimestampValidator keeps batch timestamps non-decreasing. Expiry checks
// use the batch timestamp, so a batch may never run behind the last one.
// Not thread-safe; only accessed from the engine goroutine.
type TimestampValidator struct {
	last  uint64
	stale int64
}

func NewTimestampValidator() *TimestampValidator {
	return &TimestampValidator{}
}

// Validate checks ts against the last committed timestamp without
// advancing it.
func (tv *TimestampValidator) Validate(ts uint64) error {
	if ts < tv.last {
		tv.stale++
		return fmt.Errorf("%w: got %d, last committed %d", ErrStaleTimestamp, ts, tv.last)
	}
	return nil
}

// Advance records ts as committed.
func (tv *TimestampValidator) Advance(ts uint64) {
	if ts > tv.last {
		tv.last = ts
	}
}

func (tv *TimestampValidator) Last() uint64 {
	return tv.last
}

// Restore sets the last committed timestamp (used during recovery)
func (tv *TimestampValidator) Restore(ts uint64) {
	tv.last = ts
}

// Stale returns how many batches were refused for running backwards.
func (tv *TimestampValidator) Stale() int64 {
	return tv.stale
}
