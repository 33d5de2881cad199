package syncer

import (
	"fmt"
	"time"
)

// Backoff is the retry schedule after failed syncs: Initial, then each
// delay multiplied by Multiplier, capped at Max. There are no defaults.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Validate rejects an incomplete schedule.
func (b Backoff) Validate() error {
	switch {
	case b.Initial <= 0:
		return fmt.Errorf("syncer: backoff initial delay must be positive, got %s", b.Initial)
	case b.Max < b.Initial:
		return fmt.Errorf("syncer: backoff max %s is below initial %s", b.Max, b.Initial)
	case b.Multiplier < 1:
		return fmt.Errorf("syncer: backoff multiplier must be at least 1, got %g", b.Multiplier)
	}
	return nil
}

// Next returns the delay after prev; a zero prev starts the schedule.
func (b Backoff) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(prev) * b.Multiplier)
	if next > b.Max || next <= 0 {
		return b.Max
	}
	return next
}
