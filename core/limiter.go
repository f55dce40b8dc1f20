package core

import (
	"fmt"
	"sync/atomic"
)

// AttemptLimiter caps the sequential model attempts of one run, such as the
// walk through the fallback order. A zero max means no cap.
type AttemptLimiter struct {
	max   int
	count atomic.Int64
}

// NewAttemptLimiter returns a limiter allowing max attempts.
func NewAttemptLimiter(max int) *AttemptLimiter {
	return &AttemptLimiter{max: max}
}

// Increment records an attempt. It fails once the cap is exceeded.
func (l *AttemptLimiter) Increment() error {
	if n := l.count.Add(1); l.max > 0 && n > int64(l.max) {
		return fmt.Errorf("exceeded max model attempts: %d", l.max)
	}
	return nil
}

// Count is the number of attempts recorded, including rejected ones.
func (l *AttemptLimiter) Count() int { return int(l.count.Load()) }

// Remaining is the number of attempts left, or -1 without a cap.
func (l *AttemptLimiter) Remaining() int {
	if l.max == 0 {
		return -1
	}
	return max(l.max-l.Count(), 0)
}
