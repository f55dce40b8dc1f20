package model

import (
	"sync"
	"time"
)

// Guard is a per-client circuit breaker. After maxFailures consecutive
// failures the client is reported unavailable for cooldown; the next call
// after the cooldown is a probe, and one more failure disables it again.
type Guard struct {
	mu            sync.Mutex
	maxFailures   int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

// NewGuard creates a guard. maxFailures <= 0 disables the breaker.
func NewGuard(maxFailures int, cooldown time.Duration) *Guard {
	return &Guard{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether the client may be called now.
func (g *Guard) Allow() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabledUntil.IsZero() {
		return true
	}
	return g.now().After(g.disabledUntil)
}

// RecordFailure counts a failed call.
func (g *Guard) RecordFailure() {
	if g == nil || g.maxFailures <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= g.maxFailures {
		g.disabledUntil = g.now().Add(g.cooldown)
	}
}

// RecordSuccess resets the failure streak.
func (g *Guard) RecordSuccess() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.disabledUntil = time.Time{}
}

// DisabledUntil returns the end of the current cooldown, zero if none.
func (g *Guard) DisabledUntil() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil
}

// Failures returns the current consecutive failure count.
func (g *Guard) Failures() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// GuardSet lazily holds one Guard per client name.
type GuardSet struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	guards      map[string]*Guard
	now         func() time.Time
}

// NewGuardSet creates guards sharing the same thresholds.
func NewGuardSet(maxFailures int, cooldown time.Duration) *GuardSet {
	return &GuardSet{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		guards:      make(map[string]*Guard),
		now:         time.Now,
	}
}

// For returns the guard of the named client, creating it on first use.
// A nil set yields a nil guard, which always allows.
func (s *GuardSet) For(name string) *Guard {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[name]
	if !ok {
		g = NewGuard(s.maxFailures, s.cooldown)
		g.now = s.now
		s.guards[name] = g
	}
	return g
}
