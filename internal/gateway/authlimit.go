package gateway

import (
	"sync"
	"time"
)

const (
	authFailWindow    = 60 * time.Second
	authFailThreshold = 5
	maxCooldown       = 300 * time.Second
)

type authEntry struct {
	failures      []time.Time // failures inside the sliding window
	offenses      int         // cooldowns triggered so far, exponent for the next one
	cooldownUntil time.Time
}

// authLimiter tracks failed auth attempts per source IP. More than
// authFailThreshold failures inside the window triggers an exponential
// cooldown (2^n seconds, capped).
type authLimiter struct {
	mu      sync.Mutex
	entries map[string]*authEntry
	now     func() time.Time
}

func newAuthLimiter() *authLimiter {
	return &authLimiter{
		entries: make(map[string]*authEntry),
		now:     time.Now,
	}
}

// Limited reports whether ip is currently in cooldown.
func (l *authLimiter) Limited(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		return false
	}
	return l.now().Before(e.cooldownUntil)
}

// RecordFailure registers a failed auth attempt and starts a cooldown when
// the window threshold is exceeded.
func (l *authLimiter) RecordFailure(ip string) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		e = &authEntry{}
		l.entries[ip] = e
	}

	cutoff := now.Add(-authFailWindow)
	kept := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) > authFailThreshold {
		e.offenses++
		cooldown := time.Duration(1<<uint(e.offenses)) * time.Second // 2^n seconds
		if cooldown > maxCooldown {
			cooldown = maxCooldown
		}
		e.cooldownUntil = now.Add(cooldown)
		e.failures = e.failures[:0]
	}
}

// RecordSuccess clears the failure state for ip.
func (l *authLimiter) RecordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, ip)
}
