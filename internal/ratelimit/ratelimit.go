// Package ratelimit implements a sliding-window admission limiter keyed by
// user id, with the ceiling taken from the user's role.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Window is the sliding window length.
const Window = time.Hour

// cleanupInterval bounds how often idle user entries are pruned.
const cleanupInterval = 5 * time.Minute

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Count   int // requests in the current window, including this one when admitted
	Limit   int // 0 means unlimited
	ResetAt time.Time
}

// Limiter tracks request timestamps per user. Operations on one user's
// window are mutually exclusive; distinct users never contend beyond the
// map lock.
type Limiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	lastCleanup time.Time

	now func() time.Time // injectable clock for tests
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		requests:    make(map[string][]time.Time),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// NewWithClock creates a limiter with an injected clock.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	l.now = now
	l.lastCleanup = now()
	return l
}

// Allow admits or rejects one request. limit 0 short-circuits admission
// (unlimited roles). On rejection, ResetAt is when the oldest in-window
// request expires.
func (l *Limiter) Allow(userID string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: 0}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupLocked(now)

	window := l.prune(userID, now)
	if len(window) >= limit {
		reset := window[0].Add(Window)
		log.Warn().
			Str("user", userID).
			Int("count", len(window)).
			Int("limit", limit).
			Time("reset_at", reset).
			Msg("Rate limit exceeded")
		return Decision{Allowed: false, Count: len(window), Limit: limit, ResetAt: reset}
	}

	window = append(window, now)
	l.requests[userID] = window
	return Decision{Allowed: true, Count: len(window), Limit: limit, ResetAt: window[0].Add(Window)}
}

// Remaining reports how many requests the user has left in the current
// window without consuming one.
func (l *Limiter) Remaining(userID string, limit int) (remaining, count int) {
	if limit <= 0 {
		return -1, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.prune(userID, l.now())
	remaining = limit - len(window)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, len(window)
}

// Reset clears a user's window (admin override).
func (l *Limiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, userID)
	log.Info().Str("user", userID).Msg("Rate limit reset")
}

// Stats reports the limiter's current occupancy.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	active, inWindow := 0, 0
	for userID := range l.requests {
		window := l.prune(userID, now)
		if len(window) > 0 {
			active++
			inWindow += len(window)
		}
	}
	return map[string]any{
		"active_users":        active,
		"requests_in_window":  inWindow,
		"window_size_seconds": int(Window.Seconds()),
	}
}

// prune drops timestamps older than the window for one user and returns
// the remaining slice. Caller holds the lock.
func (l *Limiter) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	window := l.requests[userID]
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		window = window[i:]
		l.requests[userID] = window
	}
	return window
}

// cleanupLocked removes users with no in-window requests. Caller holds the
// lock.
func (l *Limiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	cutoff := now.Add(-Window)
	removed := 0
	for userID, window := range l.requests {
		keep := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				keep = append(keep, ts)
			}
		}
		if len(keep) == 0 {
			delete(l.requests, userID)
			removed++
		} else {
			l.requests[userID] = keep
		}
	}
	if removed > 0 {
		log.Debug().Int("removed_users", removed).Msg("Rate limiter cleanup")
	}
}
