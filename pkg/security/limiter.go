package security

import (
	"sync"
	"time"
)

// opportunisticEvictions bounds how many expired records Allow removes per call.
const opportunisticEvictions = 10

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window request counter keyed by an arbitrary string
// (an IP, a user id). Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	win     time.Duration
	max     int
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter allows max requests per key per window.
func NewLimiter(max int, win time.Duration) *Limiter {
	return NewLimiterWithClock(max, win, time.Now)
}

// NewLimiterWithClock is NewLimiter with an injected clock.
func NewLimiterWithClock(max int, win time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		win:     win,
		max:     max,
		windows: make(map[string]*window),
		now:     now,
	}
}

// Allow counts one request for key and reports whether it is within the limit.
// Denied requests are counted too.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictLocked(now, opportunisticEvictions)

	w := l.windows[key]
	if w == nil || !now.Before(w.start.Add(l.win)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	return w.count <= l.max
}

// Count returns the requests seen for key in its current window.
func (l *Limiter) Count(key string) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w == nil || !now.Before(w.start.Add(l.win)) {
		return 0
	}
	return w.count
}

// Sweep removes every expired window and returns how many were dropped.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked(now, -1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// evictLocked drops up to limit expired windows; limit < 0 means no bound.
// A bounded pass inspects at most 4*limit entries; map order is random, so
// repeated passes cover the whole table.
func (l *Limiter) evictLocked(now time.Time, limit int) int {
	removed, scanned := 0, 0
	for key, w := range l.windows {
		if limit >= 0 && (removed >= limit || scanned >= 4*limit) {
			break
		}
		scanned++
		if !now.Before(w.start.Add(l.win)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
