// Package audit keeps a bounded in-memory record of security events.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of entries retained before the oldest is overwritten.
const DefaultCapacity = 1000

// Kind names a category of security event.
type Kind string

const (
	KindLoginFailed      Kind = "login_failed"
	KindSessionInvalid   Kind = "session_invalid"
	KindRateLimited      Kind = "rate_limited"
	KindIPPenalized      Kind = "ip_penalized"
	KindIPBlocked        Kind = "ip_blocked"
	KindNotWhitelisted   Kind = "not_whitelisted"
	KindForbidden        Kind = "forbidden"
	KindAdminAction      Kind = "admin_action"
	KindPasswordChanged  Kind = "password_changed"
	KindSignup           Kind = "signup"
	KindRoomPasswordFail Kind = "room_password_failed"
)

// Entry is one recorded event.
type Entry struct {
	ID     string         `json:"id"`
	Time   time.Time      `json:"time"`
	Kind   Kind           `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Log is a fixed-capacity ring of entries. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a log holding at most capacity entries.
func New(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		entries: make([]Entry, capacity),
		now:     time.Now,
		logger:  logger,
	}
}

// NewWithClock is New with an injected clock for tests.
func NewWithClock(capacity int, logger *slog.Logger, now func() time.Time) *Log {
	l := New(capacity, logger)
	l.now = now
	return l
}

// Record appends an event, overwriting the oldest once the ring is full.
// Every event is also written to the structured log at warn level.
func (l *Log) Record(kind Kind, detail map[string]any) Entry {
	e := Entry{
		ID:     uuid.NewString(),
		Kind:   kind,
		Detail: detail,
	}

	l.mu.Lock()
	e.Time = l.now()
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()

	attrs := make([]any, 0, 2+2*len(detail))
	attrs = append(attrs, "kind", string(kind))
	for k, v := range detail {
		attrs = append(attrs, k, v)
	}
	l.logger.Warn("security event", attrs...)
	return e
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Entries returns all retained entries, oldest first.
func (l *Log) Entries() []Entry {
	return l.Recent(0)
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 means all.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	start := 0
	if l.full {
		size = len(l.entries)
		start = l.next
	}
	if n > 0 && n < size {
		start = (start + size - n) % len(l.entries)
		size = n
	}

	out := make([]Entry, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, l.entries[(start+i)%len(l.entries)])
	}
	return out
}
