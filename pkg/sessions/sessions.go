// Package sessions keeps login sessions, one per username, and persists them
// through a debounced snapshot write.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/NicolasHaas/gojam/pkg/crypto"
	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/persist"
)

const (
	RegularTTL     = 4 * time.Hour
	AdminTTL       = 24 * time.Hour
	AdminExtendTTL = 7 * 24 * time.Hour

	FlushDelay    = time.Second
	ReloadAfter   = 5 * time.Second
	SweepInterval = time.Hour

	snapshotName = "sessions"
)

var ErrTokenCollision = errors.New("sessions: could not generate a unique token")

// Options configures a Store.
type Options struct {
	Snapshots persist.Snapshotter // required
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store holds sessions keyed by username.
type Store struct {
	mu       sync.Mutex
	saveMu   sync.Mutex // orders snapshot writes
	sessions map[string]model.Session
	snap     persist.Snapshotter
	logger   *slog.Logger
	now      func() time.Time

	dirty      bool
	flushTimer *time.Timer
	lastLoad   time.Time
	saving     int // flushes between copy and Save returning
	closed     bool

	newToken func() (string, error)
}

// Open loads the persisted sessions and drops the ones that already expired.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Snapshots == nil {
		return nil, errors.New("sessions: missing snapshot backend")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("sessions")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		sessions: make(map[string]model.Session),
		snap:     opts.Snapshots,
		logger:   opts.Logger,
		now:      opts.Now,
		newToken: crypto.GenerateToken,
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	now := s.now()
	for name, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, name)
		}
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	loaded := make(map[string]model.Session)
	if _, err := s.snap.Load(ctx, snapshotName, &loaded); err != nil {
		return fmt.Errorf("sessions: load: %w", err)
	}
	s.sessions = loaded
	s.lastLoad = s.now()
	return nil
}

// Create issues a fresh session for username, replacing any existing one.
func (s *Store) Create(username, ip, userAgent string, isAdmin bool) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	for range 5 {
		t, err := s.newToken()
		if err != nil {
			return model.Session{}, err
		}
		if !s.tokenInUseLocked(t) {
			token = t
			break
		}
	}
	if token == "" {
		return model.Session{}, ErrTokenCollision
	}

	now := s.now()
	ttl := RegularTTL
	if isAdmin {
		ttl = AdminTTL
	}
	sess := model.Session{
		Username:     username,
		Token:        token,
		ExpiresAt:    now.Add(ttl),
		IP:           ip,
		UserAgent:    userAgent,
		LastActivity: now,
		IsAdmin:      isAdmin,
	}
	s.sessions[username] = sess
	s.scheduleFlushLocked()
	return sess, nil
}

func (s *Store) tokenInUseLocked(token string) bool {
	now := s.now()
	for _, sess := range s.sessions {
		if !sess.Expired(now) && sess.Token == token {
			return true
		}
	}
	return false
}

// Validate reports whether token is the live session token for username.
func (s *Store) Validate(username, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookupLocked(username)
	if !ok {
		return false
	}
	now := s.now()
	if sess.Expired(now) {
		delete(s.sessions, username)
		s.scheduleFlushLocked()
		return false
	}
	if !crypto.Equal(sess.Token, token) {
		return false
	}
	sess.LastActivity = now
	s.sessions[username] = sess
	return true
}

// lookupLocked falls back to the backend on a miss, at most once per
// ReloadAfter and never while local changes are unflushed.
func (s *Store) lookupLocked(username string) (model.Session, bool) {
	if sess, ok := s.sessions[username]; ok {
		return sess, true
	}
	if s.dirty || s.saving > 0 || s.now().Sub(s.lastLoad) < ReloadAfter {
		return model.Session{}, false
	}
	if err := s.load(context.Background()); err != nil {
		s.logger.Error("reload sessions failed", "err", err)
		return model.Session{}, false
	}
	sess, ok := s.sessions[username]
	return sess, ok
}

// Get returns the session for username without validating a token.
func (s *Store) Get(username string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[username]
	if !ok || sess.Expired(s.now()) {
		return model.Session{}, false
	}
	return sess, true
}

// Extend pushes the expiry of an existing session forward.
func (s *Store) Extend(username string, isAdmin bool) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[username]
	if !ok {
		return model.Session{}, false
	}
	now := s.now()
	ttl := RegularTTL
	if isAdmin {
		ttl = AdminExtendTTL
	}
	sess.ExpiresAt = now.Add(ttl)
	sess.LastActivity = now
	sess.IsAdmin = isAdmin
	s.sessions[username] = sess
	s.scheduleFlushLocked()
	return sess, true
}

// Delete removes the session for username.
func (s *Store) Delete(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[username]; !ok {
		return
	}
	delete(s.sessions, username)
	s.scheduleFlushLocked()
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep purges expired sessions, flushes, and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	for name, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, name)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("expired sessions swept", "count", removed)
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("flush sessions failed", "err", err)
		}
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Store) scheduleFlushLocked() {
	s.dirty = true
	if s.closed || s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(FlushDelay, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("flush sessions failed", "err", err)
		}
	})
}

// Flush writes the current sessions if anything changed since the last write.
// Flushes are serialized, so a later copy is never overwritten by an earlier
// one.
func (s *Store) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	out := maps.Clone(s.sessions)
	s.dirty = false
	s.saving++
	s.mu.Unlock()

	err := s.snap.Save(ctx, snapshotName, out)
	s.mu.Lock()
	s.saving--
	if err != nil {
		s.dirty = true
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sessions: save: %w", err)
	}
	return nil
}

// Close stops the debounce timer and writes pending changes.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}
