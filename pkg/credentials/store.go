// Package credentials owns user accounts: approved users, pending signups,
// password verification and avatar bookkeeping.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gojam/pkg/crypto"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/persist"
)

var (
	ErrUsernameTaken      = errors.New("credentials: username already taken")
	ErrNotFound           = errors.New("credentials: user not found")
	ErrInvalidCredentials = errors.New("credentials: invalid credentials")
	ErrPendingApproval    = errors.New("credentials: account pending approval")
)

const snapshotName = "users"

type snapshot struct {
	Users   map[string]model.User        `json:"users"`
	Pending map[string]model.PendingUser `json:"pending"`
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{Users: maps.Clone(s.Users), Pending: maps.Clone(s.Pending)}
}

// Options configures a Store.
type Options struct {
	Snapshots persist.Snapshotter // required
	Avatars   *AvatarStore        // nil disables avatar uploads
	Argon2    crypto.Argon2Params // zero value means crypto.DefaultArgon2Params
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store is the credential store. Every mutation runs as one load-mutate-save
// cycle under a single writer lock; the in-memory snapshot is updated before
// the write so a failed save only loses durability.
type Store struct {
	mu      sync.Mutex
	state   *snapshot
	snap    persist.Snapshotter
	avatars *AvatarStore
	params  crypto.Argon2Params
	logger  *slog.Logger
	now     func() time.Time

	dummyHash string // verified against when the username is unknown
}

// Open loads the user snapshot. A missing snapshot is an empty store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Snapshots == nil {
		return nil, errors.New("credentials: missing snapshot backend")
	}
	if opts.Argon2 == (crypto.Argon2Params{}) {
		opts.Argon2 = crypto.DefaultArgon2Params()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	state := &snapshot{}
	if _, err := opts.Snapshots.Load(ctx, snapshotName, state); err != nil {
		return nil, fmt.Errorf("credentials: load: %w", err)
	}
	if state.Users == nil {
		state.Users = make(map[string]model.User)
	}
	if state.Pending == nil {
		state.Pending = make(map[string]model.PendingUser)
	}

	dummy, err := crypto.HashPassword("gojam-timing-equalizer", opts.Argon2)
	if err != nil {
		return nil, fmt.Errorf("credentials: init: %w", err)
	}

	return &Store{
		state:     state,
		snap:      opts.Snapshots,
		avatars:   opts.Avatars,
		params:    opts.Argon2,
		logger:    opts.Logger,
		now:       opts.Now,
		dummyHash: dummy,
	}, nil
}

// update runs fn against a copy of the state and, if fn succeeds, installs
// the copy and writes it back.
func (s *Store) update(ctx context.Context, fn func(st *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	if err := s.snap.Save(ctx, snapshotName, work); err != nil {
		s.logger.Error("persist users failed", "err", err)
	}
	return nil
}

// Signup records a pending account.
func (s *Store) Signup(ctx context.Context, username, password string) error {
	if err := model.ValidateUsername(username); err != nil {
		return err
	}
	if err := model.ValidatePassword(password); err != nil {
		return err
	}
	hash, err := crypto.HashPassword(password, s.params)
	if err != nil {
		return fmt.Errorf("credentials: hash: %w", err)
	}
	return s.update(ctx, func(st *snapshot) error {
		if _, ok := st.Users[username]; ok {
			return ErrUsernameTaken
		}
		if _, ok := st.Pending[username]; ok {
			return ErrUsernameTaken
		}
		st.Pending[username] = model.PendingUser{
			Username:     username,
			PasswordHash: hash,
			RequestedAt:  s.now(),
		}
		return nil
	})
}

// Authenticate verifies a password. Unknown users and wrong passwords both
// return ErrInvalidCredentials. ErrPendingApproval is only returned when the
// password matches a pending signup.
func (s *Store) Authenticate(_ context.Context, username, password string) (model.User, error) {
	s.mu.Lock()
	user, isUser := s.state.Users[username]
	pending, isPending := s.state.Pending[username]
	s.mu.Unlock()

	hash := s.dummyHash
	switch {
	case isUser:
		hash = user.PasswordHash
	case isPending:
		hash = pending.PasswordHash
	}

	ok, err := crypto.VerifyPassword(password, hash)
	if err != nil {
		s.logger.Error("stored password hash unreadable", "user", username, "err", err)
		return model.User{}, ErrInvalidCredentials
	}
	switch {
	case !ok || (!isUser && !isPending):
		return model.User{}, ErrInvalidCredentials
	case isPending:
		return model.User{}, ErrPendingApproval
	case !user.Approved:
		return model.User{}, ErrPendingApproval
	}
	return user, nil
}

// Approve promotes a pending signup to a regular, non-admin user.
func (s *Store) Approve(ctx context.Context, username string) (model.User, error) {
	var user model.User
	err := s.update(ctx, func(st *snapshot) error {
		p, ok := st.Pending[username]
		if !ok {
			return ErrNotFound
		}
		user = model.User{
			Username:     p.Username,
			PasswordHash: p.PasswordHash,
			Approved:     true,
			IsAdmin:      false,
			Avatar:       "",
			CreatedAt:    s.now(),
			Settings:     map[string]any{},
		}
		st.Users[username] = user
		delete(st.Pending, username)
		return nil
	})
	return user, err
}

// Reject drops a pending signup.
func (s *Store) Reject(ctx context.Context, username string) error {
	return s.update(ctx, func(st *snapshot) error {
		if _, ok := st.Pending[username]; !ok {
			return ErrNotFound
		}
		delete(st.Pending, username)
		return nil
	})
}

// Delete removes a user and its avatar file. Session revocation is up to
// the caller.
func (s *Store) Delete(ctx context.Context, username string) (model.User, error) {
	var removed model.User
	err := s.update(ctx, func(st *snapshot) error {
		u, ok := st.Users[username]
		if !ok {
			return ErrNotFound
		}
		removed = u
		delete(st.Users, username)
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	if s.avatars != nil && removed.Avatar != "" {
		if err := s.avatars.Remove(removed.Avatar); err != nil {
			s.logger.Error("remove avatar failed", "user", username, "err", err)
		}
	}
	return removed, nil
}

// SetAdmin grants or revokes the admin flag.
func (s *Store) SetAdmin(ctx context.Context, username string, isAdmin bool) (model.User, error) {
	return s.modifyUser(ctx, username, func(u *model.User) error {
		u.IsAdmin = isAdmin
		return nil
	})
}

// ChangePassword replaces the password after checking the current one.
func (s *Store) ChangePassword(ctx context.Context, username, current, next string) error {
	if _, err := s.Authenticate(ctx, username, current); err != nil {
		return err
	}
	if err := model.ValidatePassword(next); err != nil {
		return err
	}
	hash, err := crypto.HashPassword(next, s.params)
	if err != nil {
		return fmt.Errorf("credentials: hash: %w", err)
	}
	_, err = s.modifyUser(ctx, username, func(u *model.User) error {
		u.PasswordHash = hash
		return nil
	})
	return err
}

// UpdateSettings replaces the free-form settings blob.
func (s *Store) UpdateSettings(ctx context.Context, username string, settings map[string]any) (model.User, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	return s.modifyUser(ctx, username, func(u *model.User) error {
		u.Settings = settings
		return nil
	})
}

// SetAvatar stores a new avatar image and records its URL. A previous file
// with a different extension is removed.
func (s *Store) SetAvatar(ctx context.Context, username, ext string, data []byte) (model.User, error) {
	if s.avatars == nil {
		return model.User{}, fmt.Errorf("%w: uploads disabled", ErrInvalidAvatar)
	}
	if _, ok := s.Get(username); !ok {
		return model.User{}, ErrNotFound
	}
	ref, err := s.avatars.Save(username, ext, data)
	if err != nil {
		return model.User{}, err
	}

	var previous string
	user, err := s.modifyUser(ctx, username, func(u *model.User) error {
		previous = u.Avatar
		u.Avatar = ref
		return nil
	})
	if err != nil {
		// The user went away while the file was being written.
		_ = s.avatars.Remove(ref)
		return model.User{}, err
	}
	if previous != "" && previous != ref {
		if err := s.avatars.Remove(previous); err != nil {
			s.logger.Error("remove old avatar failed", "user", username, "err", err)
		}
	}
	return user, nil
}

// RemoveAvatar clears the avatar and deletes its file.
func (s *Store) RemoveAvatar(ctx context.Context, username string) (model.User, error) {
	var previous string
	user, err := s.modifyUser(ctx, username, func(u *model.User) error {
		previous = u.Avatar
		u.Avatar = ""
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	if s.avatars != nil && previous != "" {
		if err := s.avatars.Remove(previous); err != nil {
			s.logger.Error("remove avatar failed", "user", username, "err", err)
		}
	}
	return user, nil
}

// Bootstrap creates an approved admin account when the store has no users.
// It reports whether an account was created.
func (s *Store) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	if err := model.ValidateUsername(username); err != nil {
		return false, err
	}
	if err := model.ValidatePassword(password); err != nil {
		return false, err
	}
	if s.Count() > 0 {
		return false, nil
	}
	hash, err := crypto.HashPassword(password, s.params)
	if err != nil {
		return false, fmt.Errorf("credentials: hash: %w", err)
	}
	created := false
	err = s.update(ctx, func(st *snapshot) error {
		if len(st.Users) > 0 {
			return nil
		}
		st.Users[username] = model.User{
			Username:     username,
			PasswordHash: hash,
			Approved:     true,
			IsAdmin:      true,
			CreatedAt:    s.now(),
			Settings:     map[string]any{},
		}
		delete(st.Pending, username)
		created = true
		return nil
	})
	return created, err
}

func (s *Store) modifyUser(ctx context.Context, username string, fn func(u *model.User) error) (model.User, error) {
	var out model.User
	err := s.update(ctx, func(st *snapshot) error {
		u, ok := st.Users[username]
		if !ok {
			return ErrNotFound
		}
		if err := fn(&u); err != nil {
			return err
		}
		st.Users[username] = u
		out = u
		return nil
	})
	return out, err
}

// Get returns an approved user.
func (s *Store) Get(username string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.Users[username]
	return u, ok
}

// Pending returns a pending signup.
func (s *Store) Pending(username string) (model.PendingUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Pending[username]
	return p, ok
}

// List returns all users sorted by username.
func (s *Store) List() []model.User {
	s.mu.Lock()
	out := make([]model.User, 0, len(s.state.Users))
	for _, u := range s.state.Users {
		out = append(out, u)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ListPending returns pending signups, oldest request first.
func (s *Store) ListPending() []model.PendingUser {
	s.mu.Lock()
	out := make([]model.PendingUser, 0, len(s.state.Pending))
	for _, p := range s.state.Pending {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Count returns the number of approved users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Users)
}
