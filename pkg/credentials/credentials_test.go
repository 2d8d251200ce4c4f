package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/NicolasHaas/gojam/pkg/crypto"
	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/persist"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, dir string) (*Store, afero.Fs) {
	t.Helper()
	snap, err := persist.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fs := afero.NewMemMapFs()
	avatars, err := NewAvatarStore(fs, "/avatars", "/avatars")
	if err != nil {
		t.Fatalf("NewAvatarStore: %v", err)
	}
	st, err := Open(context.Background(), Options{
		Snapshots: snap,
		Avatars:   avatars,
		Argon2:    crypto.FastArgon2Params(),
		Logger:    logging.Discard(),
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, fs
}

func TestSignupApprove(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, t.TempDir())

	if err := st.Signup(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, ok := st.Pending("alice"); !ok {
		t.Fatal("Signup: expected pending entry")
	}
	if _, err := st.Authenticate(ctx, "alice", "secret123"); !errors.Is(err, ErrPendingApproval) {
		t.Fatalf("Authenticate pending: expected ErrPendingApproval, got %v", err)
	}
	if _, err := st.Authenticate(ctx, "alice", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate pending wrong pw: expected ErrInvalidCredentials, got %v", err)
	}

	user, err := st.Approve(ctx, "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	want := model.Public{Username: "alice", CreatedAt: testNow, Settings: map[string]any{}}
	if diff := cmp.Diff(want, user.Public()); diff != "" {
		t.Fatalf("Approve: public view mismatch (-want +got):\n%s", diff)
	}
	if !user.Approved || user.IsAdmin || user.Avatar != "" {
		t.Fatalf("Approve: expected approved non-admin without avatar, got %+v", user)
	}
	if _, ok := st.Pending("alice"); ok {
		t.Fatal("Approve: pending entry should be gone")
	}
	if _, err := st.Authenticate(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("Authenticate approved: %v", err)
	}
	if _, err := st.Approve(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Approve twice: expected ErrNotFound, got %v", err)
	}
}

func TestUsernamesAreExclusive(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, t.TempDir())

	if err := st.Signup(ctx, "bob", "secret123"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := st.Signup(ctx, "bob", "other-pass"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("Signup pending dup: expected ErrUsernameTaken, got %v", err)
	}
	if _, err := st.Approve(ctx, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := st.Signup(ctx, "bob", "other-pass"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("Signup user dup: expected ErrUsernameTaken, got %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	st, _ := newTestStore(t, t.TempDir())
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "secret123"},
		{"short password", "carol", "abc"},
		{"bad chars", "ca rol", "secret123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := st.Signup(context.Background(), tt.username, tt.password); err == nil {
				t.Fatalf("Signup(%q, %q): expected error", tt.username, tt.password)
			}
		})
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	st, _ := newTestStore(t, t.TempDir())
	if _, err := st.Authenticate(context.Background(), "ghost", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate unknown: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, t.TempDir())
	if err := st.Signup(ctx, "dave", "secret123"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := st.Reject(ctx, "dave"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := st.Reject(ctx, "dave"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reject twice: expected ErrNotFound, got %v", err)
	}
	if len(st.ListPending()) != 0 {
		t.Fatalf("ListPending: expected empty, got %v", st.ListPending())
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, t.TempDir())
	if _, err := st.Bootstrap(ctx, "admin", "secret123"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := st.ChangePassword(ctx, "admin", "nope-nope", "newsecret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("ChangePassword wrong current: expected ErrInvalidCredentials, got %v", err)
	}
	if err := st.ChangePassword(ctx, "admin", "secret123", "newsecret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := st.Authenticate(ctx, "admin", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate old pw: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := st.Authenticate(ctx, "admin", "newsecret"); err != nil {
		t.Fatalf("Authenticate new pw: %v", err)
	}
}

func TestBootstrapOnlyOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, t.TempDir())

	created, err := st.Bootstrap(ctx, "admin", "secret123")
	if err != nil || !created {
		t.Fatalf("Bootstrap first: created=%v err=%v", created, err)
	}
	u, _ := st.Get("admin")
	if !u.IsAdmin || !u.Approved {
		t.Fatalf("Bootstrap: expected approved admin, got %+v", u)
	}
	created, err = st.Bootstrap(ctx, "other", "secret123")
	if err != nil || created {
		t.Fatalf("Bootstrap second: created=%v err=%v", created, err)
	}
}

func TestAvatarLifecycle(t *testing.T) {
	ctx := context.Background()
	st, fs := newTestStore(t, t.TempDir())
	if _, err := st.Bootstrap(ctx, "erin", "secret123"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	u, err := st.SetAvatar(ctx, "erin", ".PNG", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("SetAvatar: %v", err)
	}
	if u.Avatar != "/avatars/erin.png" {
		t.Fatalf("SetAvatar: expected /avatars/erin.png, got %q", u.Avatar)
	}

	u, err = st.SetAvatar(ctx, "erin", "jpg", []byte("jpg-bytes"))
	if err != nil {
		t.Fatalf("SetAvatar jpg: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/avatars/erin.png"); ok {
		t.Fatal("SetAvatar jpg: old png should be removed")
	}

	if _, err := st.SetAvatar(ctx, "erin", "exe", []byte("x")); !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("SetAvatar exe: expected ErrInvalidAvatar, got %v", err)
	}
	if _, err := st.SetAvatar(ctx, "erin", "png", make([]byte, MaxAvatarBytes+1)); !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("SetAvatar oversized: expected ErrInvalidAvatar, got %v", err)
	}

	if _, err := st.Delete(ctx, "erin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/avatars/erin.jpg"); ok {
		t.Fatalf("Delete: avatar file %q should be removed", u.Avatar)
	}
	if _, ok := st.Get("erin"); ok {
		t.Fatal("Delete: user should be gone")
	}
}

func TestRemoveAvatar(t *testing.T) {
	ctx := context.Background()
	st, fs := newTestStore(t, t.TempDir())
	if _, err := st.Bootstrap(ctx, "fay", "secret123"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := st.SetAvatar(ctx, "fay", "gif", []byte("gif")); err != nil {
		t.Fatalf("SetAvatar: %v", err)
	}
	u, err := st.RemoveAvatar(ctx, "fay")
	if err != nil {
		t.Fatalf("RemoveAvatar: %v", err)
	}
	if u.Avatar != "" {
		t.Fatalf("RemoveAvatar: expected empty avatar, got %q", u.Avatar)
	}
	if ok, _ := afero.Exists(fs, "/avatars/fay.gif"); ok {
		t.Fatal("RemoveAvatar: file should be removed")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, _ := newTestStore(t, dir)
	if _, err := st.Bootstrap(ctx, "admin", "secret123"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := st.UpdateSettings(ctx, "admin", map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if err := st.Signup(ctx, "gus", "secret123"); err != nil {
		t.Fatalf("Signup: %v", err)
	}

	again, _ := newTestStore(t, dir)
	u, ok := again.Get("admin")
	if !ok {
		t.Fatal("reopen: admin missing")
	}
	if diff := cmp.Diff(map[string]any{"theme": "dark"}, u.Settings); diff != "" {
		t.Fatalf("reopen: settings mismatch (-want +got):\n%s", diff)
	}
	if _, ok := again.Pending("gus"); !ok {
		t.Fatal("reopen: pending signup missing")
	}
}

func TestSetAdminUnknownUser(t *testing.T) {
	st, _ := newTestStore(t, t.TempDir())
	if _, err := st.SetAdmin(context.Background(), "nobody", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetAdmin unknown: expected ErrNotFound, got %v", err)
	}
}
