package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/persist"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T, dir string, clk *fakeClock) *Store {
	t.Helper()
	snap, err := persist.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	st, err := Open(context.Background(), Options{Snapshots: snap, Logger: logging.Discard(), Now: clk.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestCreateValidate(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := openStore(t, t.TempDir(), clk)

	sess, err := st.Create("alice", "10.0.0.1", "test-agent", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(sess.Token) != 64 {
		t.Fatalf("Create: expected 64 hex chars, got %d", len(sess.Token))
	}
	if got, want := sess.ExpiresAt.Sub(clk.Now()), RegularTTL; got != want {
		t.Fatalf("Create: expected ttl %v, got %v", want, got)
	}

	tests := []struct {
		name     string
		username string
		token    string
		want     bool
	}{
		{"right token", "alice", sess.Token, true},
		{"wrong token", "alice", "deadbeef", false},
		{"other user", "bob", sess.Token, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := st.Validate(tt.username, tt.token); got != tt.want {
				t.Fatalf("Validate(%q): expected %v, got %v", tt.username, tt.want, got)
			}
		})
	}
}

func TestExpiredSessionIsPurged(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := openStore(t, t.TempDir(), clk)

	sess, err := st.Create("alice", "", "", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(RegularTTL)
	if st.Validate("alice", sess.Token) {
		t.Fatal("Validate: expected expired session to be rejected")
	}
	if st.Count() != 0 {
		t.Fatalf("Validate: expected expired session removed, %d left", st.Count())
	}
}

func TestAdminTTLAndExtend(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := openStore(t, t.TempDir(), clk)

	sess, err := st.Create("root", "", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := sess.ExpiresAt.Sub(clk.Now()); got != AdminTTL {
		t.Fatalf("Create admin: expected %v, got %v", AdminTTL, got)
	}

	clk.Advance(time.Hour)
	ext, ok := st.Extend("root", true)
	if !ok {
		t.Fatal("Extend: expected ok")
	}
	if got := ext.ExpiresAt.Sub(clk.Now()); got != AdminExtendTTL {
		t.Fatalf("Extend admin: expected %v, got %v", AdminExtendTTL, got)
	}
	if ext.Token != sess.Token {
		t.Fatal("Extend: token must not change")
	}
	if _, ok := st.Extend("nobody", false); ok {
		t.Fatal("Extend unknown: expected !ok")
	}
}

func TestCreateReplacesToken(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := openStore(t, t.TempDir(), clk)

	first, _ := st.Create("alice", "", "", false)
	second, _ := st.Create("alice", "", "", false)
	if first.Token == second.Token {
		t.Fatal("Create: expected a fresh token")
	}
	if st.Validate("alice", first.Token) {
		t.Fatal("Validate: old token should be replaced")
	}
	if !st.Validate("alice", second.Token) {
		t.Fatal("Validate: new token should pass")
	}
}

func TestFlushAndReadThrough(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	writer := openStore(t, dir, clk)
	reader := openStore(t, dir, clk)

	sess, err := writer.Create("alice", "", "", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if reader.Validate("alice", sess.Token) {
		t.Fatal("Validate: reader should not reload before the reload interval")
	}
	clk.Advance(ReloadAfter)
	if !reader.Validate("alice", sess.Token) {
		t.Fatal("Validate: reader should pick up the flushed session")
	}
}

func TestSweep(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := openStore(t, t.TempDir(), clk)

	_, _ = st.Create("alice", "", "", false)
	_, _ = st.Create("root", "", "", true)
	clk.Advance(5 * time.Hour)
	if n := st.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep: expected 1 removed, got %d", n)
	}
	if _, ok := st.Get("root"); !ok {
		t.Fatal("Sweep: admin session should survive")
	}
}

func TestDeleteAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := openStore(t, dir, clk)

	_, _ = st.Create("alice", "", "", false)
	bob, _ := st.Create("bob", "", "", false)
	st.Delete("alice")
	if err := st.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again := openStore(t, dir, clk)
	if _, ok := again.Get("alice"); ok {
		t.Fatal("reopen: deleted session came back")
	}
	if !again.Validate("bob", bob.Token) {
		t.Fatal("reopen: bob's session should persist")
	}
}

// gatedSnapshotter holds the next Save until release is closed.
type gatedSnapshotter struct {
	persist.Snapshotter

	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

// holdNextSave arms the gate and returns channels signalling that Save was
// entered and releasing it.
func (g *gatedSnapshotter) holdNextSave() (entered <-chan struct{}, release chan<- struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedSnapshotter) Save(ctx context.Context, name string, v any) error {
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	g.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return g.Snapshotter.Save(ctx, name, v)
}

func openGatedStore(t *testing.T, clk *fakeClock) (*Store, *gatedSnapshotter) {
	t.Helper()
	fs, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	snap := &gatedSnapshotter{Snapshotter: fs}
	st, err := Open(context.Background(), Options{Snapshots: snap, Logger: logging.Discard(), Now: clk.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st, snap
}

func TestOverlappingFlushesKeepDeletion(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st, snap := openGatedStore(t, clk)

	sess, err := st.Create("alice", "", "", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	entered, release := snap.holdNextSave()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- st.Flush(ctx)
	}()
	<-entered

	st.Delete("alice")
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- st.Flush(ctx)
	}()

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	clk.Advance(ReloadAfter + time.Second)
	if st.Validate("alice", sess.Token) {
		t.Fatal("Validate: deleted session came back from disk")
	}
}

func TestNoReloadWhileSaving(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st, snap := openGatedStore(t, clk)

	sess, err := st.Create("alice", "", "", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entered, release := snap.holdNextSave()
	st.Delete("alice")
	done := make(chan error, 1)
	go func() { done <- st.Flush(ctx) }()
	<-entered

	clk.Advance(ReloadAfter + time.Second)
	if st.Validate("alice", sess.Token) {
		t.Fatal("Validate: session reloaded from disk while its deletion was being saved")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if st.Validate("alice", sess.Token) {
		t.Fatal("Validate: deleted session came back after the save")
	}
}
