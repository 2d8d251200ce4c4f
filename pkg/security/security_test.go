package security

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gojam/pkg/audit"
	"github.com/NicolasHaas/gojam/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterFixedWindow(t *testing.T) {
	clk := newFakeClock()
	l := NewLimiterWithClock(3, time.Second, clk.Now)

	for i := 1; i <= 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("Allow #%d: expected allow", i)
		}
	}
	if l.Allow("k") {
		t.Fatalf("Allow #4: expected deny")
	}
	if got := l.Count("k"); got != 4 {
		t.Fatalf("Count: denied requests must still be counted, got %d", got)
	}
	if !l.Allow("other") {
		t.Fatalf("Allow(other): keys must be independent")
	}

	clk.Advance(time.Second)
	if !l.Allow("k") {
		t.Fatalf("Allow after window: expected allow")
	}
}

func TestLimiterSweep(t *testing.T) {
	clk := newFakeClock()
	l := NewLimiterWithClock(10, time.Second, clk.Now)
	for _, k := range []string{"a", "b", "c"} {
		l.Allow(k)
	}
	clk.Advance(2 * time.Second)
	if n := l.Sweep(); n != 3 {
		t.Fatalf("Sweep: expected 3 removed got %d", n)
	}
	if l.Len() != 0 {
		t.Fatalf("Len after sweep: expected 0 got %d", l.Len())
	}
}

func TestLimiterOpportunisticEvictionIsBounded(t *testing.T) {
	clk := newFakeClock()
	l := NewLimiterWithClock(10, time.Second, clk.Now)
	for i := 0; i < 50; i++ {
		l.Allow(string(rune('A' + i)))
	}
	clk.Advance(2 * time.Second)
	l.Allow("fresh")
	// at most opportunisticEvictions stale windows go per call
	if got := l.Len(); got < 50+1-opportunisticEvictions {
		t.Fatalf("Len: expected at least %d tracked keys, got %d", 50+1-opportunisticEvictions, got)
	}
}

func newTestPolicy(t *testing.T, clk *fakeClock) (*Policy, *audit.Log) {
	t.Helper()
	log := audit.New(100, logging.Discard())
	return NewPolicyWithClock(DefaultPolicyConfig(), nil, log, logging.Discard(), clk.Now), log
}

func TestPolicyIPLimit(t *testing.T) {
	clk := newFakeClock()
	p, _ := newTestPolicy(t, clk)

	for i := 1; i <= 100; i++ {
		if err := p.Check("10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: unexpected %v", i, err)
		}
	}
	if err := p.Check("10.0.0.1", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 101: expected ErrRateLimited got %v", err)
	}

	clk.Advance(60 * time.Second)
	if err := p.Check("10.0.0.1", ""); err != nil {
		t.Fatalf("after window: unexpected %v", err)
	}
}

func TestPolicyUserLimit(t *testing.T) {
	clk := newFakeClock()
	p, _ := newTestPolicy(t, clk)

	for i := 0; i < 50; i++ {
		ip := "10.0.1." + string(rune('0'+i%10))
		if err := p.Check(ip, "alice"); err != nil {
			t.Fatalf("request %d: unexpected %v", i+1, err)
		}
	}
	if err := p.Check("10.0.2.1", "alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 51: expected ErrRateLimited got %v", err)
	}
	if err := p.Check("10.0.2.1", "bob"); err != nil {
		t.Fatalf("other user: unexpected %v", err)
	}
}

func TestPolicyPenaltyEscalation(t *testing.T) {
	clk := newFakeClock()
	p, log := newTestPolicy(t, clk)
	ip := "203.0.113.9"

	for i := 0; i < 100; i++ {
		_ = p.Check(ip, "")
	}
	for i := 0; i < 3; i++ {
		if err := p.Check(ip, ""); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("violation %d: expected ErrRateLimited got %v", i+1, err)
		}
	}
	if !p.Penalized(ip) {
		t.Fatalf("expected ip to be penalized after 3 violations")
	}

	// The penalty outlasts the rate window.
	clk.Advance(61 * time.Second)
	if err := p.Check(ip, ""); !errors.Is(err, ErrIPBlocked) {
		t.Fatalf("during penalty: expected ErrIPBlocked got %v", err)
	}
	if err := p.CheckConnect(ip); !errors.Is(err, ErrIPBlocked) {
		t.Fatalf("CheckConnect during penalty: expected ErrIPBlocked got %v", err)
	}

	clk.Advance(5 * time.Minute)
	if err := p.Check(ip, ""); err != nil {
		t.Fatalf("after penalty: unexpected %v", err)
	}

	var penalized int
	for _, e := range log.Entries() {
		if e.Kind == audit.KindIPPenalized {
			penalized++
		}
	}
	if penalized != 1 {
		t.Fatalf("audit: expected 1 penalty entry got %d", penalized)
	}
}

func TestWhitelistPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")

	w, err := LoadWhitelist(path, logging.Discard())
	if err != nil {
		t.Fatalf("LoadWhitelist(missing): %v", err)
	}
	if w.Enabled() || !w.Allowed("198.51.100.7") {
		t.Fatalf("missing file must mean disabled and allow all")
	}

	if err := w.Add("10.1.0.0/16"); err != nil {
		t.Fatalf("Add cidr: %v", err)
	}
	if err := w.Add("198.51.100.7"); err != nil {
		t.Fatalf("Add ip: %v", err)
	}
	if err := w.Add("not-an-ip"); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("Add invalid: expected ErrInvalidEntry got %v", err)
	}
	w.SetEnabled(true)

	reloaded, err := LoadWhitelist(path, logging.Discard())
	if err != nil {
		t.Fatalf("LoadWhitelist: %v", err)
	}
	if diff := cmp.Diff([]string{"10.1.0.0/16", "198.51.100.7"}, reloaded.Entries()); diff != "" {
		t.Fatalf("Entries mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.44.2", true},
		{"198.51.100.7", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"10.2.0.1", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := reloaded.Allowed(tt.ip); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if !reloaded.Remove("198.51.100.7") {
		t.Fatalf("Remove: expected entry to exist")
	}
	if reloaded.Allowed("198.51.100.7") {
		t.Fatalf("Allowed after Remove: expected false")
	}
}

func TestWhitelistBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	if err := os.WriteFile(path, []byte("enabled: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadWhitelist(path, logging.Discard()); err == nil {
		t.Fatalf("LoadWhitelist: expected parse error")
	}
}

func TestCheckConnectWhitelist(t *testing.T) {
	w, _ := LoadWhitelist("", logging.Discard())
	_ = w.Add("192.0.2.1")
	w.SetEnabled(true)

	log := audit.New(10, logging.Discard())
	p := NewPolicy(DefaultPolicyConfig(), w, log, logging.Discard())

	if err := p.CheckConnect("192.0.2.1"); err != nil {
		t.Fatalf("CheckConnect listed: %v", err)
	}
	if err := p.CheckConnect("192.0.2.2"); !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("CheckConnect unlisted: expected ErrNotWhitelisted got %v", err)
	}
	if log.Len() != 1 {
		t.Fatalf("audit: expected 1 entry got %d", log.Len())
	}
}
