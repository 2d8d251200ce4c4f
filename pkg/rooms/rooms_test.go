package rooms

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/model"
)

// manualTimers records scheduled callbacks so tests can fire them on demand.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// fire runs every timer that has not been stopped.
func (m *manualTimers) fire() {
	m.mu.Lock()
	pending := m.timers
	m.timers = nil
	m.mu.Unlock()
	for _, t := range pending {
		if !t.stopped {
			t.stopped = true
			t.f()
		}
	}
}

func newTestRegistry(t *testing.T) (*Registry, *manualTimers) {
	t.Helper()
	timers := &manualTimers{}
	reg := NewRegistry(Options{
		AfterFunc:  timers.AfterFunc,
		BcryptCost: bcrypt.MinCost,
		Now:        func() time.Time { return time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC) },
		Logger:     logging.Discard(),
	})
	return reg, timers
}

func TestCreateDefaults(t *testing.T) {
	reg, timers := newTestRegistry(t)

	snap, err := reg.Create("  jam\x07 session ", "c1", "alice", "", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := Settings{
		MaxUsers:   8,
		AudioMode:  AudioMusic,
		Bitrate:    96000,
		SampleRate: 48000,
		SyncMode:   SyncNone,
	}
	if diff := cmp.Diff(want, snap.Settings); diff != "" {
		t.Fatalf("Create: settings mismatch (-want +got):\n%s", diff)
	}
	if snap.Name != "jam session" {
		t.Fatalf("Create: expected sanitized name, got %q", snap.Name)
	}
	if len(timers.timers) != 1 || timers.timers[0].d != DeleteAfter {
		t.Fatalf("Create: expected one %v deletion timer, got %d", DeleteAfter, len(timers.timers))
	}

	if _, err := reg.Create("jam session", "c2", "bob", "", CreateOptions{}); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("Create dup: expected ErrRoomExists, got %v", err)
	}
	if _, err := reg.Create(strings.Repeat("x", 51), "c2", "bob", "", CreateOptions{}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Create long: expected ErrInvalidName, got %v", err)
	}
	if _, err := reg.Create(" \n ", "c2", "bob", "", CreateOptions{}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Create blank: expected ErrInvalidName, got %v", err)
	}
}

func TestCreateClampsCapacity(t *testing.T) {
	tests := []struct{ in, want int }{{0, 8}, {1, 2}, {2, 2}, {5, 5}, {20, 8}}
	for _, tt := range tests {
		reg, _ := newTestRegistry(t)
		snap, err := reg.Create("r", "c1", "a", "", CreateOptions{MaxUsers: tt.in})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if snap.Settings.MaxUsers != tt.want {
			t.Fatalf("Create(MaxUsers=%d): expected %d, got %d", tt.in, tt.want, snap.Settings.MaxUsers)
		}
	}
}

func TestJamCapacityScenario(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Create("jam1", "A", "alice", "", CreateOptions{MaxUsers: 2}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	role, err := reg.Join("jam1", "A", "alice", "", "")
	if err != nil || role != model.RoleHost {
		t.Fatalf("Join A: expected host, got %v (%v)", role, err)
	}
	role, err = reg.Join("jam1", "B", "bob", "", "")
	if err != nil || role != model.RolePerformer {
		t.Fatalf("Join B: expected performer, got %v (%v)", role, err)
	}
	if _, err := reg.Join("jam1", "C", "carol", "", ""); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Join C: expected ErrRoomFull, got %v", err)
	}
	if got := len(reg.Members("jam1")); got != 2 {
		t.Fatalf("Members: expected 2, got %d", got)
	}
}

func TestJoinDuplicateUsername(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
	if _, err := reg.Join("r", "c1", "alice", "", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := reg.Join("r", "c2", "alice", "", ""); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("Join dup: expected ErrDuplicateUsername, got %v", err)
	}
	if _, err := reg.Join("r", "c3", "Alice", "", ""); err != nil {
		t.Fatalf("Join different case: %v", err)
	}
	if _, err := reg.Join("nope", "c4", "dan", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Join missing room: expected ErrNotFound, got %v", err)
	}
}

func TestPasswordProtectedRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Create("locked", "c1", "alice", "hunter22", CreateOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// An empty room admits any password.
	if _, err := reg.Join("locked", "c1", "alice", "", "whatever"); err != nil {
		t.Fatalf("Join empty room: %v", err)
	}
	if _, err := reg.Join("locked", "c2", "bob", "", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Join wrong pw: expected ErrWrongPassword, got %v", err)
	}
	if _, ok := reg.Member("locked", "c2"); ok {
		t.Fatal("Join wrong pw: member must not be added")
	}
	if _, err := reg.Join("locked", "c2", "bob", "", "hunter22"); err != nil {
		t.Fatalf("Join right pw: %v", err)
	}
}

func TestEmptyRoomDeletion(t *testing.T) {
	t.Run("rejoin cancels", func(t *testing.T) {
		reg, timers := newTestRegistry(t)
		_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
		_, _ = reg.Join("r", "c1", "alice", "", "")
		if _, err := reg.Leave("r", "c1"); err != nil {
			t.Fatalf("Leave: %v", err)
		}
		_, _ = reg.Join("r", "c2", "bob", "", "")
		timers.fire()
		if !reg.Exists("r") {
			t.Fatal("room deleted despite rejoin")
		}
	})

	t.Run("expires when empty", func(t *testing.T) {
		reg, timers := newTestRegistry(t)
		var deleted []string
		reg.OnDelete(func(name string) { deleted = append(deleted, name) })
		_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
		_, _ = reg.Join("r", "c1", "alice", "", "")
		_, _ = reg.Leave("r", "c1")
		timers.fire()
		if reg.Exists("r") {
			t.Fatal("room should be deleted after the grace period")
		}
		if diff := cmp.Diff([]string{"r"}, deleted); diff != "" {
			t.Fatalf("OnDelete mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("stale timer ignored", func(t *testing.T) {
		reg, timers := newTestRegistry(t)
		_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
		stale := timers.timers[0]
		_, _ = reg.Join("r", "c1", "alice", "", "")
		// The stopped timer's callback still runs if it raced the stop.
		stale.f()
		if !reg.Exists("r") {
			t.Fatal("stale timer deleted an occupied room")
		}
	})
}

func TestJoinOrCreate(t *testing.T) {
	reg, timers := newTestRegistry(t)

	role, created, err := reg.JoinOrCreate("jam1", "c1", "alice", "", "secret", CreateOptions{MaxUsers: 2})
	if err != nil || !created || role != model.RoleHost {
		t.Fatalf("JoinOrCreate alice: expected created host, got role=%v created=%v err=%v", role, created, err)
	}
	if _, _, err := reg.JoinOrCreate("jam1", "c2", "bob", "", "wrong", CreateOptions{}); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("JoinOrCreate wrong password: expected ErrWrongPassword, got %v", err)
	}
	role, created, err = reg.JoinOrCreate("jam1", "c2", "bob", "", "secret", CreateOptions{})
	if err != nil || created || role != model.RolePerformer {
		t.Fatalf("JoinOrCreate bob: expected joined performer, got role=%v created=%v err=%v", role, created, err)
	}
	if got := len(reg.Members("jam1")); got != 2 {
		t.Fatalf("Members: expected 2, got %d", got)
	}

	for _, id := range []string{"c1", "c2"} {
		if _, err := reg.Leave("jam1", id); err != nil {
			t.Fatalf("Leave %s: %v", id, err)
		}
	}
	timers.fire()
	if reg.Exists("jam1") {
		t.Fatal("jam1: expected deletion after the timer fired")
	}

	role, created, err = reg.JoinOrCreate("jam1", "c2", "bob", "", "", CreateOptions{})
	if err != nil || !created || role != model.RoleHost {
		t.Fatalf("JoinOrCreate after expiry: expected re-created host, got role=%v created=%v err=%v", role, created, err)
	}
	if _, _, err := reg.JoinOrCreate("  ", "c3", "carol", "", "", CreateOptions{}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("JoinOrCreate blank name: expected ErrInvalidName, got %v", err)
	}
}

func TestChatHistoryRing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})

	if _, err := reg.AddMessage("r", "alice", "  "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("AddMessage blank: expected ErrInvalidMessage, got %v", err)
	}
	if _, err := reg.AddMessage("r", "alice", strings.Repeat("a", 1001)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("AddMessage long: expected ErrInvalidMessage, got %v", err)
	}
	msg, err := reg.AddMessage("r", "alice", "hi\nthere\x00")
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if msg.Text != "hi there" {
		t.Fatalf("AddMessage: expected sanitized text, got %q", msg.Text)
	}
	for i := 0; i < 120; i++ {
		if _, err := reg.AddMessage("r", "alice", "x"); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	snap, _ := reg.Snapshot("r")
	if len(snap.Chat) != model.RoomChatHistory {
		t.Fatalf("chat: expected %d kept, got %d", model.RoomChatHistory, len(snap.Chat))
	}
	if snap.Chat[len(snap.Chat)-1].ID != 121 {
		t.Fatalf("chat: expected last id 121, got %d", snap.Chat[len(snap.Chat)-1].ID)
	}
}

func TestUpdateSetting(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
	_, _ = reg.Join("r", "c1", "alice", "", "")
	_, _ = reg.Join("r", "c2", "bob", "", "")

	s, err := ParseSetting("bitrate", json.RawMessage(`128`))
	if err != nil {
		t.Fatalf("ParseSetting: %v", err)
	}
	if _, err := reg.UpdateSetting("r", "c2", false, s); !errors.Is(err, ErrForbidden) {
		t.Fatalf("UpdateSetting non-creator: expected ErrForbidden, got %v", err)
	}
	got, err := reg.UpdateSetting("r", "c1", false, s)
	if err != nil {
		t.Fatalf("UpdateSetting creator: %v", err)
	}
	if got.Bitrate != 128000 {
		t.Fatalf("UpdateSetting: expected 128000 bps, got %d", got.Bitrate)
	}
	mode, _ := ParseSetting("syncMode", json.RawMessage(`"latency"`))
	if _, err := reg.UpdateSetting("r", "c2", true, mode); err != nil {
		t.Fatalf("UpdateSetting admin: %v", err)
	}
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		key     string
		raw     string
		want    Setting
		wantErr error
	}{
		{"audioMode", `"voice"`, AudioMode("voice"), nil},
		{"audioMode", `"loud"`, nil, ErrInvalidSetting},
		{"bitrate", `64`, Bitrate(64000), nil},
		{"bitrate", `192000`, Bitrate(192000), nil},
		{"bitrate", `100`, nil, ErrInvalidSetting},
		{"sampleRate", `44100`, SampleRate(44100), nil},
		{"sampleRate", `22050`, nil, ErrInvalidSetting},
		{"syncMode", `"metronome"`, SyncMode("metronome"), nil},
		{"syncMode", `7`, nil, ErrInvalidSetting},
		{"volume", `1`, nil, ErrUnknownSetting},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.raw, func(t *testing.T) {
			got, err := ParseSetting(tt.key, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestChangeRole(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
	_, _ = reg.Join("r", "c1", "alice", "", "")
	_, _ = reg.Join("r", "c2", "bob", "", "")
	_, _ = reg.Join("r", "c3", "carol", "", "")

	if _, err := reg.ChangeRole("r", "c2", false, "c3", model.RoleListener); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ChangeRole by performer: expected ErrForbidden, got %v", err)
	}
	if _, err := reg.ChangeRole("r", "c1", false, "c3", model.RoleHost); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("ChangeRole to host: expected ErrInvalidRole, got %v", err)
	}
	if _, err := reg.ChangeRole("r", "c2", true, "c1", model.RoleListener); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ChangeRole of host: expected ErrForbidden, got %v", err)
	}
	if _, err := reg.ChangeRole("r", "c1", false, "zz", model.RoleListener); !errors.Is(err, ErrNotMember) {
		t.Fatalf("ChangeRole non-member: expected ErrNotMember, got %v", err)
	}
	m, err := reg.ChangeRole("r", "c1", false, "c3", model.RoleListener)
	if err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	if m.Role != model.RoleListener {
		t.Fatalf("ChangeRole: expected listener, got %v", m.Role)
	}

	// Listeners cannot drive the metronome.
	if _, err := reg.SetMetronome("r", "c3", 100, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("SetMetronome listener: expected ErrForbidden, got %v", err)
	}
}

func TestMetronome(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
	_, _ = reg.Join("r", "c1", "alice", "", "")
	_, _ = reg.Join("r", "c2", "bob", "", "")

	if _, err := reg.SetMetronome("r", "c2", 10, true); !errors.Is(err, ErrInvalidBPM) {
		t.Fatalf("SetMetronome 10: expected ErrInvalidBPM, got %v", err)
	}
	m, err := reg.SetMetronome("r", "c2", 140, true)
	if err != nil {
		t.Fatalf("SetMetronome: %v", err)
	}
	if !m.Playing || m.BPM != 140 || m.StartedAt.IsZero() {
		t.Fatalf("SetMetronome: unexpected state %+v", m)
	}
	m, _ = reg.SetMetronome("r", "c1", 140, false)
	if m.Playing || !m.StartedAt.IsZero() {
		t.Fatalf("SetMetronome stop: unexpected state %+v", m)
	}
}

func TestCloseAndAssignHost(t *testing.T) {
	reg, timers := newTestRegistry(t)
	_, _ = reg.Create("r", "c1", "alice", "", CreateOptions{})
	_, _ = reg.Join("r", "c1", "alice", "", "")
	_, _ = reg.Join("r", "c2", "bob", "", "")

	prev, err := reg.AssignHost("r", "c2")
	if err != nil {
		t.Fatalf("AssignHost: %v", err)
	}
	if prev != "c1" {
		t.Fatalf("AssignHost: expected previous host c1, got %q", prev)
	}
	if m, _ := reg.Member("r", "c1"); m.Role != model.RolePerformer {
		t.Fatalf("AssignHost: old host should be performer, got %v", m.Role)
	}
	if err := reg.SetSFU("r", "c1", false, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("SetSFU old host: expected ErrForbidden, got %v", err)
	}
	if err := reg.SetSFU("r", "c2", false, true); err != nil {
		t.Fatalf("SetSFU new host: %v", err)
	}

	if _, err := reg.Close("r", "c1", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Close by non-creator: expected ErrForbidden, got %v", err)
	}
	evicted, err := reg.Close("r", "c2", false)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(evicted) != 2 {
		t.Fatalf("Close: expected 2 evicted, got %d", len(evicted))
	}
	timers.fire()
	if reg.Count() != 0 {
		t.Fatalf("Close: expected no rooms, got %d", reg.Count())
	}
}

func TestListHidesPrivateRooms(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Create("public", "c1", "alice", "", CreateOptions{})
	_, _ = reg.Create("secret", "c2", "bob", "pw", CreateOptions{IsPrivate: true})

	got := reg.List(false)
	if len(got) != 1 || got[0].Name != "public" {
		t.Fatalf("List(false): expected only public, got %+v", got)
	}
	all := reg.List(true)
	if len(all) != 2 || !all[1].HasPassword {
		t.Fatalf("List(true): unexpected %+v", all)
	}
}
