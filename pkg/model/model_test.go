package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"ok", "hunter22", nil},
		{"min length", strings.Repeat("x", MinPasswordLength), nil},
		{"too short", "abc", ErrPasswordTooShort},
		{"too long", strings.Repeat("x", MaxPasswordLength+1), ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePassword(tt.input); err != tt.wantErr {
				t.Errorf("ValidatePassword(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestRoleRoundTrip(t *testing.T) {
	for _, r := range []Role{RoleListener, RolePerformer, RoleHost} {
		t.Run(r.String(), func(t *testing.T) {
			parsed, err := ParseRole(r.String())
			if err != nil {
				t.Fatalf("ParseRole(%q): %v", r.String(), err)
			}
			if parsed != r {
				t.Fatalf("ParseRole(%q) = %v, want %v", r.String(), parsed, r)
			}
		})
	}
	if _, err := ParseRole("admin"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("ParseRole(admin): expected ErrInvalidRole, got %v", err)
	}
	if Role(7).Valid() {
		t.Fatalf("Role(7).Valid() = true, want false")
	}
}

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Role{"a": RoleHost})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":"host"}` {
		t.Fatalf("marshal: got %s", data)
	}
	var back map[string]Role
	if err := json.Unmarshal([]byte(`{"b":"listener"}`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["b"] != RoleListener {
		t.Fatalf("unmarshal: got %v", back["b"])
	}
}

func TestSanitizeRoomName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"jam1", "jam1", nil},
		{"  padded  ", "padded", nil},
		{"bell\x07room", "bellroom", nil},
		{"   ", "", ErrRoomNameEmpty},
		{strings.Repeat("r", MaxRoomNameLength+1), "", ErrRoomNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeRoomName(tt.in)
			if err != tt.wantErr {
				t.Fatalf("SanitizeRoomName(%q) err = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("SanitizeRoomName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampMaxUsers(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, RoomDefaultMaxUsers},
		{1, 2},
		{2, 2},
		{5, 5},
		{8, 8},
		{50, 8},
		{-3, 2},
	}
	for _, tt := range tests {
		if got := ClampMaxUsers(tt.in); got != tt.want {
			t.Errorf("ClampMaxUsers(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestChatMessageValidate(t *testing.T) {
	ok := ChatMessage{Text: "hello"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	empty := ChatMessage{Text: "   "}
	if err := empty.Validate(); err != ErrChatBodyEmpty {
		t.Fatalf("Validate empty: got %v", err)
	}
	long := ChatMessage{Text: strings.Repeat("x", ChatMaxBodyLength+1)}
	if err := long.Validate(); err != ErrChatBodyTooLong {
		t.Fatalf("Validate long: got %v", err)
	}
	if got := SanitizeText("a\nb\x1b[31m"); got != "a b[31m" {
		t.Fatalf("SanitizeText: got %q", got)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Session{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Fatalf("Expired: session should still be live")
	}
	if !s.Expired(now.Add(time.Minute)) {
		t.Fatalf("Expired: session should be expired at its expiry instant")
	}
}
