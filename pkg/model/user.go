// Package model defines the core domain types for GoJam.
package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxUsernameLength = 32
	MinPasswordLength = 6
	MaxPasswordLength = 128
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
var ErrPasswordTooLong = fmt.Errorf("password must not exceed %d characters", MaxPasswordLength)
var ErrInvalidRole = errors.New("invalid role: must be listener, performer, or host")

// User is an approved account.
type User struct {
	Username     string         `json:"username"`
	PasswordHash string         `json:"password_hash"`
	Approved     bool           `json:"approved"`
	IsAdmin      bool           `json:"is_admin"`
	Avatar       string         `json:"avatar"` // relative URL, empty when unset
	CreatedAt    time.Time      `json:"created_at"`
	Settings     map[string]any `json:"settings"`
}

// Public is the view of a user that is safe to send to clients.
type Public struct {
	Username  string         `json:"username"`
	IsAdmin   bool           `json:"isAdmin"`
	Avatar    string         `json:"avatar,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// Public strips the password hash.
func (u User) Public() Public {
	return Public{
		Username:  u.Username,
		IsAdmin:   u.IsAdmin,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt,
		Settings:  u.Settings,
	}
}

// PendingUser is a signup waiting for admin approval.
type PendingUser struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	RequestedAt  time.Time `json:"requested_at"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidatePassword enforces length bounds only.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if n > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}
