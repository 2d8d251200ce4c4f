package model

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxRoomNameLength = 50

	RoomMinUsers        = 2
	RoomMaxUsers        = 8
	RoomDefaultMaxUsers = 8
	RoomDefaultBitrate  = 96000
	RoomDefaultRate     = 48000
	RoomChatHistory     = 100
	MetronomeMinBPM     = 20
	MetronomeMaxBPM     = 300
	MetronomeDefaultBPM = 120
)

var ErrRoomNameEmpty = errors.New("room name must not be empty")
var ErrRoomNameTooLong = errors.New("room name too long")

// SanitizeRoomName strips control characters and surrounding whitespace and
// checks the result is usable as a room key.
func SanitizeRoomName(name string) (string, error) {
	clean := strings.TrimSpace(SanitizeText(name))
	if clean == "" {
		return "", ErrRoomNameEmpty
	}
	if utf8.RuneCountInString(clean) > MaxRoomNameLength {
		return "", ErrRoomNameTooLong
	}
	return clean, nil
}

// ClampMaxUsers keeps a requested room capacity within [RoomMinUsers, RoomMaxUsers].
// Zero means "unset" and yields the default.
func ClampMaxUsers(n int) int {
	switch {
	case n == 0:
		return RoomDefaultMaxUsers
	case n < RoomMinUsers:
		return RoomMinUsers
	case n > RoomMaxUsers:
		return RoomMaxUsers
	default:
		return n
	}
}
