package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const ChatMaxBodyLength = 1000

var ErrChatBodyTooLong = fmt.Errorf("message body exceeds %d characters", ChatMaxBodyLength)
var ErrChatBodyEmpty = errors.New("message body cannot be empty")

// ChatMessage is one entry of a room's chat history.
type ChatMessage struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the message body bounds.
func (m *ChatMessage) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrChatBodyEmpty
	} else if utf8.RuneCountInString(m.Text) > ChatMaxBodyLength {
		return ErrChatBodyTooLong
	}
	return nil
}

// SanitizeText strips control characters from user-supplied text and
// collapses newlines to spaces.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
