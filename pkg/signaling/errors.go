package signaling

import (
	"errors"
	"strings"

	"github.com/NicolasHaas/gojam/pkg/audit"
	"github.com/NicolasHaas/gojam/pkg/credentials"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/protocol"
	"github.com/NicolasHaas/gojam/pkg/rooms"
	"github.com/NicolasHaas/gojam/pkg/security"
	"github.com/NicolasHaas/gojam/pkg/sfu"
	"github.com/NicolasHaas/gojam/pkg/turn"
)

// wireError is an error raised by a handler with its wire code already chosen.
type wireError struct {
	code string
	msg  string
}

func (e *wireError) Error() string { return e.code + ": " + e.msg }

func badRequest(msg string) error { return &wireError{code: protocol.CodeInvalidRequest, msg: msg} }

func forbidden(msg string) error { return &wireError{code: protocol.CodeForbidden, msg: msg} }

var errPanic = errors.New("signaling: handler panic")

var codeTable = []struct {
	err  error
	code string
}{
	{credentials.ErrInvalidCredentials, protocol.CodeInvalidCredentials},
	{credentials.ErrPendingApproval, protocol.CodePendingApproval},
	{credentials.ErrUsernameTaken, protocol.CodeUsernameTaken},
	{credentials.ErrNotFound, protocol.CodeNotFound},
	{credentials.ErrInvalidAvatar, protocol.CodeInvalidRequest},
	{model.ErrUsernameEmpty, protocol.CodeInvalidRequest},
	{model.ErrUsernameTooLong, protocol.CodeInvalidRequest},
	{model.ErrUsernameInvalidChars, protocol.CodeInvalidRequest},
	{model.ErrPasswordTooShort, protocol.CodeInvalidRequest},
	{model.ErrPasswordTooLong, protocol.CodeInvalidRequest},
	{model.ErrInvalidRole, protocol.CodeInvalidRequest},
	{rooms.ErrInvalidName, protocol.CodeInvalidRequest},
	{rooms.ErrInvalidMessage, protocol.CodeInvalidRequest},
	{rooms.ErrInvalidRole, protocol.CodeInvalidRequest},
	{rooms.ErrInvalidBPM, protocol.CodeInvalidRequest},
	{rooms.ErrUnknownSetting, protocol.CodeInvalidRequest},
	{rooms.ErrInvalidSetting, protocol.CodeInvalidRequest},
	{rooms.ErrRoomExists, protocol.CodeInvalidRequest},
	{rooms.ErrForbidden, protocol.CodeForbidden},
	{rooms.ErrNotMember, protocol.CodeNotInRoom},
	{rooms.ErrNotFound, protocol.CodeNotFound},
	{rooms.ErrRoomFull, protocol.CodeRoomFull},
	{rooms.ErrDuplicateUsername, protocol.CodeDuplicateUsername},
	{rooms.ErrWrongPassword, protocol.CodeWrongPassword},
	{protocol.ErrInvalidSession, protocol.CodeInvalidSession},
	{security.ErrInvalidEntry, protocol.CodeInvalidRequest},
	{turn.ErrInvalidIdentity, protocol.CodeInvalidRequest},
	{sfu.ErrUnavailable, protocol.CodeInvalidRequest},
}

// classify maps a handler error to a wire code and a client-safe message.
// Unknown errors are logged and reported as server_error.
func (d *Dispatcher) classify(event string, c *Client, err error) (code, msg string) {
	var we *wireError
	if errors.As(err, &we) {
		return we.code, we.msg
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			code = e.code
			break
		}
	}
	switch code {
	case "":
		d.Logger.Error("event handler failed", "event", event, "conn", c.ID(), "err", err)
		return protocol.CodeServerError, "internal error"
	case protocol.CodeInvalidCredentials:
		return code, "invalid username or password"
	case protocol.CodeWrongPassword:
		d.Audit.Record(audit.KindRoomPasswordFail, map[string]any{"user": c.Username(), "ip": c.conn.IP()})
	case protocol.CodeForbidden:
		d.Audit.Record(audit.KindForbidden, map[string]any{"user": c.Username(), "event": event})
	}
	return code, clientMessage(err)
}

// clientMessage drops the package prefixes from a wrapped error chain.
func clientMessage(err error) string {
	parts := strings.Split(err.Error(), ": ")
	out := parts[:0]
	for _, p := range parts {
		switch p {
		case "credentials", "rooms", "protocol", "security", "turn", "sfu", "sessions":
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ": ")
}
