package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxEnvelope caps an inbound signaling message.
const MaxEnvelope = 1 << 20

// Envelope is one signaling message in either direction. Ack is set by the
// client on requests that expect a reply; the reply carries the same Ack
// with Event set to EventAck.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventAck marks a reply envelope.
const EventAck = "ack"

// Reply is the body of an ack envelope.
type Reply struct {
	OK    bool        `json:"ok"`
	Data  any         `json:"data,omitempty"`
	Error *ReplyError `json:"error,omitempty"`
}

// ReplyError is the machine-readable failure carried by a Reply.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire error codes.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeForbidden          = "forbidden"
	CodeNotInRoom          = "not_in_room"
	CodeNotAuthenticated   = "not_authenticated"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidSession     = "invalid_session"
	CodePendingApproval    = "pending_approval"
	CodeRoomFull           = "room_full"
	CodeDuplicateUsername  = "duplicate_username"
	CodeNotFound           = "not_found"
	CodeUsernameTaken      = "username_taken"
	CodeWrongPassword      = "wrong_password"
	CodeRateLimited        = "rate_limited"
	CodeServerError        = "server_error"
	CodeUnknownEvent       = "unknown_event"
)

// DecodeEnvelope parses one inbound message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelope {
		return Envelope{}, fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: missing event name")
	}
	return env, nil
}

// NewEvent builds a server-pushed event.
func NewEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// NewAck builds the reply to request ack.
func NewAck(ack uint64, reply Reply) ([]byte, error) {
	raw, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal ack: %w", err)
	}
	return json.Marshal(Envelope{Event: EventAck, Ack: ack, Data: raw})
}
