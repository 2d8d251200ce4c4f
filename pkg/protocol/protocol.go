// Package protocol defines the relay datagram format and the signaling
// event envelope.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// SessionIDSize is the byte size of the session id that prefixes every
	// relay datagram.
	SessionIDSize = 20

	// MaxPayload is the largest payload accepted after the session id.
	MaxPayload = 1500

	// MaxDatagram is the largest datagram accepted on the relay socket.
	MaxDatagram = SessionIDSize + MaxPayload

	// PingByte opens a liveness probe; PongByte opens the reply.
	PingByte byte = 0x50 // 'P'
	PongByte byte = 0x4F // 'O'

	// TimedPingSize is a ping carrying an 8-byte client timestamp.
	TimedPingSize = 9

	// FrameDuration is the Opus frame duration in milliseconds.
	FrameDuration = 20

	// SampleRate is the audio sample rate in Hz.
	SampleRate = 48000

	// AudioChannels is the number of audio channels (mono).
	AudioChannels = 1

	// FrameSize is the number of samples per frame (SampleRate * FrameDuration / 1000).
	FrameSize = SampleRate * FrameDuration / 1000 // 960
)

var (
	ErrShortDatagram  = errors.New("protocol: datagram too short")
	ErrLongDatagram   = errors.New("protocol: datagram too long")
	ErrInvalidSession = errors.New("protocol: invalid session id")
)

// SessionID identifies a relay client. The zero value is reserved for the
// server-side mixer.
type SessionID [SessionIDSize]byte

// MixerSessionID prefixes datagrams produced by the SFU mixer.
var MixerSessionID SessionID

// String returns the hex form of the id.
func (id SessionID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the mixer id.
func (id SessionID) IsZero() bool { return id == MixerSessionID }

// ParseSessionID accepts the 40-character hex form or a raw 20-byte string.
func ParseSessionID(s string) (SessionID, error) {
	var id SessionID
	switch len(s) {
	case hex.EncodedLen(SessionIDSize):
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return SessionID{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
	case SessionIDSize:
		copy(id[:], s)
	default:
		return SessionID{}, fmt.Errorf("%w: length %d", ErrInvalidSession, len(s))
	}
	if id.IsZero() {
		return SessionID{}, fmt.Errorf("%w: reserved id", ErrInvalidSession)
	}
	return id, nil
}

// Datagram is a parsed relay datagram. Payload aliases the input buffer.
type Datagram struct {
	Session SessionID
	Payload []byte
}

// ParseDatagram splits a raw datagram into session id and payload. The
// payload must be 1..MaxPayload bytes.
func ParseDatagram(data []byte) (Datagram, error) {
	if len(data) <= SessionIDSize {
		return Datagram{}, ErrShortDatagram
	}
	if len(data) > MaxDatagram {
		return Datagram{}, ErrLongDatagram
	}
	var d Datagram
	copy(d.Session[:], data[:SessionIDSize])
	d.Payload = data[SessionIDSize:]
	return d, nil
}

// Frame prefixes payload with id, producing a datagram ready to send.
func Frame(id SessionID, payload []byte) []byte {
	buf := make([]byte, SessionIDSize+len(payload))
	copy(buf, id[:])
	copy(buf[SessionIDSize:], payload)
	return buf
}

// IsPing reports whether payload is a plain or timed ping.
func IsPing(payload []byte) bool {
	return (len(payload) == 1 || len(payload) == TimedPingSize) && payload[0] == PingByte
}

// Pong builds the reply to a ping payload. A timed ping gets its timestamp
// echoed back. The reply is not prefixed with a session id.
func Pong(ping []byte) []byte {
	out := make([]byte, len(ping))
	copy(out, ping)
	out[0] = PongByte
	return out
}
