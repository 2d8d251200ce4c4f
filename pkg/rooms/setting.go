package rooms

import (
	"encoding/json"
	"fmt"
)

// Audio and sync modes.
const (
	AudioMusic = "music"
	AudioVoice = "voice"

	SyncNone      = "none"
	SyncMetronome = "metronome"
	SyncLatency   = "latency"
)

var (
	allowedBitratesKbps = []int{64, 96, 128, 192}
	allowedSampleRates  = []int{44100, 48000}
)

// Settings are the tunable parameters of a room.
type Settings struct {
	MaxUsers   int    `json:"maxUsers"`
	IsPrivate  bool   `json:"isPrivate"`
	AudioMode  string `json:"audioMode"`
	Bitrate    int    `json:"bitrate"` // bits per second
	SampleRate int    `json:"sampleRate"`
	SyncMode   string `json:"syncMode"`
}

// Setting is a single validated settings change. The set of variants is
// closed: AudioMode, Bitrate, SampleRate and SyncMode.
type Setting interface {
	Key() string
	Value() any
	apply(*Settings)
}

type (
	AudioMode  string
	Bitrate    int // bits per second
	SampleRate int
	SyncMode   string
)

func (AudioMode) Key() string         { return "audioMode" }
func (m AudioMode) Value() any        { return string(m) }
func (m AudioMode) apply(s *Settings) { s.AudioMode = string(m) }

func (Bitrate) Key() string         { return "bitrate" }
func (b Bitrate) Value() any        { return int(b) }
func (b Bitrate) apply(s *Settings) { s.Bitrate = int(b) }

func (SampleRate) Key() string         { return "sampleRate" }
func (r SampleRate) Value() any        { return int(r) }
func (r SampleRate) apply(s *Settings) { s.SampleRate = int(r) }

func (SyncMode) Key() string         { return "syncMode" }
func (m SyncMode) Value() any        { return string(m) }
func (m SyncMode) apply(s *Settings) { s.SyncMode = string(m) }

// ParseSetting builds a Setting from a wire key and its JSON value.
// Bitrates may be given in kbps or bps.
func ParseSetting(key string, raw json.RawMessage) (Setting, error) {
	switch key {
	case "audioMode":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: audioMode: %v", ErrInvalidSetting, err)
		}
		if v != AudioMusic && v != AudioVoice {
			return nil, fmt.Errorf("%w: audioMode %q", ErrInvalidSetting, v)
		}
		return AudioMode(v), nil
	case "bitrate":
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: bitrate: %v", ErrInvalidSetting, err)
		}
		for _, kbps := range allowedBitratesKbps {
			if v == kbps || v == kbps*1000 {
				return Bitrate(kbps * 1000), nil
			}
		}
		return nil, fmt.Errorf("%w: bitrate %d", ErrInvalidSetting, v)
	case "sampleRate":
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: sampleRate: %v", ErrInvalidSetting, err)
		}
		for _, rate := range allowedSampleRates {
			if v == rate {
				return SampleRate(v), nil
			}
		}
		return nil, fmt.Errorf("%w: sampleRate %d", ErrInvalidSetting, v)
	case "syncMode":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: syncMode: %v", ErrInvalidSetting, err)
		}
		switch v {
		case SyncNone, SyncMetronome, SyncLatency:
			return SyncMode(v), nil
		}
		return nil, fmt.Errorf("%w: syncMode %q", ErrInvalidSetting, v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
}
