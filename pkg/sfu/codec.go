package sfu

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/NicolasHaas/gojam/pkg/protocol"
)

// DefaultBitrate is the mix encoder bitrate when none is configured.
const DefaultBitrate = 96000

const maxOpusFrame = 1275 // largest single Opus frame

// Encoder turns one PCM frame into a compressed frame.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Decoder turns one compressed frame into PCM.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
}

// Codec creates encoders and decoders. Each stream gets its own instance
// because Opus keeps state between frames.
type Codec interface {
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
}

// OpusCodec is 48 kHz mono Opus with 20 ms frames, tuned for music.
type OpusCodec struct {
	Bitrate int // zero means DefaultBitrate
}

// NewEncoder creates a new Opus encoder.
func (c OpusCodec) NewEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(protocol.SampleRate, protocol.AudioChannels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("sfu: new encoder: %w", err)
	}
	bitrate := c.Bitrate
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	_ = enc.SetBitrate(bitrate)
	_ = enc.SetInBandFEC(true)    // Forward error correction
	_ = enc.SetPacketLossPerc(10) // Optimize FEC for up to 10% packet loss

	return &opusEncoder{
		enc: enc,
		buf: make([]byte, maxOpusFrame),
	}, nil
}

// NewDecoder creates a new Opus decoder.
func (OpusCodec) NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(protocol.SampleRate, protocol.AudioChannels)
	if err != nil {
		return nil, fmt.Errorf("sfu: new decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

type opusEncoder struct {
	enc *opus.Encoder
	buf []byte // reusable output buffer
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) < protocol.FrameSize {
		padded := make([]int16, protocol.FrameSize)
		copy(padded, pcm)
		pcm = padded
	}
	n, err := e.enc.Encode(pcm[:protocol.FrameSize], e.buf)
	if err != nil {
		return nil, fmt.Errorf("sfu: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

type opusDecoder struct {
	dec *opus.Decoder
}

func (d *opusDecoder) Decode(frame []byte) ([]int16, error) {
	pcm := make([]int16, protocol.FrameSize)
	n, err := d.dec.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("sfu: decode: %w", err)
	}
	return pcm[:n], nil
}
