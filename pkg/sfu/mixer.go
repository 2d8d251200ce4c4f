// Package sfu mixes the audio of a room on the server. Each peer's Opus
// frames are decoded into a short jitter queue; every tick each listener
// gets the sum of everyone else, re-encoded.
package sfu

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/metrics"
	"github.com/NicolasHaas/gojam/pkg/protocol"
)

type peer struct {
	dec Decoder
	enc Encoder
	buf jitterBuffer
}

// Mixer mixes one room.
type Mixer struct {
	mu     sync.Mutex
	room   string
	codec  Codec
	shared Encoder
	peers  map[protocol.SessionID]*peer

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMixer creates an empty mixer for room.
func NewMixer(room string, codec Codec, m *metrics.Metrics, logger *slog.Logger) (*Mixer, error) {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = logging.Component("sfu")
	}
	shared, err := codec.NewEncoder()
	if err != nil {
		return nil, err
	}
	return &Mixer{
		room:    room,
		codec:   codec,
		shared:  shared,
		peers:   make(map[protocol.SessionID]*peer),
		metrics: m,
		logger:  logger.With("room", room),
	}, nil
}

// AddPeer allocates codec state for id. Adding a known peer is a no-op.
func (m *Mixer) AddPeer(id protocol.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addPeerLocked(id)
}

func (m *Mixer) addPeerLocked(id protocol.SessionID) error {
	if _, ok := m.peers[id]; ok {
		return nil
	}
	dec, err := m.codec.NewDecoder()
	if err != nil {
		return fmt.Errorf("sfu: add peer: %w", err)
	}
	enc, err := m.codec.NewEncoder()
	if err != nil {
		return fmt.Errorf("sfu: add peer: %w", err)
	}
	m.peers[id] = &peer{dec: dec, enc: enc}
	return nil
}

// RemovePeer releases id's codec state.
func (m *Mixer) RemovePeer(id protocol.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// PeerCount returns the number of peers.
func (m *Mixer) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Buffered returns how many frames id has queued.
func (m *Mixer) Buffered(id protocol.SessionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		return p.buf.len()
	}
	return 0
}

// DecodePacket decodes frame from id into its jitter buffer. Unknown peers
// are added first. Decode failures are counted and otherwise ignored.
func (m *Mixer) DecodePacket(id protocol.SessionID, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.addPeerLocked(id); err != nil {
		m.logger.Error("mixer peer setup failed", "session", id.String(), "err", err)
		return
	}
	p := m.peers[id]
	pcm, err := p.dec.Decode(frame)
	if err != nil {
		m.metrics.DecodeErrors.Add(1)
		m.logger.Debug("decode failed", "session", id.String(), "err", err)
		return
	}
	p.buf.push(pcm)
}

// MixForPeer pops one frame from every peer except exclude and encodes the
// mix with the shared encoder. It returns nil when nobody contributed.
func (m *Mixer) MixForPeer(exclude protocol.SessionID) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var frames [][]int16
	for id, p := range m.peers {
		if id == exclude {
			continue
		}
		if f, ok := p.buf.pop(); ok {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		return nil
	}
	out, err := m.shared.Encode(Mix(frames))
	if err != nil {
		m.metrics.EncodeErrors.Add(1)
		m.logger.Error("encode mix failed", "err", err)
		return nil
	}
	return out
}

// MixRound pops one frame per peer and returns, for every peer, the mix of
// everyone else encoded with that peer's own encoder. Peers with nothing to
// hear are left out.
func (m *Mixer) MixRound() map[protocol.SessionID][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	popped := make(map[protocol.SessionID][]int16, len(m.peers))
	for id, p := range m.peers {
		if f, ok := p.buf.pop(); ok {
			popped[id] = f
		}
	}
	if len(popped) == 0 {
		return nil
	}

	out := make(map[protocol.SessionID][]byte, len(m.peers))
	frames := make([][]int16, 0, len(popped))
	for listener, p := range m.peers {
		frames = frames[:0]
		for id, f := range popped {
			if id != listener {
				frames = append(frames, f)
			}
		}
		if len(frames) == 0 {
			continue
		}
		enc, err := p.enc.Encode(Mix(frames))
		if err != nil {
			m.metrics.EncodeErrors.Add(1)
			m.logger.Error("encode mix failed", "session", listener.String(), "err", err)
			continue
		}
		out[listener] = enc
	}
	return out
}

// Close drops every peer.
func (m *Mixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = make(map[protocol.SessionID]*peer)
}

// Mix sums frames sample by sample in int32, clamps the sum to int16 once
// and, with more than one source, scales it by 1/sqrt(n). The result does
// not depend on the order of frames.
func Mix(frames [][]int16) []int16 {
	n := 0
	for _, f := range frames {
		n = max(n, len(f))
	}
	out := make([]int16, n)
	if len(frames) == 0 {
		return out
	}

	acc := make([]int32, n)
	for _, f := range frames {
		for i, s := range f {
			acc[i] += int32(s)
		}
	}
	for i, v := range acc {
		acc[i] = clamp16(v)
	}

	scale := 1.0
	if len(frames) > 1 {
		scale = 1 / math.Sqrt(float64(len(frames)))
	}
	for i, v := range acc {
		if scale == 1 {
			out[i] = int16(v)
			continue
		}
		out[i] = int16(clamp16(int32(math.Round(float64(v) * scale))))
	}
	return out
}

func clamp16(v int32) int32 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}
