package sfu

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/metrics"
	"github.com/NicolasHaas/gojam/pkg/protocol"
)

// TickInterval is one Opus frame.
const TickInterval = protocol.FrameDuration * time.Millisecond

var ErrUnavailable = errors.New("sfu: server-side mixing is disabled")

// DeliverFunc receives the mixes produced for room on one tick.
type DeliverFunc func(room string, mixes map[protocol.SessionID][]byte)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Enabled bool
	Codec   Codec // nil means OpusCodec{}
	Tick    time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager owns one Mixer per room with mixing turned on.
type Manager struct {
	mu      sync.RWMutex
	mixers  map[string]*Mixer
	enabled bool
	codec   Codec
	tick    time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewManager creates a manager with no active rooms.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Codec == nil {
		opts.Codec = OpusCodec{}
	}
	if opts.Tick <= 0 {
		opts.Tick = TickInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("sfu")
	}
	return &Manager{
		mixers:  make(map[string]*Mixer),
		enabled: opts.Enabled,
		codec:   opts.Codec,
		tick:    opts.Tick,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Available reports whether mixing is enabled server-wide.
func (m *Manager) Available() bool { return m.enabled }

// Enable starts mixing room. Enabling an active room is a no-op.
func (m *Manager) Enable(room string) error {
	if !m.enabled {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mixers[room]; ok {
		return nil
	}
	mx, err := NewMixer(room, m.codec, m.metrics, m.logger)
	if err != nil {
		return err
	}
	m.mixers[room] = mx
	m.metrics.MixersCreated.Add(1)
	m.logger.Info("mixer enabled", "room", room)
	return nil
}

// Disable stops mixing room and frees its mixer.
func (m *Manager) Disable(room string) {
	m.mu.Lock()
	mx, ok := m.mixers[room]
	delete(m.mixers, room)
	m.mu.Unlock()
	if ok {
		mx.Close()
		m.logger.Info("mixer disabled", "room", room)
	}
}

// Active reports whether room is mixed on the server.
func (m *Manager) Active(room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mixers[room]
	return ok
}

func (m *Manager) mixer(room string) *Mixer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mixers[room]
}

// AddPeer registers id with room's mixer, if the room is active.
func (m *Manager) AddPeer(room string, id protocol.SessionID) error {
	if mx := m.mixer(room); mx != nil {
		return mx.AddPeer(id)
	}
	return nil
}

// RemovePeer drops id from room's mixer, if the room is active.
func (m *Manager) RemovePeer(room string, id protocol.SessionID) {
	if mx := m.mixer(room); mx != nil {
		mx.RemovePeer(id)
	}
}

// Ingest decodes a frame from id into room's mixer.
func (m *Manager) Ingest(room string, id protocol.SessionID, payload []byte) {
	if mx := m.mixer(room); mx != nil {
		mx.DecodePacket(id, payload)
	}
}

// Rooms lists the active rooms.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.mixers))
	for room := range m.mixers {
		out = append(out, room)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Tick runs one mix round on every active room.
func (m *Manager) Tick(deliver DeliverFunc) {
	m.mu.RLock()
	active := make(map[string]*Mixer, len(m.mixers))
	for room, mx := range m.mixers {
		active[room] = mx
	}
	m.mu.RUnlock()

	for room, mx := range active {
		if mixes := mx.MixRound(); len(mixes) > 0 {
			deliver(room, mixes)
		}
	}
}

// Run ticks every frame interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, deliver DeliverFunc) {
	if !m.enabled {
		return
	}
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(deliver)
		}
	}
}

// Close frees every mixer.
func (m *Manager) Close() {
	m.mu.Lock()
	mixers := m.mixers
	m.mixers = make(map[string]*Mixer)
	m.mu.Unlock()
	for _, mx := range mixers {
		mx.Close()
	}
}
