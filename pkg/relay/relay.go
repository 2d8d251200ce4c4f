// Package relay is the UDP fallback transport. Clients send datagrams
// prefixed with their session id; the relay forwards each one to the other
// clients bound to the same room, or hands it to the room's mixer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/metrics"
	"github.com/NicolasHaas/gojam/pkg/protocol"
	"github.com/NicolasHaas/gojam/pkg/security"
)

const (
	DefaultStaleAfter    = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultRateLimit     = 500
	DefaultRateWindow    = time.Second

	socketBuffer = 1024 * 1024
)

// Mixer receives audio for rooms that mix on the server.
type Mixer interface {
	Active(room string) bool
	Ingest(room string, id protocol.SessionID, payload []byte)
	RemovePeer(room string, id protocol.SessionID)
}

// Options configures a Relay.
type Options struct {
	Addr          string
	StaleAfter    time.Duration
	SweepInterval time.Duration
	RateLimit     int // datagrams per RateWindow per source IP
	RateWindow    time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Relay owns the UDP socket and the session table.
type Relay struct {
	conn    *net.UDPConn
	table   *Table
	limiter *security.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	staleAfter    time.Duration
	sweepInterval time.Duration

	mixerMu sync.RWMutex
	mixer   Mixer
}

// Listen binds the relay socket.
func Listen(opts Options) (*Relay, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("relay")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	addr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen: %w", err)
	}
	if err := conn.SetReadBuffer(socketBuffer); err != nil {
		opts.Logger.Warn("failed to set UDP read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(socketBuffer); err != nil {
		opts.Logger.Warn("failed to set UDP write buffer", "err", err)
	}

	opts.Logger.Info("relay listening", "addr", conn.LocalAddr().String())
	return &Relay{
		conn:          conn,
		table:         NewTable(opts.Now),
		limiter:       security.NewLimiterWithClock(opts.RateLimit, opts.RateWindow, opts.Now),
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
	}, nil
}

// LocalAddr returns the bound socket address.
func (r *Relay) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Table exposes the session table for binding from signaling.
func (r *Relay) Table() *Table { return r.table }

// SetMixer installs the SFU path. nil disables it.
func (r *Relay) SetMixer(m Mixer) {
	r.mixerMu.Lock()
	r.mixer = m
	r.mixerMu.Unlock()
}

func (r *Relay) currentMixer() Mixer {
	r.mixerMu.RLock()
	defer r.mixerMu.RUnlock()
	return r.mixer
}

// Bind attaches id to room.
func (r *Relay) Bind(id protocol.SessionID, room string) {
	prev := r.table.RemoveFromRoom(id)
	if prev != "" && prev != room {
		r.dropFromMixer(prev, id)
	}
	r.table.AddToRoom(id, room)
}

// Unbind forgets id entirely.
func (r *Relay) Unbind(id protocol.SessionID) {
	if room := r.table.Remove(id); room != "" {
		r.dropFromMixer(room, id)
	}
}

// RoomMembers returns the session ids bound to room.
func (r *Relay) RoomMembers(room string) []protocol.SessionID {
	return r.table.RoomMembers(room)
}

func (r *Relay) dropFromMixer(room string, id protocol.SessionID) {
	if m := r.currentMixer(); m != nil {
		m.RemovePeer(room, id)
	}
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, protocol.MaxDatagram+1)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Error("relay read error", "err", err)
			continue
		}
		r.handle(buf[:n], addr)
	}
}

// handle processes one datagram. data is only valid for the duration of
// the call.
func (r *Relay) handle(data []byte, from *net.UDPAddr) {
	r.metrics.RelayPacketsIn.Add(1)
	r.metrics.RelayBytesIn.Add(int64(len(data)))

	if !r.limiter.Allow(from.IP.String()) {
		r.metrics.RelayPacketsDropped.Add(1)
		return
	}
	dg, err := protocol.ParseDatagram(data)
	if err != nil || dg.Session.IsZero() {
		r.metrics.RelayPacketsDropped.Add(1)
		return
	}

	client, rebound := r.table.Touch(dg.Session, from)
	if rebound {
		r.metrics.RelayRebinds.Add(1)
		r.logger.Debug("NAT rebind", "session", dg.Session.String(), "addr", from.String())
	}

	if protocol.IsPing(dg.Payload) {
		r.metrics.RelayPings.Add(1)
		r.send(protocol.Pong(dg.Payload), from)
		return
	}
	if client.Room == "" {
		r.metrics.RelayPacketsDropped.Add(1)
		return
	}

	if m := r.currentMixer(); m != nil && m.Active(client.Room) {
		m.Ingest(client.Room, dg.Session, dg.Payload)
		return
	}

	// data is already [sender id][payload].
	for _, peer := range r.table.Peers(client.Room, dg.Session) {
		r.send(data, peer.Addr)
	}
}

// DeliverMix sends each member of room its mix, prefixed with the mixer id.
func (r *Relay) DeliverMix(room string, mixes map[protocol.SessionID][]byte) {
	for id, frame := range mixes {
		c, ok := r.table.Get(id)
		if !ok || c.Addr == nil || c.Room != room {
			continue
		}
		r.send(protocol.Frame(protocol.MixerSessionID, frame), c.Addr)
		r.metrics.MixFramesOut.Add(1)
	}
}

func (r *Relay) send(b []byte, to *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(b, to); err != nil {
		r.logger.Debug("relay send error", "target", to.String(), "err", err)
		return
	}
	r.metrics.RelayPacketsOut.Add(1)
	r.metrics.RelayBytesOut.Add(int64(len(b)))
}

// Sweep drops silent clients and expired rate-limit windows.
func (r *Relay) Sweep() int {
	removed := r.table.Sweep(r.staleAfter)
	for _, c := range removed {
		if c.Room != "" {
			r.dropFromMixer(c.Room, c.ID)
		}
	}
	r.limiter.Sweep()
	if len(removed) > 0 {
		r.metrics.RelayStaleRemoved.Add(int64(len(removed)))
		r.logger.Debug("stale relay clients removed", "count", len(removed))
	}
	return len(removed)
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close closes the socket.
func (r *Relay) Close() error {
	return r.conn.Close()
}
