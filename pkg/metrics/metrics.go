// Package metrics holds the server's runtime counters.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Signaling connections
	TotalConnections  atomic.Int64 // lifetime websocket connections accepted
	ActiveConnections atomic.Int64 // current websocket connections
	FailedAuths       atomic.Int64 // failed login or restore attempts
	SuccessfulAuths   atomic.Int64 // successful login or restore attempts
	TotalDisconnects  atomic.Int64 // websocket disconnects, clean or not
	RateLimited       atomic.Int64 // events refused by the rate limiter
	HandlerPanics     atomic.Int64 // recovered event handler panics

	// Relay
	RelayPacketsIn      atomic.Int64 // datagrams received
	RelayPacketsOut     atomic.Int64 // datagrams sent (forwards, pongs, mixes)
	RelayPacketsDropped atomic.Int64 // malformed, rate limited or unroutable
	RelayBytesIn        atomic.Int64
	RelayBytesOut       atomic.Int64
	RelayRebinds        atomic.Int64 // NAT rebinds observed
	RelayPings          atomic.Int64
	RelayStaleRemoved   atomic.Int64 // clients dropped by the stale sweep

	// SFU
	MixFramesOut  atomic.Int64 // encoded mixes handed to the relay
	DecodeErrors  atomic.Int64 // Opus frames that failed to decode
	EncodeErrors  atomic.Int64
	MixersCreated atomic.Int64

	// Rooms and chat
	RoomsCreated     atomic.Int64
	RoomsDeleted     atomic.Int64
	ChatMessagesSent atomic.Int64

	// Accounts
	Signups       atomic.Int64
	Approvals     atomic.Int64
	UsersDeleted  atomic.Int64
	AvatarUploads atomic.Int64
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Uptime returns the time since New.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	RateLimited       int64 `json:"rate_limited"`
	HandlerPanics     int64 `json:"handler_panics"`

	RelayPacketsIn      int64 `json:"relay_packets_in"`
	RelayPacketsOut     int64 `json:"relay_packets_out"`
	RelayPacketsDropped int64 `json:"relay_packets_dropped"`
	RelayBytesIn        int64 `json:"relay_bytes_in"`
	RelayBytesOut       int64 `json:"relay_bytes_out"`
	RelayRebinds        int64 `json:"relay_rebinds"`
	RelayPings          int64 `json:"relay_pings"`
	RelayStaleRemoved   int64 `json:"relay_stale_removed"`

	MixFramesOut  int64 `json:"mix_frames_out"`
	DecodeErrors  int64 `json:"decode_errors"`
	EncodeErrors  int64 `json:"encode_errors"`
	MixersCreated int64 `json:"mixers_created"`

	RoomsCreated     int64 `json:"rooms_created"`
	RoomsDeleted     int64 `json:"rooms_deleted"`
	ChatMessagesSent int64 `json:"chat_messages_sent"`

	Signups       int64 `json:"signups"`
	Approvals     int64 `json:"approvals"`
	UsersDeleted  int64 `json:"users_deleted"`
	AvatarUploads int64 `json:"avatar_uploads"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := m.Uptime()
	return Snapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		RateLimited:         m.RateLimited.Load(),
		HandlerPanics:       m.HandlerPanics.Load(),
		RelayPacketsIn:      m.RelayPacketsIn.Load(),
		RelayPacketsOut:     m.RelayPacketsOut.Load(),
		RelayPacketsDropped: m.RelayPacketsDropped.Load(),
		RelayBytesIn:        m.RelayBytesIn.Load(),
		RelayBytesOut:       m.RelayBytesOut.Load(),
		RelayRebinds:        m.RelayRebinds.Load(),
		RelayPings:          m.RelayPings.Load(),
		RelayStaleRemoved:   m.RelayStaleRemoved.Load(),
		MixFramesOut:        m.MixFramesOut.Load(),
		DecodeErrors:        m.DecodeErrors.Load(),
		EncodeErrors:        m.EncodeErrors.Load(),
		MixersCreated:       m.MixersCreated.Load(),
		RoomsCreated:        m.RoomsCreated.Load(),
		RoomsDeleted:        m.RoomsDeleted.Load(),
		ChatMessagesSent:    m.ChatMessagesSent.Load(),
		Signups:             m.Signups.Load(),
		Approvals:           m.Approvals.Load(),
		UsersDeleted:        m.UsersDeleted.Load(),
		AvatarUploads:       m.AvatarUploads.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"relay_pkts_in", s.RelayPacketsIn,
		"relay_pkts_out", s.RelayPacketsOut,
		"relay_pkts_dropped", s.RelayPacketsDropped,
		"mix_frames", s.MixFramesOut,
		"chat_msgs", s.ChatMessagesSent,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, logger *slog.Logger, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}

// Gauge is a point-in-time value exported next to the counters.
type Gauge struct {
	Name  string
	Help  string
	Value int64
}

// WritePrometheus writes all counters, plus extra gauges, in Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer, gauges ...Gauge) {
	// Write errors are non-actionable for a scrape response.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP gojam_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE gojam_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "gojam_uptime_seconds %f\n", m.Uptime().Seconds())

	write("gojam_connections_active", "Current websocket connections.", "gauge", m.ActiveConnections.Load())
	write("gojam_connections_total", "Lifetime websocket connections accepted.", "counter", m.TotalConnections.Load())
	write("gojam_disconnects_total", "Total client disconnects.", "counter", m.TotalDisconnects.Load())
	write("gojam_auth_success_total", "Successful authentication attempts.", "counter", m.SuccessfulAuths.Load())
	write("gojam_auth_failed_total", "Failed authentication attempts.", "counter", m.FailedAuths.Load())
	write("gojam_rate_limited_total", "Events refused by the rate limiter.", "counter", m.RateLimited.Load())
	write("gojam_handler_panics_total", "Recovered event handler panics.", "counter", m.HandlerPanics.Load())

	write("gojam_relay_packets_in_total", "Relay datagrams received.", "counter", m.RelayPacketsIn.Load())
	write("gojam_relay_packets_out_total", "Relay datagrams sent.", "counter", m.RelayPacketsOut.Load())
	write("gojam_relay_packets_dropped_total", "Relay datagrams dropped.", "counter", m.RelayPacketsDropped.Load())
	write("gojam_relay_bytes_in_total", "Relay bytes received.", "counter", m.RelayBytesIn.Load())
	write("gojam_relay_bytes_out_total", "Relay bytes sent.", "counter", m.RelayBytesOut.Load())
	write("gojam_relay_rebinds_total", "NAT rebinds observed.", "counter", m.RelayRebinds.Load())
	write("gojam_relay_pings_total", "Relay pings answered.", "counter", m.RelayPings.Load())
	write("gojam_relay_stale_removed_total", "Relay clients removed for silence.", "counter", m.RelayStaleRemoved.Load())

	write("gojam_sfu_mix_frames_total", "Encoded SFU mixes sent.", "counter", m.MixFramesOut.Load())
	write("gojam_sfu_decode_errors_total", "Opus frames that failed to decode.", "counter", m.DecodeErrors.Load())
	write("gojam_sfu_encode_errors_total", "SFU mixes that failed to encode.", "counter", m.EncodeErrors.Load())
	write("gojam_sfu_mixers_created_total", "SFU mixers created.", "counter", m.MixersCreated.Load())

	write("gojam_rooms_created_total", "Rooms created.", "counter", m.RoomsCreated.Load())
	write("gojam_rooms_deleted_total", "Rooms deleted.", "counter", m.RoomsDeleted.Load())
	write("gojam_chat_messages_total", "Chat messages relayed.", "counter", m.ChatMessagesSent.Load())

	write("gojam_signups_total", "Signup requests.", "counter", m.Signups.Load())
	write("gojam_approvals_total", "Signups approved.", "counter", m.Approvals.Load())
	write("gojam_users_deleted_total", "Users deleted by admins.", "counter", m.UsersDeleted.Load())
	write("gojam_avatar_uploads_total", "Avatar uploads.", "counter", m.AvatarUploads.Load())

	for _, g := range gauges {
		write(g.Name, g.Help, "gauge", g.Value)
	}
}
