// Package signaling runs the event channel between clients and the server:
// login and account events, room membership, WebRTC negotiation relay and
// the admin console. Transport lives in ws.go; everything else is
// transport-agnostic.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/NicolasHaas/gojam/pkg/audit"
	"github.com/NicolasHaas/gojam/pkg/credentials"
	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/metrics"
	"github.com/NicolasHaas/gojam/pkg/protocol"
	"github.com/NicolasHaas/gojam/pkg/rooms"
	"github.com/NicolasHaas/gojam/pkg/security"
	"github.com/NicolasHaas/gojam/pkg/sessions"
	"github.com/NicolasHaas/gojam/pkg/turn"
)

// Relay is the part of the UDP relay signaling drives.
type Relay interface {
	Bind(id protocol.SessionID, room string)
	Unbind(id protocol.SessionID)
	RoomMembers(room string) []protocol.SessionID
}

// Mixer is the part of the SFU manager signaling drives.
type Mixer interface {
	Available() bool
	Enable(room string) error
	Disable(room string)
	Active(room string) bool
	AddPeer(room string, id protocol.SessionID) error
	RemovePeer(room string, id protocol.SessionID)
}

// Deps are the stores and services the dispatcher works on.
type Deps struct {
	Credentials *credentials.Store
	Sessions    *sessions.Store
	Rooms       *rooms.Registry
	Policy      *security.Policy
	Audit       *audit.Log
	Relay       Relay // optional
	Mixer       Mixer // optional
	TURN        *turn.Issuer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// HandlerFunc handles one event. The returned value becomes the ack data.
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

type route struct {
	state State // minimum state
	admin bool
	fn    HandlerFunc
}

// Dispatcher routes events to handlers after enforcing rate limits,
// connection state and admin rights.
type Dispatcher struct {
	Deps
	routes map[string]route
	hub    *hub

	// roomMu serializes join and leave so broadcasts and membership agree.
	// It also guards udpOwners.
	roomMu    sync.Mutex
	udpOwners map[protocol.SessionID]string // relay session id -> connection id
}

// New builds a dispatcher. Credentials, Sessions, Rooms, Policy and Audit
// are required.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Credentials == nil || deps.Sessions == nil || deps.Rooms == nil || deps.Policy == nil || deps.Audit == nil {
		return nil, errors.New("signaling: missing required dependency")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Component("signaling")
	}
	if deps.TURN == nil {
		deps.TURN, _ = turn.NewIssuer(turn.Config{})
	}
	d := &Dispatcher{
		Deps:   deps,
		routes:    make(map[string]route),
		hub:       newHub(),
		udpOwners: make(map[protocol.SessionID]string),
	}
	d.registerAuth()
	d.registerRooms()
	d.registerWebRTC()
	d.registerAdmin()
	return d, nil
}

func (d *Dispatcher) on(event string, state State, fn HandlerFunc) {
	d.routes[event] = route{state: state, fn: fn}
}

func (d *Dispatcher) onAdmin(event string, fn HandlerFunc) {
	d.routes[event] = route{state: StateAuthenticated, admin: true, fn: fn}
}

// Events lists the registered event names.
func (d *Dispatcher) Events() []string {
	out := make([]string, 0, len(d.routes))
	for name := range d.routes {
		out = append(out, name)
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (d *Dispatcher) ConnectionCount() int { return d.hub.count() }

// Connect admits a new connection. A non-nil error means the caller must
// close the transport.
func (d *Dispatcher) Connect(conn Conn) (*Client, error) {
	if err := d.Policy.CheckConnect(conn.IP()); err != nil {
		d.Logger.Warn("connection refused", "ip", conn.IP(), "err", err)
		return nil, err
	}
	c := newClient(conn)
	d.hub.add(c)
	d.Metrics.TotalConnections.Add(1)
	d.Metrics.ActiveConnections.Add(1)
	d.Logger.Debug("client connected", "conn", conn.ID(), "ip", conn.IP())
	return c, nil
}

// Disconnect runs the cleanup for a closed connection.
func (d *Dispatcher) Disconnect(c *Client) {
	d.leaveRoom(c)
	d.hub.remove(c.ID())
	d.Metrics.ActiveConnections.Add(-1)
	d.Metrics.TotalDisconnects.Add(1)
	d.Logger.Info("client disconnected", "conn", c.ID(), "user", c.Username())
}

// Handle processes one inbound message. It reports false when the
// connection must be closed.
func (d *Dispatcher) Handle(ctx context.Context, c *Client, raw []byte) bool {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		d.replyError(c, 0, "", protocol.CodeInvalidRequest, "malformed message")
		return true
	}

	v := c.view()
	if err := d.Policy.Check(c.conn.IP(), v.username); err != nil {
		if errors.Is(err, security.ErrIPBlocked) {
			d.Logger.Warn("blocked ip, closing connection", "ip", c.conn.IP())
			return false
		}
		d.Metrics.RateLimited.Add(1)
		d.replyError(c, env.Ack, env.Event, protocol.CodeRateLimited, "too many requests")
		return true
	}

	rt, ok := d.routes[env.Event]
	if !ok {
		d.replyError(c, env.Ack, env.Event, protocol.CodeUnknownEvent, "unknown event "+env.Event)
		return true
	}
	if code, msg := d.admit(c, v, rt); code != "" {
		d.replyError(c, env.Ack, env.Event, code, msg)
		return true
	}

	data, err := d.invoke(ctx, rt.fn, c, env)
	if err != nil {
		code, msg := d.classify(env.Event, c, err)
		d.replyError(c, env.Ack, env.Event, code, msg)
		return true
	}
	d.reply(c, env.Ack, protocol.Reply{OK: true, Data: data})
	return true
}

// admit checks state and admin requirements and revalidates the session.
func (d *Dispatcher) admit(c *Client, v clientView, rt route) (code, msg string) {
	if rt.state == StateUnauthenticated {
		return "", ""
	}
	if v.state == StateUnauthenticated {
		return protocol.CodeNotAuthenticated, "login required"
	}
	if !d.Sessions.Validate(v.username, v.token) {
		d.expireSession(c)
		return protocol.CodeNotAuthenticated, "session expired"
	}
	if rt.admin && !v.isAdmin {
		d.Audit.Record(audit.KindForbidden, map[string]any{"user": v.username, "reason": "admin event"})
		return protocol.CodeForbidden, "admin only"
	}
	if rt.state == StateInRoom && v.state != StateInRoom {
		return protocol.CodeNotInRoom, "join a room first"
	}
	return "", ""
}

func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, c *Client, env protocol.Envelope) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.Metrics.HandlerPanics.Add(1)
			d.Logger.Error("event handler panic", "event", env.Event, "conn", c.ID(), "panic", r, "stack", string(debug.Stack()))
			data, err = nil, errPanic
		}
	}()
	return fn(ctx, c, env.Data)
}

// expireSession tells the client its session is gone and drops it back to
// the unauthenticated state.
func (d *Dispatcher) expireSession(c *Client) {
	v := c.view()
	d.Audit.Record(audit.KindSessionInvalid, map[string]any{"user": v.username, "ip": c.conn.IP()})
	d.leaveRoom(c)
	c.logout()
	d.push(c, EventSessionExpired, map[string]any{"username": v.username})
}

func (d *Dispatcher) reply(c *Client, ack uint64, r protocol.Reply) {
	if ack == 0 {
		if r.Error != nil {
			d.push(c, EventError, r.Error)
		}
		return
	}
	out, err := protocol.NewAck(ack, r)
	if err != nil {
		d.Logger.Error("encode ack failed", "err", err)
		return
	}
	if err := c.conn.Send(out); err != nil {
		d.Logger.Debug("send ack failed", "conn", c.ID(), "err", err)
	}
}

func (d *Dispatcher) replyError(c *Client, ack uint64, event, code, msg string) {
	d.Logger.Debug("event failed", "event", event, "conn", c.ID(), "code", code, "msg", msg)
	d.reply(c, ack, protocol.Reply{Error: &protocol.ReplyError{Code: code, Message: msg}})
}

// push sends a server event to one client.
func (d *Dispatcher) push(c *Client, event string, data any) {
	out, err := protocol.NewEvent(event, data)
	if err != nil {
		d.Logger.Error("encode event failed", "event", event, "err", err)
		return
	}
	if err := c.conn.Send(out); err != nil {
		d.Logger.Debug("send event failed", "event", event, "conn", c.ID(), "err", err)
	}
}

// broadcastRoom sends an event to every member of room except exclude.
func (d *Dispatcher) broadcastRoom(room, event string, data any, exclude string) {
	out, err := protocol.NewEvent(event, data)
	if err != nil {
		d.Logger.Error("encode event failed", "event", event, "err", err)
		return
	}
	for _, m := range d.Rooms.Members(room) {
		if m.ConnID == exclude {
			continue
		}
		if c, ok := d.hub.get(m.ConnID); ok {
			if err := c.conn.Send(out); err != nil {
				d.Logger.Debug("broadcast failed", "event", event, "conn", m.ConnID, "err", err)
			}
		}
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest(fmt.Sprintf("invalid payload: %v", err))
	}
	return nil
}
