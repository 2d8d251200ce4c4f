package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/protocol"
	"github.com/NicolasHaas/gojam/pkg/rooms"
	"github.com/NicolasHaas/gojam/pkg/sfu"
)

func (d *Dispatcher) registerRooms() {
	d.on("list-rooms", StateAuthenticated, d.handleListRooms)
	d.on("join-room", StateAuthenticated, d.handleJoinRoom)
	d.on("leave-room", StateInRoom, d.handleLeaveRoom)
	d.on("close-room", StateAuthenticated, d.handleCloseRoom)
	d.on("chat-message", StateInRoom, d.handleChatMessage)
	d.on("metronome-update", StateInRoom, d.handleMetronome)
	d.on("update-room-setting", StateInRoom, d.handleRoomSetting)
	d.on("set-delay-compensation", StateInRoom, d.handleDelayCompensation)
	d.on("change-role", StateInRoom, d.handleChangeRole)
	d.on("set-sfu", StateInRoom, d.handleSetSFU)
	d.on("udp-bind", StateInRoom, d.handleUDPBind)
}

type joinReply struct {
	ID   string         `json:"id"`
	Role model.Role     `json:"role"`
	Room rooms.Snapshot `json:"room"`
}

func (d *Dispatcher) handleListRooms(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	return map[string]any{"rooms": d.Rooms.List(c.view().isAdmin)}, nil
}

func (d *Dispatcher) handleJoinRoom(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Room      string `json:"room"`
		Password  string `json:"password"`
		MaxUsers  int    `json:"maxUsers"`
		IsPrivate bool   `json:"isPrivate"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	name, err := model.SanitizeRoomName(req.Room)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rooms.ErrInvalidName, err)
	}

	d.roomMu.Lock()
	defer d.roomMu.Unlock()

	v := c.view()
	if v.room != "" && v.room != name {
		d.leaveRoomLocked(c)
	}
	role, created, err := d.Rooms.JoinOrCreate(name, c.ID(), v.username, v.avatar, req.Password, rooms.CreateOptions{
		MaxUsers:  req.MaxUsers,
		IsPrivate: req.IsPrivate,
	})
	if created {
		d.Metrics.RoomsCreated.Add(1)
	}
	if err != nil {
		return nil, err
	}
	c.enterRoom(name)

	snap, ok := d.Rooms.Snapshot(name)
	if !ok {
		return nil, rooms.ErrNotFound
	}
	d.broadcastRoom(name, EventUserJoined, rooms.Member{ConnID: c.ID(), Username: v.username, Avatar: v.avatar, Role: role}, c.ID())
	d.Logger.Info("user joined room", "room", name, "user", v.username, "role", role.String())
	return joinReply{ID: c.ID(), Role: role, Room: snap}, nil
}

func (d *Dispatcher) handleLeaveRoom(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	d.leaveRoom(c)
	return nil, nil
}

// leaveRoom takes c out of its room, if any, and unbinds its UDP session.
func (d *Dispatcher) leaveRoom(c *Client) {
	d.roomMu.Lock()
	defer d.roomMu.Unlock()
	d.leaveRoomLocked(c)
}

func (d *Dispatcher) leaveRoomLocked(c *Client) {
	room, udp, bound := c.exitRoom()
	if bound {
		d.unbindUDP(room, udp)
	}
	if room == "" {
		return
	}
	m, err := d.Rooms.Leave(room, c.ID())
	if err != nil {
		return
	}
	d.broadcastRoom(room, EventUserLeft, map[string]any{"id": m.ConnID, "username": m.Username}, "")
	d.Logger.Info("user left room", "room", room, "user", m.Username)
}

// unbindUDP releases id. The caller holds roomMu.
func (d *Dispatcher) unbindUDP(room string, id protocol.SessionID) {
	delete(d.udpOwners, id)
	if d.Relay != nil {
		d.Relay.Unbind(id)
	}
	if d.Mixer != nil && room != "" {
		d.Mixer.RemovePeer(room, id)
	}
}

func (d *Dispatcher) handleCloseRoom(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Room string `json:"room"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	v := c.view()
	name := v.room
	if req.Room != "" && v.isAdmin {
		name = req.Room
	}
	if name == "" {
		return nil, rooms.ErrNotMember
	}

	d.roomMu.Lock()
	defer d.roomMu.Unlock()

	evicted, err := d.Rooms.Close(name, c.ID(), v.isAdmin)
	if err != nil {
		return nil, err
	}
	for _, m := range evicted {
		member, ok := d.hub.get(m.ConnID)
		if !ok {
			continue
		}
		room, udp, bound := member.exitRoom()
		if bound {
			d.unbindUDP(room, udp)
		}
		d.push(member, EventRoomClosed, map[string]any{"room": name, "by": v.username})
	}
	d.Logger.Info("room closed by user", "room", name, "user", v.username, "members", len(evicted))
	return map[string]any{"room": name}, nil
}

func (d *Dispatcher) handleChatMessage(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	v := c.view()
	msg, err := d.Rooms.AddMessage(v.room, v.username, req.Text)
	if err != nil {
		return nil, err
	}
	d.Metrics.ChatMessagesSent.Add(1)
	d.broadcastRoom(v.room, EventChatMessage, msg, "")
	return msg, nil
}

func (d *Dispatcher) handleMetronome(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		BPM     int  `json:"bpm"`
		Playing bool `json:"playing"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	v := c.view()
	state, err := d.Rooms.SetMetronome(v.room, c.ID(), req.BPM, req.Playing)
	if err != nil {
		return nil, err
	}
	d.broadcastRoom(v.room, EventMetronomeUpdate, state, c.ID())
	return state, nil
}

func (d *Dispatcher) handleRoomSetting(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	setting, err := rooms.ParseSetting(req.Key, req.Value)
	if err != nil {
		return nil, err
	}
	v := c.view()
	settings, err := d.Rooms.UpdateSetting(v.room, c.ID(), v.isAdmin, setting)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"key": setting.Key(), "value": setting.Value(), "settings": settings}
	d.broadcastRoom(v.room, EventRoomSettingChanged, out, "")
	return out, nil
}

func (d *Dispatcher) handleDelayCompensation(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	v := c.view()
	if err := d.Rooms.SetDelayCompensation(v.room, c.ID(), v.isAdmin, req.Enabled); err != nil {
		return nil, err
	}
	out := map[string]any{"enabled": req.Enabled}
	d.broadcastRoom(v.room, EventDelayCompensationChanged, out, "")
	return out, nil
}

func (d *Dispatcher) handleChangeRole(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		TargetID string `json:"targetId"`
		Role     string `json:"role"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		return nil, err
	}
	v := c.view()
	m, err := d.Rooms.ChangeRole(v.room, c.ID(), v.isAdmin, req.TargetID, role)
	if err != nil {
		return nil, err
	}
	d.broadcastRoom(v.room, EventRoleChanged, m, "")
	d.Logger.Info("role changed", "room", v.room, "target", m.Username, "role", m.Role.String(), "by", v.username)
	return m, nil
}

func (d *Dispatcher) handleSetSFU(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Enabled && (d.Mixer == nil || !d.Mixer.Available()) {
		return nil, sfu.ErrUnavailable
	}
	v := c.view()
	if err := d.Rooms.SetSFU(v.room, c.ID(), v.isAdmin, req.Enabled); err != nil {
		return nil, err
	}

	if req.Enabled {
		if err := d.Mixer.Enable(v.room); err != nil {
			_ = d.Rooms.SetSFU(v.room, c.ID(), true, false)
			return nil, err
		}
		if d.Relay != nil {
			for _, id := range d.Relay.RoomMembers(v.room) {
				if err := d.Mixer.AddPeer(v.room, id); err != nil {
					d.Logger.Warn("add mixer peer failed", "room", v.room, "session", id.String(), "err", err)
				}
			}
		}
	} else if d.Mixer != nil {
		d.Mixer.Disable(v.room)
	}

	out := map[string]any{"enabled": req.Enabled}
	d.broadcastRoom(v.room, EventSFUState, out, "")
	d.Logger.Info("sfu toggled", "room", v.room, "enabled", req.Enabled, "by", v.username)
	return out, nil
}

func (d *Dispatcher) handleUDPBind(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if d.Relay == nil {
		return nil, badRequest("udp relay is disabled")
	}
	id, err := protocol.ParseSessionID(req.SessionID)
	if err != nil {
		return nil, err
	}

	d.roomMu.Lock()
	defer d.roomMu.Unlock()

	v := c.view()
	if v.room == "" {
		return nil, rooms.ErrNotMember
	}
	if owner, ok := d.udpOwners[id]; ok && owner != c.ID() {
		d.Logger.Warn("udp session bound by another connection", "session", id.String(), "conn", c.ID(), "owner", owner)
		return nil, forbidden("udp session belongs to another connection")
	}
	prev, hadPrev := c.bindUDP(id)
	if hadPrev && prev != id {
		d.unbindUDP(v.room, prev)
	}
	d.udpOwners[id] = c.ID()
	d.Relay.Bind(id, v.room)

	mixing := d.Mixer != nil && d.Mixer.Active(v.room)
	if mixing {
		if err := d.Mixer.AddPeer(v.room, id); err != nil {
			d.Logger.Warn("add mixer peer failed", "room", v.room, "session", id.String(), "err", err)
		}
	}
	return map[string]any{"sessionId": id.String(), "sfu": mixing}, nil
}
