package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NicolasHaas/gojam/pkg/audit"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/protocol"
	"github.com/NicolasHaas/gojam/pkg/rooms"
)

const defaultAuditEntries = 100

type usernameRequest struct {
	Username string `json:"username"`
}

func (d *Dispatcher) registerAdmin() {
	d.onAdmin("admin-list-pending", d.handleListPending)
	d.onAdmin("admin-approve-user", d.handleApproveUser)
	d.onAdmin("admin-reject-user", d.handleRejectUser)
	d.onAdmin("admin-list-users", d.handleListUsers)
	d.onAdmin("admin-delete-user", d.handleDeleteUser)
	d.onAdmin("admin-set-admin", d.handleSetAdmin)
	d.onAdmin("admin-audit-log", d.handleAuditLog)
	d.onAdmin("admin-whitelist", d.handleWhitelist)
	d.onAdmin("admin-assign-host", d.handleAssignHost)
}

func (d *Dispatcher) adminAction(c *Client, action string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["admin"] = c.Username()
	detail["action"] = action
	d.Audit.Record(audit.KindAdminAction, detail)
	d.Logger.Info("admin action", "admin", c.Username(), "action", action)
}

func (d *Dispatcher) handleListPending(context.Context, *Client, json.RawMessage) (any, error) {
	type pending struct {
		Username    string    `json:"username"`
		RequestedAt time.Time `json:"requestedAt"`
	}
	list := d.Credentials.ListPending()
	out := make([]pending, 0, len(list))
	for _, p := range list {
		out = append(out, pending{Username: p.Username, RequestedAt: p.RequestedAt})
	}
	return map[string]any{"pending": out}, nil
}

func (d *Dispatcher) handleApproveUser(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req usernameRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	user, err := d.Credentials.Approve(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	d.Metrics.Approvals.Add(1)
	d.adminAction(c, "approve_user", map[string]any{"target": req.Username})
	return user.Public(), nil
}

func (d *Dispatcher) handleRejectUser(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req usernameRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := d.Credentials.Reject(ctx, req.Username); err != nil {
		return nil, err
	}
	d.adminAction(c, "reject_user", map[string]any{"target": req.Username})
	return nil, nil
}

func (d *Dispatcher) handleListUsers(context.Context, *Client, json.RawMessage) (any, error) {
	users := d.Credentials.List()
	out := make([]model.Public, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return map[string]any{"users": out}, nil
}

// handleDeleteUser removes the account, its avatar and its session, and
// disconnects every live connection of that user.
func (d *Dispatcher) handleDeleteUser(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req usernameRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Username == c.Username() {
		return nil, forbidden("admins cannot delete their own account")
	}
	if _, err := d.Credentials.Delete(ctx, req.Username); err != nil {
		return nil, err
	}
	d.Sessions.Delete(req.Username)
	for _, victim := range d.hub.byUsername(req.Username) {
		d.push(victim, EventAccountDeleted, map[string]any{"username": req.Username})
		d.leaveRoom(victim)
		victim.logout()
		victim.conn.Close()
	}
	d.Metrics.UsersDeleted.Add(1)
	d.adminAction(c, "delete_user", map[string]any{"target": req.Username})
	return nil, nil
}

func (d *Dispatcher) handleSetAdmin(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Username string `json:"username"`
		IsAdmin  bool   `json:"isAdmin"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Username == c.Username() && !req.IsAdmin {
		return nil, forbidden("admins cannot demote themselves")
	}
	user, err := d.Credentials.SetAdmin(ctx, req.Username, req.IsAdmin)
	if err != nil {
		return nil, err
	}
	if _, ok := d.Sessions.Get(req.Username); ok {
		d.Sessions.Extend(req.Username, req.IsAdmin)
	}
	for _, other := range d.hub.byUsername(req.Username) {
		other.setAdmin(req.IsAdmin)
	}
	d.adminAction(c, "set_admin", map[string]any{"target": req.Username, "is_admin": req.IsAdmin})
	return user.Public(), nil
}

func (d *Dispatcher) handleAuditLog(_ context.Context, _ *Client, data json.RawMessage) (any, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = defaultAuditEntries
	}
	return map[string]any{"entries": d.Audit.Recent(req.Limit)}, nil
}

func (d *Dispatcher) handleWhitelist(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Action string `json:"action"`
		Entry  string `json:"entry"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	wl := d.Policy.Whitelist()
	if wl == nil {
		return nil, badRequest("whitelist is not configured")
	}

	switch req.Action {
	case "list", "":
	case "add":
		if err := wl.Add(req.Entry); err != nil {
			return nil, err
		}
	case "remove":
		if !wl.Remove(req.Entry) {
			return nil, &wireError{code: protocol.CodeNotFound, msg: "entry not in whitelist"}
		}
	case "enable":
		wl.SetEnabled(true)
	case "disable":
		wl.SetEnabled(false)
	default:
		return nil, badRequest("unknown whitelist action " + req.Action)
	}
	if req.Action != "list" && req.Action != "" {
		d.adminAction(c, "whitelist_"+req.Action, map[string]any{"entry": req.Entry})
	}
	return map[string]any{"enabled": wl.Enabled(), "entries": wl.Entries()}, nil
}

func (d *Dispatcher) handleAssignHost(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Room     string `json:"room"`
		TargetID string `json:"targetId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Room == "" {
		req.Room = c.Room()
	}
	if req.Room == "" || req.TargetID == "" {
		return nil, badRequest("room and targetId are required")
	}
	previous, err := d.Rooms.AssignHost(req.Room, req.TargetID)
	if err != nil {
		return nil, err
	}
	m, ok := d.Rooms.Member(req.Room, req.TargetID)
	if !ok {
		return nil, rooms.ErrNotMember
	}
	out := map[string]any{"room": req.Room, "id": m.ConnID, "username": m.Username, "previous": previous}
	d.broadcastRoom(req.Room, EventHostChanged, out, "")
	d.adminAction(c, "assign_host", map[string]any{"room": req.Room, "target": m.Username})
	return out, nil
}
