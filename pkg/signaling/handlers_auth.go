package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/NicolasHaas/gojam/pkg/audit"
	"github.com/NicolasHaas/gojam/pkg/credentials"
	"github.com/NicolasHaas/gojam/pkg/model"
	"github.com/NicolasHaas/gojam/pkg/protocol"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionReply struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      model.Public `json:"user"`
}

func (d *Dispatcher) registerAuth() {
	d.on("signup", StateUnauthenticated, d.handleSignup)
	d.on("login", StateUnauthenticated, d.handleLogin)
	d.on("restore-session", StateUnauthenticated, d.handleRestoreSession)
	d.on("logout", StateAuthenticated, d.handleLogout)
	d.on("change-password", StateAuthenticated, d.handleChangePassword)
	d.on("update-settings", StateAuthenticated, d.handleUpdateSettings)
	d.on("upload-avatar", StateAuthenticated, d.handleUploadAvatar)
	d.on("remove-avatar", StateAuthenticated, d.handleRemoveAvatar)
}

func (d *Dispatcher) handleSignup(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req credentialsRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := d.Credentials.Signup(ctx, req.Username, req.Password); err != nil {
		return nil, err
	}
	d.Metrics.Signups.Add(1)
	d.Audit.Record(audit.KindSignup, map[string]any{"user": req.Username, "ip": c.conn.IP()})
	d.Logger.Info("signup pending approval", "user", req.Username, "ip", c.conn.IP())
	return map[string]any{"pending": true}, nil
}

func (d *Dispatcher) handleLogin(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req credentialsRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	req.Username = strings.TrimSpace(req.Username)

	user, err := d.Credentials.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		d.Metrics.FailedAuths.Add(1)
		if errors.Is(err, credentials.ErrInvalidCredentials) || errors.Is(err, credentials.ErrPendingApproval) {
			d.Audit.Record(audit.KindLoginFailed, map[string]any{"user": req.Username, "ip": c.conn.IP(), "reason": err.Error()})
		}
		return nil, err
	}
	return d.startSession(c, user)
}

// startSession issues a fresh session for user on c. Any session the user
// held on another connection stops validating.
func (d *Dispatcher) startSession(c *Client, user model.User) (any, error) {
	if v := c.view(); v.state != StateUnauthenticated && v.username != user.Username {
		d.leaveRoom(c)
		c.logout()
	}
	sess, err := d.Sessions.Create(user.Username, c.conn.IP(), c.conn.UserAgent(), user.IsAdmin)
	if err != nil {
		return nil, err
	}
	c.authenticate(user.Username, sess.Token, user.IsAdmin, user.Avatar)
	d.Metrics.SuccessfulAuths.Add(1)
	d.Logger.Info("user logged in", "user", user.Username, "conn", c.ID(), "admin", user.IsAdmin)
	return sessionReply{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: user.Public()}, nil
}

func (d *Dispatcher) handleRestoreSession(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Username == "" || req.Token == "" || !d.Sessions.Validate(req.Username, req.Token) {
		d.Metrics.FailedAuths.Add(1)
		d.Audit.Record(audit.KindSessionInvalid, map[string]any{"user": req.Username, "ip": c.conn.IP()})
		return nil, &wireError{code: protocol.CodeInvalidSession, msg: "session is invalid or expired"}
	}
	user, ok := d.Credentials.Get(req.Username)
	if !ok {
		d.Sessions.Delete(req.Username)
		return nil, &wireError{code: protocol.CodeInvalidSession, msg: "account no longer exists"}
	}
	sess, ok := d.Sessions.Extend(req.Username, user.IsAdmin)
	if !ok {
		return nil, &wireError{code: protocol.CodeInvalidSession, msg: "session is invalid or expired"}
	}
	c.authenticate(user.Username, sess.Token, user.IsAdmin, user.Avatar)
	d.Metrics.SuccessfulAuths.Add(1)
	d.Logger.Info("session restored", "user", user.Username, "conn", c.ID())
	return sessionReply{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: user.Public()}, nil
}

func (d *Dispatcher) handleLogout(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	username := c.Username()
	d.Sessions.Delete(username)
	d.leaveRoom(c)
	c.logout()
	d.Logger.Info("user logged out", "user", username, "conn", c.ID())
	return nil, nil
}

func (d *Dispatcher) handleChangePassword(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	v := c.view()
	if err := d.Credentials.ChangePassword(ctx, v.username, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, credentials.ErrInvalidCredentials) {
			d.Audit.Record(audit.KindLoginFailed, map[string]any{"user": v.username, "ip": c.conn.IP(), "reason": "change-password"})
		}
		return nil, err
	}
	d.Sessions.Delete(v.username)
	sess, err := d.Sessions.Create(v.username, c.conn.IP(), c.conn.UserAgent(), v.isAdmin)
	if err != nil {
		return nil, err
	}
	c.setToken(sess.Token)
	d.Audit.Record(audit.KindPasswordChanged, map[string]any{"user": v.username, "ip": c.conn.IP()})
	return map[string]any{"token": sess.Token, "expiresAt": sess.ExpiresAt}, nil
}

func (d *Dispatcher) handleUpdateSettings(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Settings map[string]any `json:"settings"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	user, err := d.Credentials.UpdateSettings(ctx, c.Username(), req.Settings)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

func (d *Dispatcher) handleUploadAvatar(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	var req struct {
		Ext  string `json:"ext"`
		Data string `json:"data"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	ext, blob, err := decodeImage(req.Ext, req.Data)
	if err != nil {
		return nil, err
	}
	user, err := d.Credentials.SetAvatar(ctx, c.Username(), ext, blob)
	if err != nil {
		return nil, err
	}
	c.setAvatar(user.Avatar)
	d.Metrics.AvatarUploads.Add(1)
	return map[string]any{"avatar": user.Avatar}, nil
}

func (d *Dispatcher) handleRemoveAvatar(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	if _, err := d.Credentials.RemoveAvatar(ctx, c.Username()); err != nil {
		return nil, err
	}
	c.setAvatar("")
	return map[string]any{"avatar": ""}, nil
}

// decodeImage accepts plain base64 or a data URL. A data URL's media type
// supplies the extension when ext is empty.
func decodeImage(ext, payload string) (string, []byte, error) {
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, body, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return "", nil, badRequest("avatar must be a base64 data URL")
		}
		if ext == "" {
			mediaType := strings.TrimSuffix(meta, ";base64")
			ext = strings.TrimPrefix(mediaType, "image/")
		}
		payload = body
	}
	if len(payload) > base64.StdEncoding.EncodedLen(credentials.MaxAvatarBytes) {
		return "", nil, badRequest("avatar too large")
	}
	blob, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, badRequest("avatar is not valid base64")
	}
	return ext, blob, nil
}
