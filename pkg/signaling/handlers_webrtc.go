package signaling

import (
	"context"
	"encoding/json"

	"github.com/NicolasHaas/gojam/pkg/protocol"
)

func (d *Dispatcher) registerWebRTC() {
	for _, event := range forwarded {
		d.on(event, StateInRoom, d.forwardTo(event))
	}
	d.on("get-turn-credentials", StateAuthenticated, d.handleTURNCredentials)
}

// forwardTo relays an opaque negotiation payload to one peer in the
// sender's room.
func (d *Dispatcher) forwardTo(event string) HandlerFunc {
	return func(_ context.Context, c *Client, data json.RawMessage) (any, error) {
		var req struct {
			Target  string          `json:"target"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.Target == "" || req.Target == c.ID() {
			return nil, badRequest("invalid target")
		}
		v := c.view()
		target, ok := d.hub.get(req.Target)
		if !ok || target.Room() != v.room {
			return nil, &wireError{code: protocol.CodeNotFound, msg: "target is not in your room"}
		}
		d.push(target, event, map[string]any{
			"from":     c.ID(),
			"username": v.username,
			"payload":  req.Payload,
		})
		return nil, nil
	}
}

func (d *Dispatcher) handleTURNCredentials(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	servers, err := d.TURN.Issue(c.Username())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"iceServers": servers,
		"ttl":        int(d.TURN.TTL().Seconds()),
	}, nil
}
