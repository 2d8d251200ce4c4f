package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/NicolasHaas/gojam/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueue      = 64
)

var (
	ErrConnClosed = errors.New("signaling: connection closed")
	ErrQueueFull  = errors.New("signaling: send queue full")
)

// WSOptions configures the websocket transport.
type WSOptions struct {
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool
	Logger     *slog.Logger
}

// WSHandler serves the signaling channel over websockets.
type WSHandler struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	trustProxy bool
	logger     *slog.Logger
}

// NewWSHandler binds a websocket transport to d.
func NewWSHandler(d *Dispatcher, opts WSOptions) *WSHandler {
	if opts.Logger == nil {
		opts.Logger = logging.Component("ws")
	}
	return &WSHandler{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		trustProxy: opts.TrustProxy,
		logger:     opts.Logger,
	}
}

// Register binds the websocket route on an Echo router.
func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	ws, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	conn := &wsConn{
		ws:        ws,
		id:        uuid.NewString(),
		ip:        ClientIP(req, h.trustProxy),
		userAgent: req.UserAgent(),
		send:      make(chan []byte, sendQueue),
		done:      make(chan struct{}),
	}
	h.serve(req.Context(), conn)
	return nil
}

func (h *WSHandler) serve(ctx context.Context, conn *wsConn) {
	client, err := h.dispatcher.Connect(conn)
	if err != nil {
		_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection refused"))
		_ = conn.ws.Close()
		return
	}

	go conn.writePump()
	defer func() {
		conn.Close()
		h.dispatcher.Disconnect(client)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed", "conn", conn.id, "err", err)
			}
			return
		}
		if !h.dispatcher.Handle(ctx, client, msg) {
			return
		}
	}
}

// ClientIP returns the peer address of r, or the first X-Forwarded-For hop
// when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsConn adapts a websocket to Conn. Writes go through a bounded queue
// drained by writePump.
type wsConn struct {
	ws        *websocket.Conn
	id        string
	ip        string
	userAgent string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ID() string        { return c.id }
func (c *wsConn) IP() string        { return c.ip }
func (c *wsConn) UserAgent() string { return c.userAgent }

// Send queues msg. A slow reader whose queue fills up is disconnected.
func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close()
		return ErrQueueFull
	}
}

// Close stops the connection after already queued messages are written.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(kind int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(kind, data)
}
