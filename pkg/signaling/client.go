package signaling

import (
	"sync"

	"github.com/NicolasHaas/gojam/pkg/protocol"
)

// State is where a connection is in the login and room lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	default:
		return "unknown"
	}
}

// Conn is the transport side of a signaling connection.
type Conn interface {
	ID() string
	IP() string
	UserAgent() string
	// Send queues one encoded message. It must not block.
	Send(msg []byte) error
	Close()
}

// Client is the per-connection state the dispatcher tracks.
type Client struct {
	conn Conn

	mu       sync.Mutex
	state    State
	username string
	token    string
	isAdmin  bool
	avatar   string
	room     string
	udp      protocol.SessionID
	udpBound bool
}

func newClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.conn.ID() }

// clientView is a consistent copy of a client's fields.
type clientView struct {
	state    State
	username string
	token    string
	isAdmin  bool
	avatar   string
	room     string
	udp      protocol.SessionID
	udpBound bool
}

func (c *Client) view() clientView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clientView{
		state:    c.state,
		username: c.username,
		token:    c.token,
		isAdmin:  c.isAdmin,
		avatar:   c.avatar,
		room:     c.room,
		udp:      c.udp,
		udpBound: c.udpBound,
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Username returns the authenticated username, empty before login.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Room returns the joined room, empty when not in one.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) authenticate(username, token string, isAdmin bool, avatar string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.token = token
	c.isAdmin = isAdmin
	c.avatar = avatar
	if c.state == StateUnauthenticated {
		c.state = StateAuthenticated
	}
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) setAdmin(isAdmin bool) {
	c.mu.Lock()
	c.isAdmin = isAdmin
	c.mu.Unlock()
}

func (c *Client) setAvatar(avatar string) {
	c.mu.Lock()
	c.avatar = avatar
	c.mu.Unlock()
}

func (c *Client) enterRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.state = StateInRoom
	c.mu.Unlock()
}

// exitRoom clears the room and udp binding and returns what was there.
func (c *Client) exitRoom() (room string, udp protocol.SessionID, bound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, udp, bound = c.room, c.udp, c.udpBound
	c.room = ""
	c.udp = protocol.SessionID{}
	c.udpBound = false
	if c.state == StateInRoom {
		c.state = StateAuthenticated
	}
	return room, udp, bound
}

// bindUDP records id and returns the previously bound id, if any.
func (c *Client) bindUDP(id protocol.SessionID) (prev protocol.SessionID, hadPrev bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, hadPrev = c.udp, c.udpBound
	c.udp = id
	c.udpBound = true
	return prev, hadPrev
}

func (c *Client) logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateUnauthenticated
	c.username = ""
	c.token = ""
	c.isAdmin = false
	c.avatar = ""
}
