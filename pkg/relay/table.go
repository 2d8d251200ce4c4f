package relay

import (
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/gojam/pkg/protocol"
)

// Client is one relay session.
type Client struct {
	ID       protocol.SessionID
	Addr     *net.UDPAddr // nil until the first datagram
	Room     string       // empty until bound
	LastSeen time.Time
}

// Table maps session ids to clients and keeps a room index in sync with
// each client's room.
type Table struct {
	mu      sync.RWMutex
	clients map[protocol.SessionID]*Client
	rooms   map[string]map[protocol.SessionID]struct{}
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		clients: make(map[protocol.SessionID]*Client),
		rooms:   make(map[string]map[protocol.SessionID]struct{}),
		now:     now,
	}
}

// Touch records a datagram from id at addr. It registers unknown ids and
// reports whether the address changed for a known one.
func (t *Table) Touch(id protocol.SessionID, addr *net.UDPAddr) (client Client, rebound bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.clients[id]
	if !ok {
		c = &Client{ID: id}
		t.clients[id] = c
	}
	if c.Addr != nil && !sameAddr(c.Addr, addr) {
		rebound = true
	}
	if c.Addr == nil || rebound {
		c.Addr = cloneAddr(addr)
	}
	c.LastSeen = t.now()
	return *c, rebound
}

// Preregister creates an entry for id before any datagram arrives.
func (t *Table) Preregister(id protocol.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.clients[id]; !ok {
		t.clients[id] = &Client{ID: id, LastSeen: t.now()}
	}
}

// AddToRoom binds id to room, moving it out of its previous room.
func (t *Table) AddToRoom(id protocol.SessionID, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.clients[id]
	if !ok {
		c = &Client{ID: id, LastSeen: t.now()}
		t.clients[id] = c
	}
	if c.Room == room {
		return
	}
	t.unindexLocked(c)
	c.Room = room
	set, ok := t.rooms[room]
	if !ok {
		set = make(map[protocol.SessionID]struct{})
		t.rooms[room] = set
	}
	set[id] = struct{}{}
}

// RemoveFromRoom unbinds id and returns the room it was in.
func (t *Table) RemoveFromRoom(id protocol.SessionID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[id]
	if !ok {
		return ""
	}
	room := c.Room
	t.unindexLocked(c)
	return room
}

// Remove drops id and returns the room it was in.
func (t *Table) Remove(id protocol.SessionID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[id]
	if !ok {
		return ""
	}
	room := c.Room
	t.unindexLocked(c)
	delete(t.clients, id)
	return room
}

func (t *Table) unindexLocked(c *Client) {
	if c.Room == "" {
		return
	}
	if set, ok := t.rooms[c.Room]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(t.rooms, c.Room)
		}
	}
	c.Room = ""
}

// Get returns a copy of id's entry.
func (t *Table) Get(id protocol.SessionID) (Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Peers returns the clients in room with a known address, except exclude.
func (t *Table) Peers(room string, exclude protocol.SessionID) []Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[room]
	out := make([]Client, 0, len(set))
	for id := range set {
		if id == exclude {
			continue
		}
		if c := t.clients[id]; c != nil && c.Addr != nil {
			out = append(out, *c)
		}
	}
	return out
}

// RoomMembers returns the session ids bound to room.
func (t *Table) RoomMembers(room string) []protocol.SessionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[room]
	out := make([]protocol.SessionID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Sweep removes clients silent for longer than maxIdle and returns them.
func (t *Table) Sweep(maxIdle time.Duration) []Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxIdle)
	var removed []Client
	for id, c := range t.clients {
		if c.LastSeen.Before(cutoff) {
			removed = append(removed, *c)
			t.unindexLocked(c)
			delete(t.clients, id)
		}
	}
	return removed
}

// Len returns the number of clients.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// RoomCount returns the number of rooms with at least one bound client.
func (t *Table) RoomCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}
