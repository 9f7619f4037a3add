package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single participant's WebSocket connection,
// scoped to exactly one meeting, with a write mutex serializing
// outbound frames.
type Connection struct {
	ID            string   // connection ID (UUID), doubles as the session ID
	ParticipantID string   // per-meeting participant identifier
	MeetingID     string   // meeting scope, fixed for the connection's lifetime
	Conn          net.Conn // underlying TCP connection
	CreatedAt     time.Time

	lastActivity atomic.Int64 // unix nanos of the last successful read
	writeMu      sync.Mutex
}

// Touch records activity on the connection. Any inbound frame counts.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns how long the connection has gone without inbound
// activity.
func (c *Connection) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// WriteMessage sends a WebSocket text frame to this connection. The
// write mutex ensures concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writePong answers a client ping. Held to the same write mutex as data
// frames.
func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a goroutine-safe index of live connections: by connection
// ID, by meeting (for broadcast fan-out), and by participant (to detect
// duplicate sessions for takeover).
type Registry struct {
	mu            sync.RWMutex
	byID          map[string]*Connection
	byMeeting     map[string]map[string]*Connection // meetingID -> connID -> conn
	byParticipant map[string]*Connection            // participantID -> conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:          make(map[string]*Connection),
		byMeeting:     make(map[string]map[string]*Connection),
		byParticipant: make(map[string]*Connection),
	}
}

// Add registers a connection in all indexes. If the participant already
// had a live connection, that previous connection is returned so the
// caller can kick it; the new connection always wins the index slot.
func (r *Registry) Add(conn *Connection) (replaced *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byParticipant[conn.ParticipantID]; ok && prev.ID != conn.ID {
		replaced = prev
	}

	r.byID[conn.ID] = conn
	r.byParticipant[conn.ParticipantID] = conn

	room, ok := r.byMeeting[conn.MeetingID]
	if !ok {
		room = make(map[string]*Connection)
		r.byMeeting[conn.MeetingID] = room
	}
	room[conn.ID] = conn

	return replaced
}

// Remove removes a connection by ID and closes it. The participant index
// is only cleared if it still points at this connection, so a takeover's
// late cleanup of the old connection never evicts the new one. Returns
// true if the connection was found and removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if cur, exists := r.byParticipant[conn.ParticipantID]; exists && cur.ID == id {
			delete(r.byParticipant, conn.ParticipantID)
		}
		if room, exists := r.byMeeting[conn.MeetingID]; exists {
			delete(room, id)
			if len(room) == 0 {
				delete(r.byMeeting, conn.MeetingID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByParticipant returns the participant's live connection, or nil.
func (r *Registry) GetByParticipant(participantID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byParticipant[participantID]
}

// Broadcast sends a message to every connection in the meeting. Write
// errors on individual connections are ignored; dead connections are
// cleaned up by their own read loops.
func (r *Registry) Broadcast(meetingID string, data []byte) {
	for _, conn := range r.Meeting(meetingID) {
		_ = conn.WriteMessage(data)
	}
}

// Meeting returns a snapshot of the meeting's current connections.
func (r *Registry) Meeting(meetingID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.byMeeting[meetingID]
	conns := make([]*Connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	return conns
}

// MeetingIDs returns the meetings that currently have live connections.
func (r *Registry) MeetingIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byMeeting))
	for id := range r.byMeeting {
		ids = append(ids, id)
	}
	return ids
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
