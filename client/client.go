// Package client implements the tracking client for the live meeting
// channel: connection lifecycle with reconnect backoff, the throttled
// location tracker, the presence synchronizer, and the nudge and emoji
// signal surface.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/gatherly/meetup-live/internal/protocol"
)

// Reconnect policy. Delays double from the base up to the cap; after
// MaxReconnectAttempts failed attempts the client stops trying.
const (
	MaxReconnectAttempts = 5
	baseBackoff          = 1 * time.Second
	maxBackoff           = 16 * time.Second

	// PingInterval is how often the client pings the server to keep the
	// connection alive through idle periods.
	PingInterval = 10 * time.Second
)

// backoffDelay returns the wait before reconnect attempt n (1-based).
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// DialFunc establishes a raw WebSocket connection for a meeting. It
// exists so tests can swap the network out.
type DialFunc func(ctx context.Context, meetingID string) (net.Conn, error)

// NewWebSocketDial returns a DialFunc that dials baseURL's /ws endpoint
// with the participant's bearer token and the meeting ID header.
func NewWebSocketDial(baseURL, token string) DialFunc {
	return func(ctx context.Context, meetingID string) (net.Conn, error) {
		d := ws.Dialer{
			Header: ws.HandshakeHeaderHTTP(http.Header{
				"Authorization": []string{"Bearer " + token},
				"X-Meeting-ID":  []string{meetingID},
			}),
		}
		conn, _, _, err := d.Dial(ctx, baseURL+"/ws")
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// ConnectionManager owns one live channel connection and its reconnect
// loop. At most one connection exists at a time; a single timer drives
// reconnects.
type ConnectionManager struct {
	mu       sync.Mutex
	state    ConnectionState
	meeting  string
	attempts int
	conn     net.Conn
	timer    *time.Timer
	gen      int // bumped on every teardown so stale loops exit quietly

	writeMu sync.Mutex

	dial         DialFunc
	bus          *Bus
	onMessage    func(msgType string, msg interface{})
	pingInterval time.Duration
	backoff      func(int) time.Duration
}

// NewConnectionManager creates a disconnected manager. Events are
// published on bus; incoming non-lifecycle messages go to onMessage.
func NewConnectionManager(dial DialFunc, bus *Bus, onMessage func(msgType string, msg interface{})) *ConnectionManager {
	return &ConnectionManager{
		state:        StateDisconnected,
		dial:         dial,
		bus:          bus,
		onMessage:    onMessage,
		pingInterval: PingInterval,
		backoff:      backoffDelay,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect attaches to the meeting's live channel. Calling it again for
// the meeting already being handled is a no-op apart from re-announcing
// the current state; a different meeting tears the old session down and
// starts fresh. Connect after Disconnect or termination also starts a
// fresh lifecycle.
func (m *ConnectionManager) Connect(meetingID string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		if m.meeting == meetingID {
			state := m.state
			m.mu.Unlock()
			m.bus.PublishConnection(ConnectionEvent{State: state})
			return nil
		}
		m.teardownLocked()
	}

	m.meeting = meetingID
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	m.bus.PublishConnection(ConnectionEvent{State: StateConnecting})
	go m.establish()
	return nil
}

// Disconnect is the explicit teardown: it closes the connection,
// cancels any pending reconnect, and marks the session Terminated. It
// is idempotent: calling it twice, or before ever connecting, does
// nothing.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.attempts = MaxReconnectAttempts
	m.state = StateTerminated
	m.mu.Unlock()

	m.bus.PublishConnection(ConnectionEvent{State: StateTerminated})
}

// Send encodes payload under msgType and writes it to the server.
func (m *ConnectionManager) Send(msgType string, payload interface{}) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("client: not connected (state %s)", state)
	}

	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsutil.WriteClientText(conn, data)
}

// establish performs one dial attempt and transitions state based on
// the outcome.
func (m *ConnectionManager) establish() {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	meetingID := m.meeting
	gen := m.gen
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := m.dial(ctx, meetingID)
	cancel()

	if err != nil {
		// A handshake the server answered with an HTTP status is a
		// structural rejection (bad token, not a member, full server).
		// Retrying cannot fix it.
		var se ws.StatusError
		if errors.As(err, &se) {
			m.terminate(err)
			return
		}
		m.handleFailure(err)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect or terminate won the race; this dial is stale.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.state = StateConnected
	done := make(chan struct{})
	m.gen++
	gen = m.gen
	m.mu.Unlock()

	// Every connect and reconnect re-requests the snapshot; any
	// broadcasts missed while offline are recovered through it.
	m.sendInit(conn)

	m.bus.PublishConnection(ConnectionEvent{State: StateConnected})

	go m.readLoop(conn, gen, done)
	go m.pingLoop(conn, done)
}

// sendInit asks the server for the initial snapshot. A failed write
// surfaces on the read loop, so the error is not handled here.
func (m *ConnectionManager) sendInit(conn net.Conn) {
	data, err := protocol.NewMessage(protocol.TypeInit, protocol.InitMsg{})
	if err != nil {
		return
	}
	m.writeMu.Lock()
	_ = wsutil.WriteClientText(conn, data)
	m.writeMu.Unlock()
}

// handleFailure schedules the next reconnect attempt, or terminates
// once the attempt budget is spent.
func (m *ConnectionManager) handleFailure(err error) {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateTerminated {
		m.mu.Unlock()
		return
	}

	m.attempts++
	if m.attempts > MaxReconnectAttempts {
		m.mu.Unlock()
		m.terminate(fmt.Errorf("client: reconnect attempts exhausted: %w", err))
		return
	}

	attempt := m.attempts
	m.state = StateReconnecting
	delay := m.backoff(attempt)
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, m.establish)
	m.mu.Unlock()

	m.bus.PublishConnection(ConnectionEvent{State: StateReconnecting, Attempt: attempt, Err: err})
}

// terminate stops the lifecycle for good. Used for handshake
// rejections, kicks, and the exhausted reconnect budget.
func (m *ConnectionManager) terminate(err error) {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.state = StateTerminated
	m.mu.Unlock()

	m.bus.PublishConnection(ConnectionEvent{State: StateTerminated, Err: err})
}

// teardownLocked closes the connection and cancels the pending timer.
// Callers hold m.mu.
func (m *ConnectionManager) teardownLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *ConnectionManager) readLoop(conn net.Conn, gen int, done chan struct{}) {
	defer close(done)

	// A healthy server answers each ping within an interval. Silence for
	// two intervals means the connection is half-open and must be
	// treated as lost even while writes still succeed.
	idle := 2 * m.pingInterval

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.mu.Lock()
			stale := m.gen != gen || m.state != StateConnected
			m.mu.Unlock()
			if stale {
				return
			}
			conn.Close()
			m.handleFailure(fmt.Errorf("client: connection lost: %w", err))
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}

		switch msgType {
		case protocol.TypeKick:
			kick := msg.(protocol.KickMsg)
			m.terminate(fmt.Errorf("client: kicked: %s", kick.Reason))
			return
		case protocol.TypePong:
			// keepalive only
		default:
			if m.onMessage != nil {
				m.onMessage(msgType, msg)
			}
		}
	}
}

func (m *ConnectionManager) pingLoop(conn net.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			data, err := protocol.NewMessage(protocol.TypePing, protocol.PingMsg{})
			if err != nil {
				return
			}
			m.writeMu.Lock()
			err = wsutil.WriteClientText(conn, data)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
