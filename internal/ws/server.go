// Package ws implements the live-tracking WebSocket server: handshake
// authentication, per-meeting connection registry, read loops, heartbeat
// monitoring, and message dispatch.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// TokenVerifier authenticates a handshake. It is an external
// collaborator: the tracking core never issues or inspects credentials
// itself. Verify returns the caller's per-meeting participant ID, or an
// error if the token is invalid or the user is not a member of the
// meeting.
type TokenVerifier interface {
	Verify(ctx context.Context, token, meetingID string) (participantID string, err error)
}

// ErrNotMember is returned by TokenVerifier implementations when the
// authenticated user does not belong to the requested meeting. The
// server answers it with 403 instead of 401.
var ErrNotMember = errors.New("ws: not a member of this meeting")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	MaxConnections    int           // hard cap on total connections
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // ping cadence, 10s per the protocol
	HeartbeatTimeout  time.Duration // grace after a ping before eviction
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		MaxConnections:    50000,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Server upgrades HTTP requests to authenticated, meeting-scoped
// WebSocket connections and runs one read goroutine per connection.
// Meetings are small and reports are spaced seconds apart, so the
// goroutine-per-connection model holds comfortably within the
// connection cap.
type Server struct {
	config   ServerConfig
	registry *Registry
	verifier TokenVerifier

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection, replaced *Connection)
	onDisconnect func(conn *Connection)

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. onMessage is invoked from the owning
// connection's read goroutine for every complete text frame, which
// serializes all message handling for a given session.
func NewServer(config ServerConfig, verifier TokenVerifier, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		registry:  NewRegistry(),
		verifier:  verifier,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is
// registered. replaced is non-nil when the same participant already had
// a live connection; the callback owns kicking it.
func (s *Server) SetOnConnect(fn func(conn *Connection, replaced *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is
// removed (read error, heartbeat eviction, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It starts the heartbeat monitor in the background and
// blocks on ListenAndServe. extra handlers (metrics, health) can be
// mounted through the returned mux before calling Start.
func (s *Server) Start(mux *http.ServeMux) error {
	s.startedAt = time.Now()

	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.heartbeatLoop()

	log.Printf("ws: server listening on %s (max_conns=%d, heartbeat=%s)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.HeartbeatInterval)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake and upgrades it to a
// WebSocket connection. Authentication failures are answered with an
// explicit HTTP status before the upgrade, which clients treat as a
// structural rejection (no reconnect).
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	meetingID := r.Header.Get("X-Meeting-ID")
	if meetingID == "" {
		meetingID = r.URL.Query().Get("meetingId")
	}
	token := bearerToken(r)
	if meetingID == "" || token == "" {
		http.Error(w, "missing meeting id or token", http.StatusUnauthorized)
		return
	}

	participantID, err := s.verifier.Verify(r.Context(), token, meetingID)
	if err != nil {
		log.Printf("ws: handshake rejected meeting=%s: %v", meetingID, err)
		status := http.StatusUnauthorized
		if errors.Is(err, ErrNotMember) {
			status = http.StatusForbidden
		}
		http.Error(w, "unauthorized", status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed meeting=%s participant=%s: %v", meetingID, participantID, err)
		return
	}

	c := &Connection{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		MeetingID:     meetingID,
		Conn:          conn,
		CreatedAt:     time.Now(),
	}
	c.Touch()

	replaced := s.registry.Add(c)

	if s.onConnect != nil {
		s.onConnect(c, replaced)
	}

	go s.readLoop(c)

	log.Printf("ws: new connection session=%s meeting=%s participant=%s (total=%d)",
		c.ID, meetingID, participantID, s.registry.Count())
}

// readLoop reads frames from one connection until it dies. Control
// frames are handled inline; text frames go to the message callback.
// All inbound handling for a session happens on this goroutine, so
// message processing is naturally serialized in delivery order.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	idleBudget := s.config.HeartbeatInterval + s.config.HeartbeatTimeout

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = c.Conn.SetReadDeadline(time.Now().Add(idleBudget))

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Printf("ws: read idle timeout session=%s", c.ID)
			}
			return
		}

		c.Touch()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				payload := make([]byte, header.Length)
				if header.Length > 0 {
					if _, err := io.ReadFull(reader, payload); err != nil {
						return
					}
				}
				_ = c.writePong(payload)
			default:
				// Pong: activity already recorded, drain and move on.
				_, _ = io.Copy(io.Discard, reader)
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// heartbeatLoop pings every live connection at the configured interval
// and evicts connections that have been silent past the grace window.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, c := range s.registry.All() {
				if c.IdleFor() > deadline {
					log.Printf("ws: heartbeat timeout session=%s idle=%s",
						c.ID, c.IdleFor().Round(time.Second))
					s.RemoveConnection(c)
					continue
				}
				if err := c.WritePing(); err != nil {
					log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
					s.RemoveConnection(c)
				}
			}
		}
	}
}

// RemoveConnection removes a connection from the registry and closes it.
// The registry guard makes concurrent removals (read error racing a
// heartbeat eviction) converge on a single cleanup.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.registry.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed session=%s meeting=%s participant=%s (total=%d)",
		c.ID, c.MeetingID, c.ParticipantID, s.registry.Count())
}

// Send writes a message to a specific connection with the configured
// write timeout.
func (s *Server) Send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Registry exposes the connection registry for broadcast and lookup by
// the handler layer.
func (s *Server) Registry() *Registry {
	return s.registry
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown gracefully stops the server: no new connections, heartbeat
// loop stopped, all live connections closed.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.registry.All() {
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// bearerToken extracts the bearer token from the Authorization header,
// falling back to the token query parameter (browser WebSocket clients
// cannot always set headers).
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
