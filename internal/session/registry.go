// Package session tracks which device currently owns a participant's
// live session. Exactly one WebSocket connection is allowed per
// participant; a new registration for the same participant reports the
// previous session so the caller can kick it.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all live-session hashes.
	KeyPrefix = "live:session:"

	// TTL is the time-to-live for session keys. Refreshed on activity;
	// a crashed server's sessions age out on their own.
	TTL = 1 * time.Hour
)

// Session is the ownership record for one participant's live session.
type Session struct {
	SessionID   string `redis:"session_id"`
	MeetingID   string `redis:"meeting_id"`
	Server      string `redis:"server"` // which server instance holds the connection
	ConnectedAt int64  `redis:"connected_at"`
}

// Registry manages session ownership in Redis.
type Registry struct {
	client     *redis.Client
	serverName string
}

// NewRegistry creates a session registry connected to Redis.
func NewRegistry(redisAddr, serverName string) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Registry{client: client, serverName: serverName}, nil
}

// NewRegistryWithClient wraps an existing Redis client. Used where the
// caller shares one client across stores.
func NewRegistryWithClient(client *redis.Client, serverName string) *Registry {
	return &Registry{client: client, serverName: serverName}
}

// Register records sessionID as the participant's live session. If a
// different session was registered, it is returned so the caller can
// deliver a kick to that device; the new session always wins the slot.
func (r *Registry) Register(ctx context.Context, participantID, sessionID, meetingID string) (*Session, error) {
	key := KeyPrefix + participantID

	prev, err := r.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.SessionID == sessionID {
		prev = nil // same session re-registering is not a takeover
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"session_id":   sessionID,
		"meeting_id":   meetingID,
		"server":       r.serverName,
		"connected_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: register %s: %w", participantID, err)
	}

	return prev, nil
}

// Get retrieves the participant's session record. Returns nil if none.
func (r *Registry) Get(ctx context.Context, participantID string) (*Session, error) {
	key := KeyPrefix + participantID
	var s Session
	if err := r.client.HGetAll(ctx, key).Scan(&s); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", participantID, err)
	}
	if s.SessionID == "" {
		return nil, nil
	}
	return &s, nil
}

// Unregister removes the participant's session record, but only if it
// still belongs to sessionID. A kicked connection's late disconnect must
// not clobber the session that took over.
func (r *Registry) Unregister(ctx context.Context, participantID, sessionID string) error {
	cur, err := r.Get(ctx, participantID)
	if err != nil {
		return err
	}
	if cur == nil || cur.SessionID != sessionID {
		return nil
	}
	if err := r.client.Del(ctx, KeyPrefix+participantID).Err(); err != nil {
		return fmt.Errorf("session: unregister %s: %w", participantID, err)
	}
	return nil
}

// Refresh extends the session's TTL.
func (r *Registry) Refresh(ctx context.Context, participantID string) error {
	return r.client.Expire(ctx, KeyPrefix+participantID, TTL).Err()
}

// Close closes the underlying Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client for use by other stores.
func (r *Registry) Client() *redis.Client {
	return r.client
}
