package client

import (
	"sync"
	"time"

	"github.com/gatherly/meetup-live/internal/geo"
)

// ConnectionState is the tracking client's connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"

	// StateTerminated means the session is over and the client will not
	// try again on its own: explicit disconnect, a rejected handshake, a
	// kick, or the reconnect budget ran out.
	StateTerminated ConnectionState = "TERMINATED"
)

// ConnectionEvent reports a connection state change.
type ConnectionEvent struct {
	State   ConnectionState
	Attempt int   // reconnect attempt number, 0 outside reconnects
	Err     error // cause, if the change was failure-driven
}

// PresenceEvent reports a change to one participant's tracked presence.
type PresenceEvent struct {
	ParticipantID string
	Position      geo.Coordinate
	Status        string
	Arrived       bool
	Distance      string // formatted distance to the destination
	ReportedAt    time.Time
}

// RosterChange reports a participant joining or leaving the roster.
type RosterChange struct {
	ParticipantID string
	Nickname      string
	Joined        bool // false means left
}

// SignalEvent reports an incoming nudge or emoji.
type SignalEvent struct {
	Kind     string // nudge kind (URGE, BLAME) or emoji identifier
	Emoji    bool   // true for emoji, false for nudge
	SenderID string
	TargetID string // empty for emoji
	SentAt   time.Time
}

// Bus fans typed events out to subscribed handlers. Handlers run on the
// publisher's goroutine and must not block.
type Bus struct {
	mu         sync.RWMutex
	connection []func(ConnectionEvent)
	presence   []func(PresenceEvent)
	roster     []func(RosterChange)
	signal     []func(SignalEvent)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnConnection subscribes to connection state changes.
func (b *Bus) OnConnection(fn func(ConnectionEvent)) {
	b.mu.Lock()
	b.connection = append(b.connection, fn)
	b.mu.Unlock()
}

// OnPresence subscribes to presence updates.
func (b *Bus) OnPresence(fn func(PresenceEvent)) {
	b.mu.Lock()
	b.presence = append(b.presence, fn)
	b.mu.Unlock()
}

// OnRoster subscribes to roster membership changes.
func (b *Bus) OnRoster(fn func(RosterChange)) {
	b.mu.Lock()
	b.roster = append(b.roster, fn)
	b.mu.Unlock()
}

// OnSignal subscribes to incoming nudges and emoji.
func (b *Bus) OnSignal(fn func(SignalEvent)) {
	b.mu.Lock()
	b.signal = append(b.signal, fn)
	b.mu.Unlock()
}

// PublishConnection delivers a connection event to subscribers.
func (b *Bus) PublishConnection(e ConnectionEvent) {
	b.mu.RLock()
	handlers := b.connection
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// PublishPresence delivers a presence event to subscribers.
func (b *Bus) PublishPresence(e PresenceEvent) {
	b.mu.RLock()
	handlers := b.presence
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// PublishRoster delivers a roster change to subscribers.
func (b *Bus) PublishRoster(e RosterChange) {
	b.mu.RLock()
	handlers := b.roster
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// PublishSignal delivers a signal event to subscribers.
func (b *Bus) PublishSignal(e SignalEvent) {
	b.mu.RLock()
	handlers := b.signal
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}
