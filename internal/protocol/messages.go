// Package protocol defines the WebSocket message types exchanged between
// tracking clients and the live server. All messages are JSON with a
// consistent envelope carrying a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeInit     = "init"     // request the initial snapshot
	TypeLocation = "location" // position report (also the broadcast type)
	TypeNudge    = "nudge"    // directed poke at another participant
	TypeEmoji    = "emoji"    // broadcast reaction
	TypePing     = "ping"
)

// Server -> Client message types. TypeLocation, TypeNudge and TypeEmoji
// are shared with the client->server direction: the broadcast mirrors
// the publish.
const (
	TypeSnapshot    = "snapshot"
	TypeKick        = "kick"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Nudge sub-kinds.
const (
	NudgeUrge  = "URGE"
	NudgeBlame = "BLAME"
)

// emojiSet is the closed set of reaction identifiers clients may send.
var emojiSet = map[string]bool{
	"RUNNING":  true,
	"ANGRY":    true,
	"CRYING":   true,
	"LAUGHING": true,
	"YAWNING":  true,
	"SLEEPING": true,
	"CHEERING": true,
}

// ValidEmoji reports whether e is one of the allowed reaction identifiers.
func ValidEmoji(e string) bool {
	return emojiSet[e]
}

// ValidNudgeKind reports whether k is a known nudge sub-kind.
func ValidNudgeKind(k string) bool {
	return k == NudgeUrge || k == NudgeBlame
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// InitMsg asks the server to deliver the personal initial snapshot of
// all known participant positions for the connected meeting.
type InitMsg struct {
	Type string `json:"type"`
}

// LocationReportMsg is a single position report from a participant.
type LocationReportMsg struct {
	Type          string  `json:"type"`
	ParticipantID string  `json:"participantId"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	ReportedAt    int64   `json:"reportedAt"` // client clock, unix millis
}

// NudgeMsg is a directed social signal (urge or blame) at one participant.
type NudgeMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
	Kind     string `json:"kind"` // URGE | BLAME
}

// EmojiMsg is a broadcast reaction from the sender.
type EmojiMsg struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// LocationBroadcastMsg relays one participant's position to the meeting.
// Arrived is derived by the server against the meeting destination;
// clients never recompute it.
type LocationBroadcastMsg struct {
	Type           string  `json:"type"`
	ParticipantID  string  `json:"participantId"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	ReportedAt     int64   `json:"reportedAt"`
	MovementStatus string  `json:"movementStatus,omitempty"`
	Arrived        bool    `json:"arrived"`
}

// SnapshotMsg is the personal initial-state message: one report per
// participant with a known last position, applied in array order.
type SnapshotMsg struct {
	Type    string                 `json:"type"`
	Reports []LocationBroadcastMsg `json:"reports"`
}

// KickMsg signals forced session termination (another device took over).
type KickMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// NudgeBroadcastMsg relays a nudge to the meeting.
type NudgeBroadcastMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
	TargetID string `json:"targetId"`
	Kind     string `json:"kind"`
	SentAt   int64  `json:"sentAt"`
}

// EmojiBroadcastMsg relays a reaction to the meeting.
type EmojiBroadcastMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
	Emoji    string `json:"emoji"`
	SentAt   int64  `json:"sentAt"`
}

// RateLimitedMsg is sent when the server rejects an action for exceeding
// its rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed
// client->server message. It returns the message type string, the
// decoded struct, and any error. Unknown or server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeInit:
		var m InitMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLocation:
		var m LocationReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNudge:
		var m NudgeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEmoji:
		var m EmojiMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw WebSocket bytes into a typed
// server->client message. The tracking client uses this on its read loop.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeLocation:
		var m LocationBroadcastMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSnapshot:
		var m SnapshotMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeKick:
		var m KickMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNudge:
		var m NudgeBroadcastMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEmoji:
		var m EmojiBroadcastMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRateLimited:
		var m RateLimitedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded byte slice for a message of the
// given type. The msgType is injected into the payload under the "type"
// key so callers can pass structs without filling the Type field.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
