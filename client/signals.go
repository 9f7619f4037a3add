package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gatherly/meetup-live/internal/protocol"
)

// NudgeCooldown is the minimum spacing between nudges from this client.
// The server enforces the same window; the local check keeps rejected
// sends off the wire.
const NudgeCooldown = 10 * time.Second

// EmojiTTL is how long a received emoji stays visible on the indicator
// board before it clears itself.
const EmojiTTL = 3 * time.Second

// ErrCooldown is returned when a nudge is sent before the cooldown
// expires. Use errors.Is to detect it; the wrapped message carries the
// remaining wait.
var ErrCooldown = errors.New("client: nudge cooldown active")

// ErrInvalidSignal is returned for unknown nudge kinds or emoji.
var ErrInvalidSignal = errors.New("client: invalid signal")

// SignalSender sends nudges and emoji over an established connection.
type SignalSender struct {
	mu        sync.Mutex
	send      func(msgType string, payload interface{}) error
	lastNudge time.Time
	cooldown  time.Duration

	now func() time.Time
}

// NewSignalSender wraps a send function, typically
// ConnectionManager.Send.
func NewSignalSender(send func(msgType string, payload interface{}) error) *SignalSender {
	return &SignalSender{
		send:     send,
		cooldown: NudgeCooldown,
		now:      time.Now,
	}
}

// SendNudge directs an URGE or BLAME at the target. Inside the cooldown
// window nothing is sent and the error reports the remaining wait.
func (s *SignalSender) SendNudge(targetID, kind string) error {
	if !protocol.ValidNudgeKind(kind) {
		return fmt.Errorf("%w: nudge kind %q", ErrInvalidSignal, kind)
	}

	s.mu.Lock()
	elapsed := s.now().Sub(s.lastNudge)
	if !s.lastNudge.IsZero() && elapsed < s.cooldown {
		remaining := s.cooldown - elapsed
		s.mu.Unlock()
		return fmt.Errorf("%w: %s remaining", ErrCooldown, remaining.Round(time.Second))
	}
	s.lastNudge = s.now()
	s.mu.Unlock()

	return s.send(protocol.TypeNudge, protocol.NudgeMsg{TargetID: targetID, Kind: kind})
}

// SendEmoji broadcasts a reaction. Emoji have no cooldown; the server
// still validates the identifier.
func (s *SignalSender) SendEmoji(emoji string) error {
	if !protocol.ValidEmoji(emoji) {
		return fmt.Errorf("%w: emoji %q", ErrInvalidSignal, emoji)
	}
	return s.send(protocol.TypeEmoji, protocol.EmojiMsg{Emoji: emoji})
}

// IndicatorBoard tracks which emoji is currently showing next to each
// participant. An emoji expires EmojiTTL after it arrives; a newer one
// from the same sender replaces it and restarts the clock.
type IndicatorBoard struct {
	mu     sync.Mutex
	active map[string]string
	timers map[string]*time.Timer
	ttl    time.Duration

	// onClear, if set, fires after an emoji expires.
	onClear func(participantID string)
}

// NewIndicatorBoard creates an empty board with the default TTL.
func NewIndicatorBoard() *IndicatorBoard {
	return NewIndicatorBoardWithTTL(EmojiTTL)
}

// NewIndicatorBoardWithTTL is NewIndicatorBoard with a custom expiry.
func NewIndicatorBoardWithTTL(ttl time.Duration) *IndicatorBoard {
	return &IndicatorBoard{
		active: make(map[string]string),
		timers: make(map[string]*time.Timer),
		ttl:    ttl,
	}
}

// OnClear registers a callback for emoji expiry.
func (b *IndicatorBoard) OnClear(fn func(participantID string)) {
	b.mu.Lock()
	b.onClear = fn
	b.mu.Unlock()
}

// Apply shows the broadcast emoji for its sender and restarts that
// sender's expiry clock.
func (b *IndicatorBoard) Apply(msg protocol.EmojiBroadcastMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active[msg.SenderID] = msg.Emoji
	if t, ok := b.timers[msg.SenderID]; ok {
		t.Stop()
	}
	sender := msg.SenderID
	b.timers[sender] = time.AfterFunc(b.ttl, func() {
		b.expire(sender)
	})
}

// Active returns the emoji currently showing for the participant.
func (b *IndicatorBoard) Active(participantID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	emoji, ok := b.active[participantID]
	return emoji, ok
}

// Clear drops all indicators and cancels their timers.
func (b *IndicatorBoard) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.active = make(map[string]string)
	b.timers = make(map[string]*time.Timer)
}

func (b *IndicatorBoard) expire(participantID string) {
	b.mu.Lock()
	delete(b.active, participantID)
	delete(b.timers, participantID)
	onClear := b.onClear
	b.mu.Unlock()

	if onClear != nil {
		onClear(participantID)
	}
}
