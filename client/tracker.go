package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gatherly/meetup-live/internal/geo"
)

// MinSendInterval is the minimum spacing between location sends. Fresh
// fixes inside the window are cached, not dropped; the safety net sends
// the cached fix once the window opens, and re-sends the last known
// position when the source goes quiet.
const MinSendInterval = 5 * time.Second

// Position source failures the tracker surfaces to its caller.
var (
	ErrPermissionDenied = errors.New("client: location permission denied")
	ErrUnavailable      = errors.New("client: location unavailable")
	ErrTimeout          = errors.New("client: location fix timed out")
)

// Position is one fix from the device.
type Position struct {
	Coord geo.Coordinate
	At    time.Time
}

// PositionSource delivers device position fixes. Watch returns a
// channel that closes when ctx is cancelled; implementations map their
// platform errors onto ErrPermissionDenied, ErrUnavailable or
// ErrTimeout.
type PositionSource interface {
	Watch(ctx context.Context) (<-chan Position, error)
}

// Tracker turns a stream of position fixes into throttled location
// sends. At most one send per MinSendInterval; a background ticker
// flushes the latest cached fix so slow sources still report.
type Tracker struct {
	source   PositionSource
	send     func(Position) error
	interval time.Duration

	mu       sync.Mutex
	cached   *Position // fresh fix waiting out a closed window
	last     *Position // most recently sent fix, for starvation re-sends
	lastSent time.Time
	cancel   context.CancelFunc
	running  bool
}

// NewTracker creates a tracker that calls send for each throttled fix.
func NewTracker(source PositionSource, send func(Position) error) *Tracker {
	return NewTrackerWithInterval(source, send, MinSendInterval)
}

// NewTrackerWithInterval is NewTracker with a custom send interval.
func NewTrackerWithInterval(source PositionSource, send func(Position) error, interval time.Duration) *Tracker {
	return &Tracker{
		source:   source,
		send:     send,
		interval: interval,
	}
}

// Start begins watching the position source. Starting a running tracker
// is a no-op.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	fixes, err := t.source.Watch(ctx)
	if err != nil {
		cancel()
		t.mu.Unlock()
		return err
	}
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	go t.loop(ctx, fixes)
	return nil
}

// Stop halts tracking and clears the cached and last-sent fixes so a
// later Start does not replay a stale position.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.cancel()
	t.cancel = nil
	t.running = false
	t.cached = nil
	t.last = nil
	t.lastSent = time.Time{}
}

// Running reports whether the tracker is watching the source.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) loop(ctx context.Context, fixes <-chan Position) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case pos, ok := <-fixes:
			if !ok {
				return
			}
			t.offer(pos)
		case <-ticker.C:
			t.flush()
		case <-ctx.Done():
			return
		}
	}
}

// offer sends the fix immediately if the send window is open, otherwise
// caches it for the safety-net ticker.
func (t *Tracker) offer(pos Position) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	if time.Since(t.lastSent) < t.interval {
		p := pos
		t.cached = &p
		t.mu.Unlock()
		return
	}
	t.lastSent = time.Now()
	t.cached = nil
	p := pos
	t.last = &p
	t.mu.Unlock()

	t.send(pos)
}

// flush runs on the safety-net ticker. It sends the cached fix if one
// is waiting; with nothing cached it re-sends the last known position,
// so a starved source does not leave observers with a stale view of a
// still-moving participant.
func (t *Tracker) flush() {
	t.mu.Lock()
	if !t.running || time.Since(t.lastSent) < t.interval {
		t.mu.Unlock()
		return
	}

	var pos Position
	switch {
	case t.cached != nil:
		pos = *t.cached
		t.cached = nil
	case t.last != nil:
		pos = *t.last
	default:
		t.mu.Unlock()
		return
	}
	t.lastSent = time.Now()
	p := pos
	t.last = &p
	t.mu.Unlock()

	t.send(pos)
}
