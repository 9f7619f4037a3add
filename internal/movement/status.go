// Package movement models a participant's journey state for one live
// session: PENDING until they first share, MOVING while broadcasting,
// PAUSED when suspended, ARRIVED once at the destination. ARRIVED is
// terminal for the session.
package movement

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gatherly/meetup-live/internal/geo"
)

// Status is a participant's movement state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusMoving  Status = "MOVING"
	StatusPaused  Status = "PAUSED"
	StatusArrived Status = "ARRIVED"
)

// Tracking thresholds shared by server and client.
const (
	// MinMoveDistanceMeters is the minimum displacement that counts as
	// actual movement when updating a participant's last position.
	MinMoveDistanceMeters = 20.0

	// ArrivalDistanceMeters is how close to the destination a position
	// must be to count as arrived.
	ArrivalDistanceMeters = 60.0

	// PauseThreshold is how long a MOVING participant may go without
	// measurable movement before being considered paused.
	PauseThreshold = 10 * time.Minute
)

// ErrInvalidTransition is returned when a requested state change is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("movement: invalid status transition")

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusMoving, StatusPaused, StatusArrived:
		return Status(s), nil
	}
	return "", fmt.Errorf("movement: unknown status %q", s)
}

// Terminal reports whether no further transitions are defined out of s.
func (s Status) Terminal() bool {
	return s == StatusArrived
}

// Machine tracks the local participant's movement status and the
// positions needed to make transition decisions. It is goroutine-safe.
type Machine struct {
	mu           sync.Mutex
	status       Status
	departedAt   time.Time
	lastMovingAt time.Time
	lastPosition *geo.Coordinate

	now func() time.Time
}

// NewMachine returns a Machine in the PENDING state.
func NewMachine() *Machine {
	return &Machine{status: StatusPending, now: time.Now}
}

// Status returns the current movement status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Depart starts (or resumes) movement from the given position.
// Allowed from PENDING and PAUSED. The first departure time is recorded
// only once; resuming keeps the original departure.
func (m *Machine) Depart(pos geo.Coordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusPending && m.status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, StatusMoving)
	}

	if m.departedAt.IsZero() {
		m.departedAt = m.now()
	}
	m.lastMovingAt = m.now()
	p := pos
	m.lastPosition = &p
	m.status = StatusMoving
	return nil
}

// Pause suspends movement. Allowed only from MOVING.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusMoving {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, StatusPaused)
	}
	m.status = StatusPaused
	return nil
}

// Arrive forces ARRIVED from any non-terminal state. It is
// system-derived (the server's arrival flag), never user-initiated, so
// it overrides PENDING, MOVING and PAUSED alike. Calling it again after
// arrival is a no-op: stale input after arrival is informational only.
func (m *Machine) Arrive(pos geo.Coordinate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusArrived {
		return
	}
	p := pos
	m.lastPosition = &p
	m.status = StatusArrived
}

// UpdateIfMoved records pos as the new last position if the participant
// is MOVING and has displaced at least MinMoveDistanceMeters since the
// previous fix. It returns whether actual movement was recorded.
func (m *Machine) UpdateIfMoved(pos geo.Coordinate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusMoving {
		return false
	}

	if m.lastPosition == nil {
		p := pos
		m.lastPosition = &p
		m.lastMovingAt = m.now()
		return true
	}

	if geo.Distance(*m.lastPosition, pos) < MinMoveDistanceMeters {
		return false
	}

	p := pos
	m.lastPosition = &p
	m.lastMovingAt = m.now()
	return true
}

// IdleFor returns how long the participant has gone without measurable
// movement. Zero if movement has never been recorded.
func (m *Machine) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastMovingAt.IsZero() {
		return 0
	}
	return m.now().Sub(m.lastMovingAt)
}

// LastPosition returns the most recent recorded position, or false if
// none has been recorded yet.
func (m *Machine) LastPosition() (geo.Coordinate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastPosition == nil {
		return geo.Coordinate{}, false
	}
	return *m.lastPosition, true
}

// StatusOnDisconnect decides a participant's final status when their
// session drops: within the arrival radius of the destination they are
// treated as arrived, otherwise as paused.
func StatusOnDisconnect(last, destination geo.Coordinate) Status {
	if geo.Within(last, destination, ArrivalDistanceMeters) {
		return StatusArrived
	}
	return StatusPaused
}
