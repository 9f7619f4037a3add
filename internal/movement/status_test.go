package movement

import (
	"errors"
	"testing"
	"time"

	"github.com/gatherly/meetup-live/internal/geo"
)

var (
	cityHall = geo.Coordinate{Lat: 37.5665, Lng: 126.9780}
	northKm  = geo.Coordinate{Lat: 37.5765, Lng: 126.9780} // ~1.1km north
)

func TestInitialStatusIsPending(t *testing.T) {
	m := NewMachine()
	if got := m.Status(); got != StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestDepartFromPending(t *testing.T) {
	m := NewMachine()
	if err := m.Depart(cityHall); err != nil {
		t.Fatalf("Depart() error: %v", err)
	}
	if got := m.Status(); got != StatusMoving {
		t.Errorf("expected MOVING, got %s", got)
	}
}

func TestPauseOnlyFromMoving(t *testing.T) {
	m := NewMachine()

	// PENDING -> PAUSED must be rejected.
	if err := m.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from PENDING, got %v", err)
	}

	if err := m.Depart(cityHall); err != nil {
		t.Fatalf("Depart() error: %v", err)
	}
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if got := m.Status(); got != StatusPaused {
		t.Errorf("expected PAUSED, got %s", got)
	}
}

func TestResumeFromPaused(t *testing.T) {
	m := NewMachine()
	if err := m.Depart(cityHall); err != nil {
		t.Fatalf("Depart() error: %v", err)
	}
	if err := m.Pause(); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := m.Depart(northKm); err != nil {
		t.Fatalf("resume Depart() error: %v", err)
	}
	if got := m.Status(); got != StatusMoving {
		t.Errorf("expected MOVING after resume, got %s", got)
	}
}

func TestDepartWhileMovingRejected(t *testing.T) {
	m := NewMachine()
	if err := m.Depart(cityHall); err != nil {
		t.Fatalf("Depart() error: %v", err)
	}
	if err := m.Depart(cityHall); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestArriveOverridesAnyNonTerminalState(t *testing.T) {
	for _, setup := range []struct {
		name string
		prep func(m *Machine)
	}{
		{"from_pending", func(m *Machine) {}},
		{"from_moving", func(m *Machine) { m.Depart(cityHall) }},
		{"from_paused", func(m *Machine) { m.Depart(cityHall); m.Pause() }},
	} {
		m := NewMachine()
		setup.prep(m)
		m.Arrive(cityHall)
		if got := m.Status(); got != StatusArrived {
			t.Errorf("%s: expected ARRIVED, got %s", setup.name, got)
		}
	}
}

func TestArrivedIsTerminal(t *testing.T) {
	m := NewMachine()
	m.Depart(cityHall)
	m.Arrive(cityHall)

	if err := m.Depart(cityHall); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected Depart after arrival to fail, got %v", err)
	}
	if err := m.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected Pause after arrival to fail, got %v", err)
	}

	// Repeated arrival input is informational only.
	m.Arrive(northKm)
	if got := m.Status(); got != StatusArrived {
		t.Errorf("expected ARRIVED to stick, got %s", got)
	}
}

func TestUpdateIfMoved(t *testing.T) {
	m := NewMachine()

	// Not moving: updates are ignored.
	if m.UpdateIfMoved(cityHall) {
		t.Error("expected no movement recorded while PENDING")
	}

	if err := m.Depart(cityHall); err != nil {
		t.Fatalf("Depart() error: %v", err)
	}

	// A few meters of drift is below the 20m threshold.
	drift := geo.Coordinate{Lat: cityHall.Lat + 0.00002, Lng: cityHall.Lng}
	if m.UpdateIfMoved(drift) {
		t.Error("expected sub-threshold drift to be ignored")
	}

	if !m.UpdateIfMoved(northKm) {
		t.Error("expected 1.1km displacement to count as movement")
	}
	last, ok := m.LastPosition()
	if !ok || last != northKm {
		t.Errorf("expected last position %v, got %v (ok=%v)", northKm, last, ok)
	}
}

func TestIdleFor(t *testing.T) {
	m := NewMachine()
	base := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	if m.IdleFor() != 0 {
		t.Error("expected zero idle before any movement")
	}

	m.Depart(cityHall)
	current = base.Add(11 * time.Minute)

	if idle := m.IdleFor(); idle < PauseThreshold {
		t.Errorf("expected idle >= pause threshold, got %s", idle)
	}
}

func TestStatusOnDisconnect(t *testing.T) {
	dest := cityHall

	// A position a few meters from the destination counts as arrived.
	near := geo.Coordinate{Lat: dest.Lat + 0.0002, Lng: dest.Lng} // ~22m
	if got := StatusOnDisconnect(near, dest); got != StatusArrived {
		t.Errorf("expected ARRIVED near destination, got %s", got)
	}

	if got := StatusOnDisconnect(northKm, dest); got != StatusPaused {
		t.Errorf("expected PAUSED away from destination, got %s", got)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"PENDING", "MOVING", "PAUSED", "ARRIVED"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) error: %v", s, err)
		}
	}
	if _, err := ParseStatus("TELEPORTING"); err == nil {
		t.Error("expected error for unknown status")
	}
}
