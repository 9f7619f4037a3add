package client

import (
	"sort"
	"sync"
	"time"

	"github.com/gatherly/meetup-live/internal/geo"
	"github.com/gatherly/meetup-live/internal/movement"
	"github.com/gatherly/meetup-live/internal/protocol"
	"github.com/gatherly/meetup-live/internal/roster"
)

// Presence is one roster member's last known state as the client sees
// it. Position and status come from location broadcasts; Distance is
// the formatted distance from the member to the destination.
type Presence struct {
	ParticipantID string
	Nickname      string
	Position      geo.Coordinate
	Status        string
	Arrived       bool
	Distance      string
	ReportedAt    time.Time
	HasPosition   bool
}

// Synchronizer keeps the local view of every roster member in sync
// with incoming broadcasts. Reports apply in delivery order; a report
// for someone not on the roster is dropped. The server's arrived flag
// is authoritative: when it names the local participant, the movement
// machine is forced to ARRIVED and the tracker stops.
type Synchronizer struct {
	mu          sync.Mutex
	localID     string
	destination *geo.Coordinate // nil until the meeting has one
	members     map[string]*Presence

	machine *movement.Machine
	tracker *Tracker
	bus     *Bus
}

// NewSynchronizer creates a synchronizer for the local participant.
func NewSynchronizer(localID string, machine *movement.Machine, tracker *Tracker, bus *Bus) *Synchronizer {
	return &Synchronizer{
		localID: localID,
		members: make(map[string]*Presence),
		machine: machine,
		tracker: tracker,
		bus:     bus,
	}
}

// SetRoster replaces the membership list from a meeting detail and
// publishes a RosterChange for every join and leave. Known members keep
// their tracked state.
func (s *Synchronizer) SetRoster(detail *roster.Detail) {
	s.mu.Lock()
	if lat, lng, ok := detail.Destination(); ok {
		s.destination = &geo.Coordinate{Lat: lat, Lng: lng}
	} else {
		s.destination = nil
	}

	incoming := make(map[string]roster.Participant, len(detail.Participants))
	for _, p := range detail.Participants {
		incoming[p.ID] = p
	}

	var changes []RosterChange
	for id, p := range incoming {
		if existing, ok := s.members[id]; ok {
			existing.Nickname = p.Nickname
			continue
		}
		s.members[id] = &Presence{ParticipantID: id, Nickname: p.Nickname, Status: string(movement.StatusPending)}
		changes = append(changes, RosterChange{ParticipantID: id, Nickname: p.Nickname, Joined: true})
	}
	for id, member := range s.members {
		if _, ok := incoming[id]; !ok {
			changes = append(changes, RosterChange{ParticipantID: id, Nickname: member.Nickname})
			delete(s.members, id)
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.bus.PublishRoster(c)
	}
}

// ApplyReport applies one location broadcast. The last delivered report
// wins regardless of its client timestamp; the channel preserves
// per-sender order, and clock skew between devices makes timestamp
// comparison worse than delivery order.
func (s *Synchronizer) ApplyReport(msg protocol.LocationBroadcastMsg) {
	s.mu.Lock()
	member, ok := s.members[msg.ParticipantID]
	if !ok {
		s.mu.Unlock()
		return
	}

	member.Position = geo.Coordinate{Lat: msg.Lat, Lng: msg.Lng}
	member.ReportedAt = time.UnixMilli(msg.ReportedAt)
	member.HasPosition = true
	if msg.MovementStatus != "" {
		member.Status = msg.MovementStatus
	}
	member.Arrived = msg.Arrived
	if msg.Arrived {
		member.Status = string(movement.StatusArrived)
	}
	// Without a destination there is nothing to measure against; the
	// position still updates and broadcasts.
	if s.destination != nil {
		member.Distance = geo.FormatDistance(geo.Distance(member.Position, *s.destination))
	} else {
		member.Distance = ""
	}

	event := PresenceEvent{
		ParticipantID: member.ParticipantID,
		Position:      member.Position,
		Status:        member.Status,
		Arrived:       member.Arrived,
		Distance:      member.Distance,
		ReportedAt:    member.ReportedAt,
	}
	local := msg.ParticipantID == s.localID && msg.Arrived
	s.mu.Unlock()

	if local {
		s.machine.Arrive(geo.Coordinate{Lat: msg.Lat, Lng: msg.Lng})
		if s.tracker != nil {
			s.tracker.Stop()
		}
	}

	s.bus.PublishPresence(event)
}

// ApplySnapshot applies the initial snapshot's reports in array order.
// Each one goes through the same path as a live broadcast.
func (s *Synchronizer) ApplySnapshot(msg protocol.SnapshotMsg) {
	for _, report := range msg.Reports {
		s.ApplyReport(report)
	}
}

// HandleMessage routes a server message from the connection manager.
func (s *Synchronizer) HandleMessage(msgType string, msg interface{}) {
	switch msgType {
	case protocol.TypeLocation:
		s.ApplyReport(msg.(protocol.LocationBroadcastMsg))
	case protocol.TypeSnapshot:
		s.ApplySnapshot(msg.(protocol.SnapshotMsg))
	}
}

// Presence returns the tracked state for one participant.
func (s *Synchronizer) Presence(participantID string) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.members[participantID]
	if !ok {
		return Presence{}, false
	}
	return *member, true
}

// All returns every tracked member ordered by participant ID.
func (s *Synchronizer) All() []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Presence, 0, len(s.members))
	for _, member := range s.members {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// Destination returns the meeting destination, or ok=false when the
// meeting has none set.
func (s *Synchronizer) Destination() (geo.Coordinate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destination == nil {
		return geo.Coordinate{}, false
	}
	return *s.destination, true
}
