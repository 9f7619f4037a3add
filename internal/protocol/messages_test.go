package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientLocationReport(t *testing.T) {
	data := []byte(`{"type":"location","participantId":"mu-7","lat":37.5665,"lng":126.978,"reportedAt":1717263600000}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeLocation {
		t.Fatalf("expected type %q, got %q", TypeLocation, msgType)
	}

	report, ok := msg.(LocationReportMsg)
	if !ok {
		t.Fatalf("expected LocationReportMsg, got %T", msg)
	}
	if report.ParticipantID != "mu-7" {
		t.Errorf("unexpected participant id %q", report.ParticipantID)
	}
	if report.Lat != 37.5665 || report.Lng != 126.978 {
		t.Errorf("unexpected coordinates (%f, %f)", report.Lat, report.Lng)
	}
}

func TestParseClientNudge(t *testing.T) {
	data := []byte(`{"type":"nudge","targetId":"mu-3","kind":"URGE"}`)

	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nudge := msg.(NudgeMsg)
	if nudge.TargetID != "mu-3" || nudge.Kind != NudgeUrge {
		t.Errorf("unexpected nudge %+v", nudge)
	}
}

func TestParseClientMessageUnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"teleport"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestParseClientMessageMissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"lat":1.0}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessageMalformedJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestServerOnlyTypeRejectedFromClient(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"kick","reason":"x"}`))
	if err == nil {
		t.Fatal("expected kick to be rejected as a client message")
	}
}

func TestParseServerSnapshot(t *testing.T) {
	data := []byte(`{"type":"snapshot","reports":[
		{"type":"location","participantId":"mu-1","lat":1,"lng":2,"reportedAt":10,"arrived":false},
		{"type":"location","participantId":"mu-2","lat":3,"lng":4,"reportedAt":20,"arrived":true}
	]}`)

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSnapshot {
		t.Fatalf("expected snapshot, got %q", msgType)
	}

	snap := msg.(SnapshotMsg)
	if len(snap.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(snap.Reports))
	}
	if !snap.Reports[1].Arrived {
		t.Error("expected second report to carry the arrived flag")
	}
}

func TestParseServerLocationCarriesArrivedFlag(t *testing.T) {
	data := []byte(`{"type":"location","participantId":"mu-9","lat":1,"lng":2,"reportedAt":5,"movementStatus":"ARRIVED","arrived":true}`)

	_, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bc := msg.(LocationBroadcastMsg)
	if !bc.Arrived || bc.MovementStatus != "ARRIVED" {
		t.Errorf("unexpected broadcast %+v", bc)
	}
}

func TestNewMessageInjectsType(t *testing.T) {
	data, err := NewMessage(TypeKick, KickMsg{Reason: "duplicate session"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if m["type"] != TypeKick {
		t.Errorf("expected type %q, got %v", TypeKick, m["type"])
	}
	if m["reason"] != "duplicate session" {
		t.Errorf("expected reason to survive, got %v", m["reason"])
	}
}

func TestValidEmoji(t *testing.T) {
	if !ValidEmoji("RUNNING") || !ValidEmoji("CHEERING") {
		t.Error("expected closed-set emoji to validate")
	}
	if ValidEmoji("SHRUG") || ValidEmoji("") {
		t.Error("expected unknown emoji to be rejected")
	}
}

func TestValidNudgeKind(t *testing.T) {
	if !ValidNudgeKind(NudgeUrge) || !ValidNudgeKind(NudgeBlame) {
		t.Error("expected URGE and BLAME to validate")
	}
	if ValidNudgeKind("POKE") {
		t.Error("expected unknown kind to be rejected")
	}
}
