package roster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestDetailFetchesRosterAndDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/meetings/m1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Service-Key") != "secret" {
			t.Error("service key header missing")
		}
		json.NewEncoder(w).Encode(Detail{
			MeetingID:      "m1",
			DestinationLat: f64(37.497),
			DestinationLng: f64(127.027),
			Participants: []Participant{
				{ID: "mu-1", Nickname: "alpha"},
				{ID: "mu-2", Nickname: "beta"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	detail, err := c.Detail(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Detail() error: %v", err)
	}
	lat, lng, ok := detail.Destination()
	if !ok || lat != 37.497 || lng != 127.027 {
		t.Errorf("unexpected destination %v,%v (ok=%v)", lat, lng, ok)
	}
	if len(detail.Participants) != 2 {
		t.Errorf("unexpected detail %+v", detail)
	}
	if !detail.Member("mu-2") {
		t.Error("expected mu-2 to be a member")
	}
	if detail.Member("mu-9") {
		t.Error("mu-9 should not be a member")
	}
}

func TestDetailWithoutDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Detail{
			MeetingID:    "m1",
			Participants: []Participant{{ID: "mu-1", Nickname: "alpha"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	detail, err := c.Detail(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Detail() error: %v", err)
	}
	if _, _, ok := detail.Destination(); ok {
		t.Error("expected no destination for a meeting without one")
	}
}

func TestDetailNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	if _, err := c.Detail(context.Background(), "m-missing"); err == nil {
		t.Error("expected error for missing meeting")
	}
}

func TestPatchStatusSendsBody(t *testing.T) {
	var gotPath, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotStatus = body["movementStatus"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	if err := c.PatchStatus(context.Background(), "m1", "mu-1", "ARRIVED"); err != nil {
		t.Fatalf("PatchStatus() error: %v", err)
	}
	if gotPath != "/internal/meetings/m1/participants/mu-1/status" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotStatus != "ARRIVED" {
		t.Errorf("expected ARRIVED, got %q", gotStatus)
	}
}

func TestVerifyResolvesParticipant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Error("bearer token missing")
		}
		json.NewEncoder(w).Encode(map[string]string{"participantId": "mu-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	id, err := c.Verify(context.Background(), "tok-1", "m1")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id != "mu-1" {
		t.Errorf("expected mu-1, got %q", id)
	}
}

func TestVerifyDistinguishesRejections(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	if _, err := c.Verify(context.Background(), "tok-1", "m1"); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember for 403, got %v", err)
	}

	status = http.StatusUnauthorized
	if _, err := c.Verify(context.Background(), "tok-1", "m1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for 401, got %v", err)
	}
}

func TestPatchStatusServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	if err := c.PatchStatus(context.Background(), "m1", "mu-1", "PAUSED"); err == nil {
		t.Error("expected error for server failure")
	}
}
