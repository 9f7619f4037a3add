package locations

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis instance and cleans up test
// keys. Tests are skipped when no Redis answers on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, KeyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})

	return NewStore(client)
}

func TestSaveAndGetLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		ParticipantID:  "mu-1",
		Lat:            37.497,
		Lng:            127.027,
		MovementStatus: "MOVING",
		ReportedAt:     1700000000000,
	}
	if err := s.SaveLatest(ctx, "test_m1", rec); err != nil {
		t.Fatalf("SaveLatest() error: %v", err)
	}

	got, err := s.Latest(ctx, "test_m1", "mu-1")
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if got == nil || got.Lat != rec.Lat || got.Lng != rec.Lng || got.MovementStatus != "MOVING" {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestLatestMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Latest(context.Background(), "test_m1", "mu-none")
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveLatest(ctx, "test_m2", Record{ParticipantID: "mu-1", Lat: 1, Lng: 1, ReportedAt: 1})
	s.SaveLatest(ctx, "test_m2", Record{ParticipantID: "mu-1", Lat: 2, Lng: 2, ReportedAt: 2})

	got, err := s.Latest(ctx, "test_m2", "mu-1")
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if got.Lat != 2 || got.ReportedAt != 2 {
		t.Errorf("expected newest record to win, got %+v", got)
	}
}

func TestAllByMeetingOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveLatest(ctx, "test_m3", Record{ParticipantID: "mu-c", Lat: 3})
	s.SaveLatest(ctx, "test_m3", Record{ParticipantID: "mu-a", Lat: 1})
	s.SaveLatest(ctx, "test_m3", Record{ParticipantID: "mu-b", Lat: 2})

	records, err := s.AllByMeeting(ctx, "test_m3")
	if err != nil {
		t.Fatalf("AllByMeeting() error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"mu-a", "mu-b", "mu-c"} {
		if records[i].ParticipantID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, records[i].ParticipantID)
		}
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveLatest(ctx, "test_m4", Record{ParticipantID: "mu-1"})
	s.SaveLatest(ctx, "test_m4", Record{ParticipantID: "mu-2"})

	if err := s.Remove(ctx, "test_m4", "mu-1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	records, _ := s.AllByMeeting(ctx, "test_m4")
	if len(records) != 1 || records[0].ParticipantID != "mu-2" {
		t.Errorf("expected only mu-2 left, got %+v", records)
	}

	if err := s.Clear(ctx, "test_m4"); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	records, _ = s.AllByMeeting(ctx, "test_m4")
	if len(records) != 0 {
		t.Errorf("expected empty meeting after Clear, got %+v", records)
	}
}
