package history

import (
	"context"
	"sync"
	"testing"
	"time"
)

// batchRecorder captures flushed batches for assertions.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]Entry
}

func (r *batchRecorder) flush(_ context.Context, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBufferFlushesWhenFull(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBuffer(3, time.Hour, rec.flush)
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Add(Entry{MeetingID: "m1", ParticipantID: "mu-1"})
	}

	if got := rec.count(); got != 1 {
		t.Fatalf("expected 1 flush after filling the batch, got %d", got)
	}
	rec.mu.Lock()
	size := len(rec.batches[0])
	rec.mu.Unlock()
	if size != 3 {
		t.Errorf("expected batch of 3, got %d", size)
	}
	if b.Pending() != 0 {
		t.Errorf("expected empty buffer after flush, got %d pending", b.Pending())
	}
}

func TestBufferFlushesOnInterval(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBuffer(100, 20*time.Millisecond, rec.flush)
	defer b.Close()

	b.Add(Entry{MeetingID: "m1", ParticipantID: "mu-1"})

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() == 0 {
		t.Fatal("expected interval flush within a second")
	}
}

func TestBufferCloseFlushesRemaining(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBuffer(100, time.Hour, rec.flush)

	b.Add(Entry{MeetingID: "m1", ParticipantID: "mu-1"})
	b.Add(Entry{MeetingID: "m1", ParticipantID: "mu-2"})
	b.Close()

	if got := rec.count(); got != 1 {
		t.Fatalf("expected flush on close, got %d batches", got)
	}
	rec.mu.Lock()
	size := len(rec.batches[0])
	rec.mu.Unlock()
	if size != 2 {
		t.Errorf("expected 2 entries flushed on close, got %d", size)
	}
}

func TestBufferEmptyFlushIsNoop(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBuffer(10, time.Hour, rec.flush)
	defer b.Close()

	b.Flush()
	if got := rec.count(); got != 0 {
		t.Errorf("expected no flush for an empty buffer, got %d", got)
	}
}
