package history

import (
	"context"
	"log"
	"sync"
	"time"
)

// Buffer accumulates entries and flushes them in batches, either when
// the batch is full or when the flush interval elapses. Writes from the
// NATS handler are cheap; the database only sees batched inserts.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry

	size     int
	interval time.Duration
	flush    func(context.Context, []Entry) error

	done chan struct{}
	once sync.Once
}

// NewBuffer creates a buffer that calls flush with at most size entries.
func NewBuffer(size int, interval time.Duration, flush func(context.Context, []Entry) error) *Buffer {
	b := &Buffer{
		entries:  make([]Entry, 0, size),
		size:     size,
		interval: interval,
		flush:    flush,
		done:     make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Add queues an entry. A full batch is flushed inline so the buffer
// never grows beyond one batch.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	full := len(b.entries) >= b.size
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush writes any pending entries immediately.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = make([]Entry, 0, b.size)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.flush(ctx, batch); err != nil {
		// The batch is dropped. History is best effort; losing a batch
		// must not back-pressure the live channel.
		log.Printf("[history] flush of %d entries failed: %v", len(batch), err)
	}
}

// Pending returns the number of queued entries.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close stops the background flusher and flushes remaining entries.
func (b *Buffer) Close() {
	b.once.Do(func() {
		close(b.done)
	})
	b.Flush()
}

func (b *Buffer) flushLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.done:
			return
		}
	}
}
