// Package queue implements the Degraded-Mode Queue (spec §4.11): a bounded
// in-memory FIFO that keeps the intake path answering webhooks while
// Postgres is unreachable, and drains itself back into the normal
// pipeline once persistence recovers.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

// DefaultCapacity is the bounded queue size named in §4.11.
const DefaultCapacity = 500

// DefaultBatchSize is how many items one drain pass flushes.
const DefaultBatchSize = 100

// DefaultDrainInterval is how often the background drainer wakes to
// probe persistence and, if reachable, flush a batch.
const DefaultDrainInterval = 30 * time.Second

// Item is a single alert held for later processing.
type Item struct {
	Alert    *models.Alert
	Queued   time.Time
}

// Drainer is what the queue calls back into once it believes persistence
// is reachable again.
type Drainer interface {
	// Reachable reports whether the persistence layer will currently
	// accept writes. Called once per drain tick before attempting to
	// flush anything.
	Reachable(ctx context.Context) bool
	// Process re-enters the normal intake pipeline for a single queued
	// alert. A non-nil error puts the item back at the front of the
	// queue and aborts the rest of the batch — persistence is assumed
	// to still be unhealthy.
	Process(ctx context.Context, item Item) error
}

// Queue is a bounded FIFO guarded by a mutex. Its entire job is to
// survive until persistence comes back; there is no durability beyond
// process memory, which is the tradeoff that keeps it dependency-free.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	degraded bool
}

// New builds a Queue with the given bounds.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue adds an alert to the tail of the queue. Returns false if the
// queue is at capacity — the caller should answer the webhook with
// {status: overflow}.
func (q *Queue) Enqueue(alert *models.Alert) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, Item{Alert: alert, Queued: time.Now().UTC()})
	q.degraded = true
	return true
}

// Depth reports how many items are currently queued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Degraded reports whether the service is currently operating in
// degraded mode, for the /health endpoint.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// popBatch removes up to n items from the head of the queue.
func (q *Queue) popBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	return batch
}

// requeueFront puts items back at the head, used when a drain attempt
// fails partway through a batch.
func (q *Queue) requeueFront(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(items, q.items...)
}

// Run starts the background drain loop; it blocks until ctx is
// cancelled, so callers invoke it as `go queue.Run(ctx, drainer)`.
func (q *Queue) Run(ctx context.Context, d Drainer) {
	q.RunWithInterval(ctx, d, DefaultDrainInterval, DefaultBatchSize)
}

// RunWithInterval is Run with configurable timing, split out for tests
// that can't wait 30 real seconds for a tick.
func (q *Queue) RunWithInterval(ctx context.Context, d Drainer, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce(ctx, d, batchSize)
		}
	}
}

// drainOnce probes reachability and, if healthy, flushes one batch.
func (q *Queue) drainOnce(ctx context.Context, d Drainer, batchSize int) {
	if q.Depth() == 0 {
		q.mu.Lock()
		q.degraded = false
		q.mu.Unlock()
		return
	}
	if !d.Reachable(ctx) {
		return
	}

	batch := q.popBatch(batchSize)
	for i, item := range batch {
		if err := d.Process(ctx, item); err != nil {
			log.Printf("[queue] drain failed on fingerprint=%s: %v, requeuing remainder", item.Alert.Fingerprint, err)
			q.requeueFront(batch[i:])
			return
		}
	}

	log.Printf("[queue] drained %d items, %d remaining", len(batch), q.Depth())
	if q.Depth() == 0 {
		q.mu.Lock()
		q.degraded = false
		q.mu.Unlock()
	}
}
