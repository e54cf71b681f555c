package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

func testAlert(fp string) *models.Alert {
	return &models.Alert{Fingerprint: fp, Name: "ContainerDown"}
}

func TestEnqueueUpToCapacity(t *testing.T) {
	q := New(2)
	if !q.Enqueue(testAlert("a")) {
		t.Fatal("first enqueue should succeed")
	}
	if !q.Enqueue(testAlert("b")) {
		t.Fatal("second enqueue should succeed")
	}
	if q.Enqueue(testAlert("c")) {
		t.Fatal("third enqueue should overflow")
	}
	if q.Depth() != 2 {
		t.Errorf("expected depth 2, got %d", q.Depth())
	}
}

func TestEnqueueMarksDegraded(t *testing.T) {
	q := New(10)
	if q.Degraded() {
		t.Fatal("fresh queue should not be degraded")
	}
	q.Enqueue(testAlert("a"))
	if !q.Degraded() {
		t.Fatal("queue should be degraded once something is enqueued")
	}
}

type fakeDrainer struct {
	mu         sync.Mutex
	reachable  bool
	processed  []string
	failOn     string
}

func (f *fakeDrainer) Reachable(ctx context.Context) bool { return f.reachable }

func (f *fakeDrainer) Process(ctx context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.Alert.Fingerprint == f.failOn {
		return errors.New("simulated persistence failure")
	}
	f.processed = append(f.processed, item.Alert.Fingerprint)
	return nil
}

func TestDrainOnceUnreachableKeepsItems(t *testing.T) {
	q := New(10)
	q.Enqueue(testAlert("a"))
	d := &fakeDrainer{reachable: false}
	q.drainOnce(context.Background(), d, 100)
	if q.Depth() != 1 {
		t.Errorf("expected item to remain queued, depth=%d", q.Depth())
	}
	if !q.Degraded() {
		t.Error("should still be degraded")
	}
}

func TestDrainOnceFlushesAndClearsDegraded(t *testing.T) {
	q := New(10)
	q.Enqueue(testAlert("a"))
	q.Enqueue(testAlert("b"))
	d := &fakeDrainer{reachable: true}
	q.drainOnce(context.Background(), d, 100)

	if q.Depth() != 0 {
		t.Errorf("expected empty queue, depth=%d", q.Depth())
	}
	if q.Degraded() {
		t.Error("should no longer be degraded once drained")
	}
	if len(d.processed) != 2 {
		t.Errorf("expected 2 processed, got %d", len(d.processed))
	}
}

func TestDrainOnceRequeuesRemainderOnFailure(t *testing.T) {
	q := New(10)
	q.Enqueue(testAlert("a"))
	q.Enqueue(testAlert("b"))
	q.Enqueue(testAlert("c"))
	d := &fakeDrainer{reachable: true, failOn: "b"}
	q.drainOnce(context.Background(), d, 100)

	if q.Depth() != 2 {
		t.Fatalf("expected b and c requeued, depth=%d", q.Depth())
	}
	if len(d.processed) != 1 || d.processed[0] != "a" {
		t.Errorf("expected only 'a' processed, got %v", d.processed)
	}
}

func TestRunDrainsOnTicker(t *testing.T) {
	q := New(10)
	q.Enqueue(testAlert("a"))
	d := &fakeDrainer{reachable: true}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	q.RunWithInterval(ctx, d, 10*time.Millisecond, 100)

	if q.Depth() != 0 {
		t.Errorf("expected queue drained by ticker, depth=%d", q.Depth())
	}
}
