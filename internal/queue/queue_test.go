package queue

import (
	"testing"
	"time"
)

func TestQueue_ReleaseAll_FIFOOrder(t *testing.T) {
	q := New()

	entryA, err := q.Queue("svc", 10, time.Second)
	if err != nil {
		t.Fatalf("queue entry A: %v", err)
	}
	entryB, err := q.Queue("svc", 10, time.Second)
	if err != nil {
		t.Fatalf("queue entry B: %v", err)
	}

	// ReleaseAll walks the bucket front to back, so enqueue order is
	// release order.
	if bucket := q.queues["svc"]; len(bucket) != 2 || bucket[0] != entryA || bucket[1] != entryB {
		t.Fatalf("expected entries queued in order A, B")
	}

	released := q.ReleaseAll("svc", "ready")
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}

	outcomeA := entryA.Wait()
	outcomeB := entryB.Wait()

	if outcomeA.Kind != Released || outcomeA.Payload != "ready" {
		t.Fatalf("entry A not released correctly: %+v", outcomeA)
	}
	if outcomeB.Kind != Released || outcomeB.Payload != "ready" {
		t.Fatalf("entry B not released correctly: %+v", outcomeB)
	}
}

func TestQueue_Overflow_FailsImmediately(t *testing.T) {
	q := New()
	for i := 0; i < 2; i++ {
		if _, err := q.Queue("svc", 2, time.Second); err != nil {
			t.Fatalf("unexpected error queuing entry %d: %v", i, err)
		}
	}

	if _, err := q.Queue("svc", 2, time.Second); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_Timeout_ResolvesIndependently(t *testing.T) {
	q := New()
	entry, err := q.Queue("svc", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}

	outcome := entry.Wait()
	if outcome.Kind != Timeout {
		t.Fatalf("expected Timeout outcome, got %+v", outcome)
	}
	if q.Pending("svc") != 0 {
		t.Fatalf("expected timed-out entry to be removed from queue")
	}
}

func TestQueue_CancelAll_ResolvesAsCancelled(t *testing.T) {
	q := New()
	entry, err := q.Queue("svc", 10, time.Second)
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}

	if n := q.CancelAll("svc"); n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}

	outcome := entry.Wait()
	if outcome.Kind != Cancelled {
		t.Fatalf("expected Cancelled outcome, got %+v", outcome)
	}
}

func TestQueue_TimeoutIdempotentAgainstConcurrentRelease(t *testing.T) {
	q := New()
	entry, err := q.Queue("svc", 10, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}

	// Release races the timer; whichever wins, the entry resolves exactly
	// once and the other completion is a no-op.
	go q.ReleaseAll("svc", "payload")

	outcome := entry.Wait()
	if outcome.Kind != Released && outcome.Kind != Timeout {
		t.Fatalf("expected Released or Timeout, got %+v", outcome)
	}
}
