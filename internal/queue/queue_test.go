package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
)

// withTicker gives each enqueue a distinct timestamp so FIFO ordering within a
// priority is deterministic.
func withTicker(q *Queue) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	q.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Millisecond)
		return base
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	withTicker(q)

	a := principal.User("A")
	b := principal.User("B")
	c := principal.User("C")

	if _, ok := q.Enqueue(a, 1, nil, nil); !ok {
		t.Fatal("enqueue A failed")
	}
	q.Enqueue(b, 10, nil, nil)
	q.Enqueue(c, 5, nil, nil)

	// A enqueued first but has the lowest priority: rank 3.
	pos := q.PositionOf(a)
	if !pos.Queued || pos.Rank != 3 || pos.Total != 3 {
		t.Fatalf("position(A) = %+v, want rank 3 of 3", pos)
	}

	want := []string{"user:B", "user:C", "user:A"}
	for i, key := range want {
		e := q.Dequeue()
		if e == nil || e.Principal.Key() != key {
			t.Fatalf("dequeue %d = %v, want %s", i, e, key)
		}
	}
	if q.Dequeue() != nil {
		t.Fatal("dequeue on empty queue should return nil")
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New()
	withTicker(q)

	for _, id := range []string{"one", "two", "three"} {
		q.Enqueue(principal.User(id), 5, nil, nil)
	}

	want := []string{"user:one", "user:two", "user:three"}
	for i, key := range want {
		e := q.Dequeue()
		if e.Principal.Key() != key {
			t.Fatalf("dequeue %d = %s, want %s", i, e.Principal.Key(), key)
		}
	}
}

func TestDedupPerPrincipal(t *testing.T) {
	q := New()
	withTicker(q)

	a := principal.User("A")
	q.Enqueue(principal.User("B"), 50, nil, nil)

	id1, ok := q.Enqueue(a, 1, nil, nil)
	if !ok {
		t.Fatal("first enqueue failed")
	}
	posBefore := q.PositionOf(a)

	// Second enqueue with a higher priority: same id, position unchanged.
	id2, ok := q.Enqueue(a, 99, nil, nil)
	if !ok || id2 != id1 {
		t.Fatalf("second enqueue returned (%s, %v), want the original id %s", id2, ok, id1)
	}
	if got := q.PositionOf(a); got != posBefore {
		t.Fatalf("position changed on duplicate enqueue: %+v -> %+v", posBefore, got)
	}
	if q.Size() != 2 {
		t.Fatalf("size = %d, want 2", q.Size())
	}
}

func TestRemoveRestoresState(t *testing.T) {
	q := New()
	withTicker(q)

	a := principal.User("A")
	q.Enqueue(principal.User("B"), 10, nil, nil)
	sizeBefore := q.Size()

	id, _ := q.Enqueue(a, 5, nil, nil)
	if !q.Remove(id) {
		t.Fatal("remove should succeed for a queued id")
	}
	if q.Remove(id) {
		t.Fatal("remove should fail for an already-removed id")
	}
	if q.Size() != sizeBefore {
		t.Fatalf("size = %d, want %d", q.Size(), sizeBefore)
	}
	if q.Contains(a) {
		t.Fatal("removed principal should no longer be queued")
	}

	// The principal can enqueue again after removal.
	if _, ok := q.Enqueue(a, 5, nil, nil); !ok {
		t.Fatal("re-enqueue after remove failed")
	}
}

func TestRemoveNonRootKeepsOrdering(t *testing.T) {
	q := New()
	withTicker(q)

	q.Enqueue(principal.User("A"), 10, nil, nil)
	idB, _ := q.Enqueue(principal.User("B"), 5, nil, nil)
	q.Enqueue(principal.User("C"), 7, nil, nil)
	q.Enqueue(principal.User("D"), 1, nil, nil)

	q.Remove(idB)

	want := []string{"user:A", "user:C", "user:D"}
	for i, key := range want {
		e := q.Dequeue()
		if e.Principal.Key() != key {
			t.Fatalf("dequeue %d = %s, want %s", i, e.Principal.Key(), key)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := New(WithMaxSize(2))
	withTicker(q)

	q.Enqueue(principal.User("A"), 0, nil, nil)
	q.Enqueue(principal.User("B"), 0, nil, nil)

	if _, ok := q.Enqueue(principal.User("C"), 0, nil, nil); ok {
		t.Fatal("enqueue beyond max_size should be rejected")
	}

	// A duplicate enqueue still returns the existing id even when full.
	if _, ok := q.Enqueue(principal.User("A"), 0, nil, nil); !ok {
		t.Fatal("duplicate enqueue should succeed while full")
	}
}

func TestZeroMaxSizeRejectsEverything(t *testing.T) {
	q := New(WithMaxSize(0))
	if _, ok := q.Enqueue(principal.User("A"), 0, nil, nil); ok {
		t.Fatal("max_size=0 queue must reject every enqueue")
	}
}

func TestPositionAndETA(t *testing.T) {
	q := New(WithProcessTimeEstimate(30 * time.Second))
	withTicker(q)

	c := principal.User("C")
	q.Enqueue(principal.User("A"), 10, nil, nil)
	q.Enqueue(principal.User("B"), 10, nil, nil)
	q.Enqueue(c, 1, nil, nil)

	pos := q.PositionOf(c)
	if pos.Rank != 3 {
		t.Fatalf("rank = %d, want 3", pos.Rank)
	}
	if pos.ETASeconds != 90 {
		t.Fatalf("eta = %d, want 90", pos.ETASeconds)
	}

	notQueued := q.PositionOf(principal.User("Z"))
	if notQueued.Queued || notQueued.Rank != 0 || notQueued.Total != 3 {
		t.Fatalf("position of absent principal = %+v", notQueued)
	}
}

func TestClear(t *testing.T) {
	q := New()
	withTicker(q)

	a := principal.User("A")
	q.Enqueue(a, 0, nil, nil)
	q.Enqueue(principal.User("B"), 0, nil, nil)

	if cleared := q.Clear(); cleared != 2 {
		t.Fatalf("clear = %d, want 2", cleared)
	}
	if q.Size() != 0 {
		t.Fatalf("size after clear = %d, want 0", q.Size())
	}
	if q.Contains(a) {
		t.Fatal("contains should be false for every principal after clear")
	}
}

func TestOnDequeueCallback(t *testing.T) {
	q := New()
	withTicker(q)

	var called *Entry
	q.Enqueue(principal.User("A"), 0, "payload", func(e *Entry) { called = e })

	e := q.Dequeue()
	if called == nil || called != e {
		t.Fatal("OnDequeue callback should run with the dequeued entry")
	}
	if e.Payload != "payload" {
		t.Fatalf("payload = %v, want %q", e.Payload, "payload")
	}
}

func TestConcurrentEnqueueDedup(t *testing.T) {
	q := New(WithMaxSize(1000))

	p := principal.User("A")
	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = q.Enqueue(p, i, nil, nil)
		}(i)
	}
	wg.Wait()

	if q.Size() != 1 {
		t.Fatalf("size = %d, want 1 (at most one entry per principal)", q.Size())
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatal("all concurrent enqueues must observe the same entry id")
		}
	}
}
