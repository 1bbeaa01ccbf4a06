package reqlog

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeInserter records flushed batches.
type fakeInserter struct {
	mu      sync.Mutex
	batches [][]Row
}

func (f *fakeInserter) BatchInsertRequestLog(ctx context.Context, batch []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeInserter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 3, time.Hour)

	c.LogRequest("r1", "u1", "", "/e", "accepted")
	c.LogRequest("r2", "u1", "", "/e", "accepted")
	if store.total() != 0 {
		t.Fatal("collector should buffer below the batch size")
	}

	c.LogRequest("r3", "u1", "", "/e", "accepted")
	if store.total() != 3 {
		t.Fatalf("flushed rows = %d, want 3", store.total())
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 100, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	c.LogRequest("r1", "", "k1", "/e", "accepted")
	c.Stop()
	<-done

	if store.total() != 1 {
		t.Fatalf("flushed rows = %d, want 1 after stop", store.total())
	}
	row := store.batches[0][0]
	if row.RequestID != "r1" || row.APIKeyID != "k1" || row.Endpoint != "/e" {
		t.Fatalf("row = %+v", row)
	}
}
