package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingEvictor struct {
	calls atomic.Int32
}

func (c *countingEvictor) Cleanup(ctx context.Context) {
	c.calls.Add(1)
}

type panickingSessions struct{}

func (panickingSessions) DeleteExpiredSessions(ctx context.Context) (int, error) {
	panic("store exploded")
}

func TestRunAllContainsPanics(t *testing.T) {
	evictor := &countingEvictor{}
	s := NewService(evictor, panickingSessions{}, time.Minute, time.Minute)

	// Must not propagate the panic out of the pass.
	s.runAll(context.Background())
	s.runAll(context.Background())

	if evictor.calls.Load() != 2 {
		t.Fatalf("evictor calls = %d, want 2", evictor.calls.Load())
	}
}

func TestIdleModeTransitions(t *testing.T) {
	s := NewService(&countingEvictor{}, nil, time.Minute, 50*time.Millisecond)

	if s.Sleeping() {
		t.Fatal("service should start awake")
	}

	// No activity past the sleep timeout: the next pass decision flips to
	// idle mode.
	time.Sleep(60 * time.Millisecond)
	if !s.shouldRun() {
		t.Fatal("the pass that enters idle mode still runs")
	}
	if !s.Sleeping() {
		t.Fatal("service should be sleeping after the idle timeout")
	}

	// While sleeping, passes are skipped until the stretched interval
	// elapses.
	if s.shouldRun() {
		t.Fatal("pass should be skipped while sleeping")
	}

	s.RecordActivity()
	if s.Sleeping() {
		t.Fatal("activity must wake the service")
	}
}

func TestStartStop(t *testing.T) {
	evictor := &countingEvictor{}
	s := NewService(evictor, nil, 10*time.Millisecond, time.Hour)

	s.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	if evictor.calls.Load() == 0 {
		t.Fatal("cleanup passes should have run")
	}

	// Once Stop has returned the loop has exited: no further passes run.
	calls := evictor.calls.Load()
	time.Sleep(25 * time.Millisecond)
	if evictor.calls.Load() != calls {
		t.Fatal("no passes may run after Stop")
	}
}
