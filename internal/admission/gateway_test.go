package admission

import (
	"context"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/queue"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
)

func newTestGateway(defaults ratelimit.LimitConfig, queueOpts ...queue.Option) (*Gateway, *queue.Queue) {
	resolver := ratelimit.NewResolver(nil, defaults, time.Minute)
	limiter := ratelimit.New(resolver, nil, nil)
	q := queue.New(queueOpts...)
	return NewGateway(limiter, resolver, q), q
}

func TestAdmitAllowed(t *testing.T) {
	gw, _ := newTestGateway(ratelimit.DefaultConfig)
	ctx := context.Background()
	p := principal.User("u1")

	outcome := gw.Admit(ctx, p, "/api/v1/query")
	if outcome.Status != Admitted {
		t.Fatalf("status = %v, want Admitted", outcome.Status)
	}
	if outcome.RequestID == "" {
		t.Fatal("admitted outcome must carry a request id")
	}

	gw.Complete(ctx, p, outcome.RequestID, 42*time.Millisecond)
	if snap := gw.Snapshot(ctx, p); snap.ConcurrentCount != 0 {
		t.Fatalf("concurrent count after complete = %d, want 0", snap.ConcurrentCount)
	}
}

func TestAdmitQueuedOnDenial(t *testing.T) {
	gw, q := newTestGateway(ratelimit.LimitConfig{PerMinute: 0, PerHour: 10, PerDay: 10, Concurrent: 10, Priority: 4})
	ctx := context.Background()
	p := principal.User("u1")

	outcome := gw.Admit(ctx, p, "/api/v1/query")
	if outcome.Status != Queued {
		t.Fatalf("status = %v, want Queued", outcome.Status)
	}
	if !outcome.Queue.Queued || outcome.Queue.Rank != 1 {
		t.Fatalf("queue position = %+v, want rank 1", outcome.Queue)
	}
	if !q.Contains(p) {
		t.Fatal("principal should hold a queue entry")
	}

	// The queued entry carries the displaced endpoint and the configured
	// priority.
	e := q.Dequeue()
	if e.Priority != 4 {
		t.Fatalf("priority = %d, want 4", e.Priority)
	}
	if payload, ok := e.Payload.(QueuedRequest); !ok || payload.Endpoint != "/api/v1/query" {
		t.Fatalf("payload = %+v", e.Payload)
	}
}

func TestAdmitThrottledWhenQueueFull(t *testing.T) {
	gw, _ := newTestGateway(
		ratelimit.LimitConfig{PerMinute: 0, PerHour: 10, PerDay: 10, Concurrent: 10},
		queue.WithMaxSize(0),
	)
	ctx := context.Background()

	outcome := gw.Admit(ctx, principal.User("u1"), "/api/v1/query")
	if outcome.Status != Throttled {
		t.Fatalf("status = %v, want Throttled", outcome.Status)
	}
	if outcome.RetryAfter != 60 {
		t.Fatalf("retry_after = %d, want 60", outcome.RetryAfter)
	}
}

func TestAdmitDeniedPrincipalKeepsSingleQueueEntry(t *testing.T) {
	gw, q := newTestGateway(ratelimit.LimitConfig{PerMinute: 0, PerHour: 10, PerDay: 10, Concurrent: 10})
	ctx := context.Background()
	p := principal.User("u1")

	first := gw.Admit(ctx, p, "/api/v1/query")
	second := gw.Admit(ctx, p, "/api/v1/query")

	if first.Status != Queued || second.Status != Queued {
		t.Fatal("both admissions should be queued")
	}
	if q.Size() != 1 {
		t.Fatalf("queue size = %d, want 1 (dedup)", q.Size())
	}
}
