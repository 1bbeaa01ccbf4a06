// Package admission combines rate limiting and queueing into the single
// decision that precedes every agent request.
package admission

import (
	"context"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/queue"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
)

// Status is the admission decision for one request.
type Status int

const (
	// Admitted: the request may execute now. The caller owns RequestID and
	// must hand it to Complete on every exit path.
	Admitted Status = iota
	// Queued: rate limits displaced the request into the priority queue.
	Queued
	// Throttled: rate limited and the queue is full; terminal for this
	// request.
	Throttled
)

// Outcome carries the admission decision plus the counter snapshot for
// header emission.
type Outcome struct {
	Status     Status
	RequestID  string // set when Admitted
	RetryAfter int    // seconds; set when Throttled
	Queue      queue.Position
	Snapshot   ratelimit.Snapshot
}

// QueuedRequest is the payload stored with a queue entry.
type QueuedRequest struct {
	Endpoint string `json:"endpoint"`
}

// Gateway is the single entry point in front of request execution.
type Gateway struct {
	limiter  *ratelimit.Limiter
	queue    *queue.Queue
	resolver *ratelimit.Resolver
}

// NewGateway wires a limiter, its resolver, and a queue into a gateway.
func NewGateway(limiter *ratelimit.Limiter, resolver *ratelimit.Resolver, q *queue.Queue) *Gateway {
	return &Gateway{limiter: limiter, queue: q, resolver: resolver}
}

// Admit decides whether the request may run. Allowed requests are recorded
// against the principal's window; denied ones are enqueued at the
// principal's configured priority, falling back to Throttled when the
// queue is full.
func (g *Gateway) Admit(ctx context.Context, p principal.Principal, endpoint string) Outcome {
	decision, snap := g.limiter.Check(ctx, p)
	if decision.Allowed {
		requestID := g.limiter.Record(ctx, p, endpoint)
		// Re-snapshot so emitted headers account for this request.
		return Outcome{
			Status:    Admitted,
			RequestID: requestID,
			Snapshot:  g.limiter.Snapshot(ctx, p),
		}
	}

	cfg := g.resolver.Resolve(ctx, p)
	if _, ok := g.queue.Enqueue(p, cfg.Priority, QueuedRequest{Endpoint: endpoint}, nil); ok {
		return Outcome{
			Status:   Queued,
			Queue:    g.queue.PositionOf(p),
			Snapshot: snap,
		}
	}

	return Outcome{
		Status:     Throttled,
		RetryAfter: decision.RetryAfter,
		Snapshot:   snap,
	}
}

// Complete releases the concurrency slot held by an admitted request. Safe
// to call with ids the limiter does not know.
func (g *Gateway) Complete(ctx context.Context, p principal.Principal, requestID string, duration time.Duration) {
	g.limiter.Complete(ctx, p, requestID, duration)
}

// Snapshot reports the principal's counters without consuming quota.
func (g *Gateway) Snapshot(ctx context.Context, p principal.Principal) ratelimit.Snapshot {
	return g.limiter.Snapshot(ctx, p)
}

// QueuePosition reports the principal's place in the overflow queue.
func (g *Gateway) QueuePosition(p principal.Principal) queue.Position {
	return g.queue.PositionOf(p)
}
