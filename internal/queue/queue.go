// Package queue holds requests displaced by rate limits until a consumer
// drains them. Ordering is by priority (higher first), then enqueue time,
// with at most one live entry per principal.
package queue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/google/uuid"
)

const (
	// DefaultMaxSize bounds the queue; enqueue beyond it is rejected.
	DefaultMaxSize = 100
	// DefaultProcessTimeEstimate is the per-request wait used for ETAs.
	DefaultProcessTimeEstimate = 30 * time.Second
)

// Entry is a queued request. Immutable after enqueue.
type Entry struct {
	ID         string
	Principal  principal.Principal
	Priority   int
	EnqueuedAt time.Time
	Payload    any
	OnDequeue  func(*Entry)

	index int // heap bookkeeping
}

// sortsBefore reports whether e would dequeue before other: higher priority
// first, earlier enqueue within a priority, id as the deterministic
// tie-break.
func (e *Entry) sortsBefore(other *Entry) bool {
	if e.Priority != other.Priority {
		return e.Priority > other.Priority
	}
	if !e.EnqueuedAt.Equal(other.EnqueuedAt) {
		return e.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return e.ID < other.ID
}

// entryHeap implements heap.Interface over queue entries.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].sortsBefore(h[j]) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return e
}

// Position describes a principal's place in the queue.
type Position struct {
	Queued     bool `json:"queued"`
	Rank       int  `json:"rank"` // 1 = next to dequeue; 0 when not queued
	Total      int  `json:"total"`
	ETASeconds int  `json:"eta_seconds"`
}

// Queue is a bounded priority queue with per-principal deduplication. All
// operations are serialized by a single mutex and never wait on I/O.
type Queue struct {
	mu          sync.Mutex
	heap        entryHeap
	byPrincipal map[string]*Entry // principal key -> live entry
	byID        map[string]*Entry
	maxSize     int
	processTime time.Duration
	now         func() time.Time // injectable clock for testing
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize overrides the maximum queue size. Zero rejects every enqueue.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithProcessTimeEstimate overrides the per-request ETA estimate.
func WithProcessTimeEstimate(d time.Duration) Option {
	return func(q *Queue) { q.processTime = d }
}

// New creates an empty queue with the default size and ETA estimate.
func New(opts ...Option) *Queue {
	q := &Queue{
		byPrincipal: make(map[string]*Entry),
		byID:        make(map[string]*Entry),
		maxSize:     DefaultMaxSize,
		processTime: DefaultProcessTimeEstimate,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a request for the principal. If the principal already has a
// live entry its id is returned unchanged and neither position nor priority
// move. Returns ("", false) when the queue is full.
func (q *Queue) Enqueue(p principal.Principal, prio int, payload any, onDequeue func(*Entry)) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := p.Key()
	if existing, ok := q.byPrincipal[key]; ok {
		return existing.ID, true
	}

	if len(q.heap) >= q.maxSize {
		slog.Warn("request queue full, rejecting", "max_size", q.maxSize, "principal", key)
		return "", false
	}

	e := &Entry{
		ID:         uuid.NewString(),
		Principal:  p,
		Priority:   prio,
		EnqueuedAt: q.now(),
		Payload:    payload,
		OnDequeue:  onDequeue,
	}
	heap.Push(&q.heap, e)
	q.byPrincipal[key] = e
	q.byID[e.ID] = e

	slog.Info("queued request", "id", e.ID, "principal", key, "priority", prio)
	return e.ID, true
}

// Dequeue removes and returns the entry that sorts first, or nil when the
// queue is empty. The entry's OnDequeue callback, if any, runs after the
// entry has left the queue, outside the lock.
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	if len(q.heap) == 0 {
		q.mu.Unlock()
		return nil
	}
	e := heap.Pop(&q.heap).(*Entry)
	delete(q.byPrincipal, e.Principal.Key())
	delete(q.byID, e.ID)
	q.mu.Unlock()

	if e.OnDequeue != nil {
		e.OnDequeue(e)
	}
	return e
}

// Remove cancels a queued entry by id. Returns false when the id is not in
// the queue.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byPrincipal, e.Principal.Key())
	delete(q.byID, id)
	return true
}

// PositionOf reports the principal's rank: one plus the number of entries
// that would dequeue first. The ETA is rank times the process-time
// estimate.
func (q *Queue) PositionOf(p principal.Principal) Position {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := len(q.heap)
	e, ok := q.byPrincipal[p.Key()]
	if !ok {
		return Position{Total: total}
	}

	rank := 1
	for _, other := range q.heap {
		if other != e && other.sortsBefore(e) {
			rank++
		}
	}

	return Position{
		Queued:     true,
		Rank:       rank,
		Total:      total,
		ETASeconds: rank * int(q.processTime/time.Second),
	}
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether the principal has a live entry.
func (q *Queue) Contains(p principal.Principal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPrincipal[p.Key()]
	return ok
}

// Clear drops every queued entry and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.heap)
	q.heap = nil
	q.byPrincipal = make(map[string]*Entry)
	q.byID = make(map[string]*Entry)
	if n > 0 {
		slog.Info("cleared request queue", "count", n)
	}
	return n
}
