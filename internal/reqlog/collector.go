// Package reqlog buffers request-log rows in memory and flushes them to
// the store in batches, so recording a request never blocks on the
// database and log failures never fail a request.
package reqlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Row is one request-log record.
type Row struct {
	RequestID string
	UserID    string
	APIKeyID  string
	Endpoint  string
	Status    string
	Timestamp time.Time
}

// BatchInserter is the interface used by Collector to persist rows. It
// exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsertRequestLog(ctx context.Context, batch []Row) error
}

// Collector buffers rows and periodically flushes them in batches. It is
// safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Row
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

// NewCollector creates a Collector that flushes to the given store when
// the buffer reaches batchSize or every flushInterval, whichever comes
// first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Row, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start runs the flush loop, flushing buffered rows on a timer. It blocks
// until Stop is called or the context is cancelled, flushing once more
// before it returns; callers run it in its own goroutine.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// LogRequest buffers one row. If the buffer reaches batchSize, a flush is
// triggered immediately. Implements ratelimit.RequestLogger.
func (c *Collector) LogRequest(requestID, userID, apiKeyID, endpoint, status string) {
	c.mu.Lock()
	c.buffer = append(c.buffer, Row{
		RequestID: requestID,
		UserID:    userID,
		APIKeyID:  apiKeyID,
		Endpoint:  endpoint,
		Status:    status,
		Timestamp: time.Now(),
	})
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// flush drains all buffered rows and writes them to the store. Errors are
// logged rather than returned so callers are never blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Row, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsertRequestLog(ctx, batch); err != nil {
		slog.Warn("failed to flush request log", "count", len(batch), "error", err)
	}
}

// Stop signals the flush loop in Start to exit; that loop performs the
// final flush. Stop does not wait for it.
func (c *Collector) Stop() {
	close(c.done)
}
