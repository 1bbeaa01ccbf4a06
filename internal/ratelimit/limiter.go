package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/google/uuid"
)

const (
	retention = 24 * time.Hour

	// Retry hints per exhausted horizon, in seconds.
	retryMinute     = 60
	retryHour       = 3600
	retryDay        = 86400
	retryConcurrent = 5
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds; 0 when allowed
}

// Snapshot is a read-only view of a principal's counters, used for response
// headers and introspection. Reset times are now plus the window width: by
// then every request counted in that window has aged out of it.
type Snapshot struct {
	MinuteLimit     int       `json:"minute_limit"`
	MinuteCount     int       `json:"minute_count"`
	MinuteRemaining int       `json:"minute_remaining"`
	MinuteReset     time.Time `json:"minute_reset"`

	HourLimit     int       `json:"hour_limit"`
	HourCount     int       `json:"hour_count"`
	HourRemaining int       `json:"hour_remaining"`
	HourReset     time.Time `json:"hour_reset"`

	DayLimit     int       `json:"day_limit"`
	DayCount     int       `json:"day_count"`
	DayRemaining int       `json:"day_remaining"`
	DayReset     time.Time `json:"day_reset"`

	ConcurrentLimit     int `json:"concurrent_limit"`
	ConcurrentCount     int `json:"concurrent_count"`
	ConcurrentRemaining int `json:"concurrent_remaining"`

	Unlimited  bool `json:"unlimited"`
	Limited    bool `json:"limited"`
	RetryAfter int  `json:"retry_after"`
}

// RequestLogger persists request-log rows. Implementations must not block;
// failures are the logger's problem, never the limiter's.
type RequestLogger interface {
	LogRequest(requestID, userID, apiKeyID, endpoint, status string)
}

// LogPruner removes request-log rows older than a cutoff.
type LogPruner interface {
	PruneRequestLog(ctx context.Context, cutoff time.Time) (int, error)
}

// Limiter enforces per-principal sliding-window rate limits over three
// horizons (minute, hour, day) plus a concurrency cap. State for a given
// principal is linearizable; distinct principals proceed independently.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	resolver *Resolver
	logger   RequestLogger
	pruner   LogPruner
	now      func() time.Time // injectable clock for testing
}

// New creates a Limiter using the given resolver. logger and pruner may be
// nil, disabling request logging and store-side pruning respectively.
func New(resolver *Resolver, logger RequestLogger, pruner LogPruner) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		resolver: resolver,
		logger:   logger,
		pruner:   pruner,
		now:      time.Now,
	}
}

// getWindow returns the window for key, creating one lazily. Windows are
// never destroyed during the process lifetime; cleanup only trims their
// timestamp lists.
func (l *Limiter) getWindow(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = newWindow()
		l.windows[key] = w
	}
	return w
}

// Check reports whether a request for the principal may start. It never
// mutates the in-flight count or the timestamp list beyond eviction.
//
// Denial precedence: minute, hour, day, then concurrency; the first
// exhausted horizon determines the retry hint.
func (l *Limiter) Check(ctx context.Context, p principal.Principal) (Decision, Snapshot) {
	cfg := l.resolver.Resolve(ctx, p)
	snap := l.observe(p.Key(), cfg)

	if cfg.Unlimited {
		snap.Unlimited = true
		return Decision{Allowed: true}, snap
	}
	// Admins bypass limits unless they present an API credential, in which
	// case the credential's quota governs.
	if p.Admin && !p.IsAPIClient() {
		return Decision{Allowed: true}, snap
	}

	switch {
	case snap.MinuteCount >= cfg.PerMinute:
		snap.Limited, snap.RetryAfter = true, retryMinute
	case snap.HourCount >= cfg.PerHour:
		snap.Limited, snap.RetryAfter = true, retryHour
	case snap.DayCount >= cfg.PerDay:
		snap.Limited, snap.RetryAfter = true, retryDay
	case snap.ConcurrentCount >= cfg.Concurrent:
		snap.Limited, snap.RetryAfter = true, retryConcurrent
	}

	if snap.Limited {
		return Decision{Allowed: false, RetryAfter: snap.RetryAfter}, snap
	}
	return Decision{Allowed: true}, snap
}

// observe evicts stale timestamps and captures a consistent snapshot of the
// principal's counters under the window lock.
func (l *Limiter) observe(key string, cfg LimitConfig) Snapshot {
	now := l.now()
	w := l.getWindow(key)

	w.mu.Lock()
	w.evictBeforeLocked(now.Add(-retention))
	minuteCount := w.countSinceLocked(now.Add(-time.Minute))
	hourCount := w.countSinceLocked(now.Add(-time.Hour))
	dayCount := w.countSinceLocked(now.Add(-retention))
	inFlight := len(w.outstanding)
	w.mu.Unlock()

	return Snapshot{
		MinuteLimit:     cfg.PerMinute,
		MinuteCount:     minuteCount,
		MinuteRemaining: clampRemaining(cfg.PerMinute, minuteCount),
		MinuteReset:     now.Add(time.Minute),

		HourLimit:     cfg.PerHour,
		HourCount:     hourCount,
		HourRemaining: clampRemaining(cfg.PerHour, hourCount),
		HourReset:     now.Add(time.Hour),

		DayLimit:     cfg.PerDay,
		DayCount:     dayCount,
		DayRemaining: clampRemaining(cfg.PerDay, dayCount),
		DayReset:     now.Add(retention),

		ConcurrentLimit:     cfg.Concurrent,
		ConcurrentCount:     inFlight,
		ConcurrentRemaining: clampRemaining(cfg.Concurrent, inFlight),
	}
}

func clampRemaining(limit, count int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

// Record registers the start of an admitted request and returns its id.
// The id must be handed back to Complete on every exit path; forgetting to
// do so leaks concurrency quota for the principal. The request-log write is
// best-effort.
func (l *Limiter) Record(ctx context.Context, p principal.Principal, endpoint string) string {
	requestID := uuid.NewString()
	l.getWindow(p.Key()).add(l.now(), requestID)

	if l.logger != nil {
		var userID, apiKeyID string
		switch p.Kind {
		case principal.KindAPIClient:
			apiKeyID = p.ID
		case principal.KindUser:
			userID = p.ID
		case principal.KindAdmin:
			userID = "admin"
		}
		l.logger.LogRequest(requestID, userID, apiKeyID, endpoint, "accepted")
	}

	return requestID
}

// Complete marks a recorded request finished, releasing its concurrency
// slot. Unknown request ids are tolerated silently so callers can complete
// unconditionally from deferred paths.
func (l *Limiter) Complete(ctx context.Context, p principal.Principal, requestID string, duration time.Duration) {
	l.mu.Lock()
	w, ok := l.windows[p.Key()]
	l.mu.Unlock()
	if !ok {
		return
	}
	if w.complete(requestID) && duration > 0 {
		slog.Debug("request completed", "principal", p.Key(), "request_id", requestID,
			"duration_ms", duration.Milliseconds())
	}
}

// Snapshot returns the principal's current counters without consuming
// quota. Used for informational headers on every response.
func (l *Limiter) Snapshot(ctx context.Context, p principal.Principal) Snapshot {
	cfg := l.resolver.Resolve(ctx, p)
	snap := l.observe(p.Key(), cfg)
	if cfg.Unlimited {
		snap.Unlimited = true
	}
	return snap
}

// ClearConfigCache drops all cached limit configurations.
func (l *Limiter) ClearConfigCache() {
	l.resolver.ClearCache()
}

// Cleanup evicts timestamps older than the retention horizon from every
// window and prunes the store-side request log. Store failures are logged
// and swallowed; cleanup never fails the caller.
func (l *Limiter) Cleanup(ctx context.Context) {
	cutoff := l.now().Add(-retention)

	l.mu.Lock()
	windows := make([]*window, 0, len(l.windows))
	for _, w := range l.windows {
		windows = append(windows, w)
	}
	l.mu.Unlock()

	for _, w := range windows {
		w.evictBefore(cutoff)
	}

	if l.pruner == nil {
		return
	}
	deleted, err := l.pruner.PruneRequestLog(ctx, cutoff)
	if err != nil {
		slog.Warn("failed to prune request log", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("pruned request log", "deleted", deleted)
	}
}
