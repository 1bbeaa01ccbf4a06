package admission

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
)

// skipPaths never consult the gateway: health, documentation, favicons.
var skipPaths = map[string]struct{}{
	"/health":        {},
	"/api/v1/health": {},
	"/docs":          {},
	"/openapi.json":  {},
	"/favicon.ico":   {},
	"/favicon.svg":   {},
	"/metrics":       {},
}

// skipPrefixes cover static assets.
var skipPrefixes = []string{
	"/_app/",
	"/static/",
}

// limitedPrefixes are the expensive agent endpoints that must pass
// admission. Everything else gets informational headers only.
var limitedPrefixes = []string{
	"/api/v1/query",
	"/api/v1/conversation",
	"/ws/session",
}

func isSkipPath(path string) bool {
	if _, ok := skipPaths[path]; ok {
		return true
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isLimitedPath(path string) bool {
	for _, prefix := range limitedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Hooks are optional observer callbacks fired by the middleware.
type Hooks struct {
	OnAdmit    func()
	OnQueue    func()
	OnReject   func()
	OnActivity func()
}

func (h Hooks) fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// Middleware returns HTTP middleware that admits requests through the
// gateway. Rate-limit headers are set on every response; enforcement
// applies only to the limited endpoint set. Admitted requests are
// completed on every exit path, including panics.
func Middleware(gw *Gateway, extractor *principal.Extractor, hooks Hooks) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			p := extractor.FromRequest(r)
			ctx := principal.ContextWith(r.Context(), p)
			r = r.WithContext(ctx)

			if !isLimitedPath(path) || isSkipPath(path) {
				setRateLimitHeaders(w, gw.Snapshot(ctx, p))
				next.ServeHTTP(w, r)
				return
			}

			hooks.fire(hooks.OnActivity)

			outcome := gw.Admit(ctx, p, path)
			setRateLimitHeaders(w, outcome.Snapshot)

			switch outcome.Status {
			case Queued:
				hooks.fire(hooks.OnQueue)
				writeQueued(w, outcome)
				return
			case Throttled:
				hooks.fire(hooks.OnReject)
				writeThrottled(w, outcome)
				return
			}

			hooks.fire(hooks.OnAdmit)

			start := time.Now()
			defer func() {
				gw.Complete(ctx, p, outcome.RequestID, time.Since(start))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders emits the counter snapshot on every response so
// callers can pace themselves without a round trip.
func setRateLimitHeaders(w http.ResponseWriter, snap ratelimit.Snapshot) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(snap.MinuteLimit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(snap.MinuteRemaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(snap.MinuteReset.Unix(), 10))
	h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(snap.HourLimit))
	h.Set("X-RateLimit-Remaining-Hour", strconv.Itoa(snap.HourRemaining))
	h.Set("X-RateLimit-Limit-Day", strconv.Itoa(snap.DayLimit))
	h.Set("X-RateLimit-Remaining-Day", strconv.Itoa(snap.DayRemaining))
}

// windowBody is one window's slice of the 429 response body.
type windowBody struct {
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

type limitsBody struct {
	Minute windowBody `json:"minute"`
	Hour   windowBody `json:"hour"`
	Day    windowBody `json:"day"`
}

type throttledBody struct {
	Detail     string     `json:"detail"`
	RetryAfter int        `json:"retry_after"`
	Limits     limitsBody `json:"limits"`
}

type queuedBody struct {
	Detail     string         `json:"detail"`
	RetryAfter int            `json:"retry_after"`
	Limits     limitsBody     `json:"limits"`
	Queue      queue429Detail `json:"queue"`
}

type queue429Detail struct {
	Position   int `json:"position"`
	ETASeconds int `json:"eta_seconds"`
	Total      int `json:"total"`
}

func limitsFromSnapshot(snap ratelimit.Snapshot) limitsBody {
	return limitsBody{
		Minute: windowBody{Remaining: snap.MinuteRemaining, Reset: snap.MinuteReset},
		Hour:   windowBody{Remaining: snap.HourRemaining, Reset: snap.HourReset},
		Day:    windowBody{Remaining: snap.DayRemaining, Reset: snap.DayReset},
	}
}

func writeThrottled(w http.ResponseWriter, outcome Outcome) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", outcome.RetryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(throttledBody{
		Detail:     "Rate limit exceeded",
		RetryAfter: outcome.RetryAfter,
		Limits:     limitsFromSnapshot(outcome.Snapshot),
	})
}

// writeQueued answers a displaced request: still 429 (it was not admitted),
// but the body reports the queue slot and the Retry-After hint is the ETA.
func writeQueued(w http.ResponseWriter, outcome Outcome) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", outcome.Queue.ETASeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(queuedBody{
		Detail:     "Rate limit exceeded; request queued",
		RetryAfter: outcome.Queue.ETASeconds,
		Limits:     limitsFromSnapshot(outcome.Snapshot),
		Queue: queue429Detail{
			Position:   outcome.Queue.Rank,
			ETASeconds: outcome.Queue.ETASeconds,
			Total:      outcome.Queue.Total,
		},
	})
}
