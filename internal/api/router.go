package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/admission"
	"github.com/gatehouse-dev/gatehouse/internal/metrics"
	"github.com/gatehouse-dev/gatehouse/internal/permission"
	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/queue"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
	"github.com/gatehouse-dev/gatehouse/internal/store"
	"github.com/gatehouse-dev/gatehouse/internal/ws"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// loginRateLimiter tracks per-IP login attempt counts within a fixed window
// that restarts once it has expired.
type loginRateLimiter struct {
	entries sync.Map // IP string -> *loginEntry
	limit   int
	window  time.Duration
}

type loginEntry struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

func newLoginRateLimiter(limit int, window time.Duration) *loginRateLimiter {
	return &loginRateLimiter{
		limit:  limit,
		window: window,
	}
}

// allow checks whether the given IP is within the rate limit.
// It returns (allowed, retryAfterSeconds).
func (l *loginRateLimiter) allow(ip string) (bool, int) {
	now := time.Now()
	val, _ := l.entries.LoadOrStore(ip, &loginEntry{windowStart: now})
	entry := val.(*loginEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Reset window if expired.
	if now.Sub(entry.windowStart) >= l.window {
		entry.count = 0
		entry.windowStart = now
	}

	if entry.count >= l.limit {
		remaining := l.window - now.Sub(entry.windowStart)
		retryAfter := int(math.Ceil(remaining.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	entry.count++
	return true, 0
}

// cleanup removes entries whose window has expired.
func (l *loginRateLimiter) cleanup() {
	now := time.Now()
	l.entries.Range(func(key, value any) bool {
		entry := value.(*loginEntry)
		entry.mu.Lock()
		expired := now.Sub(entry.windowStart) >= l.window
		entry.mu.Unlock()
		if expired {
			l.entries.Delete(key)
		}
		return true
	})
}

// startCleanup runs periodic cleanup in a background goroutine until ctx is cancelled.
func (l *loginRateLimiter) startCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	DBPool         *pgxpool.Pool
	Store          *store.Store
	Limiter        *ratelimit.Limiter
	Gateway        *admission.Gateway
	Queue          *queue.Queue
	Broker         *permission.Broker
	Hub            *ws.Hub
	Extractor      *principal.Extractor
	Metrics        *metrics.Metrics
	Broadcast      permission.Broadcast
	AllowedOrigins []string

	// OnActivity is invoked for every request that reaches admission;
	// used to keep the cleanup job out of idle mode.
	OnActivity func()

	// AgentBackend serves the admitted chat/query endpoints. Supplied by
	// the embedding application; nil answers 502.
	AgentBackend http.Handler
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestIDMiddleware)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(slogRequestLogger)

	// Admission: principal extraction, header emission, enforcement on the
	// limited endpoint set.
	hooks := admission.Hooks{OnActivity: deps.OnActivity}
	if deps.Metrics != nil {
		hooks.OnAdmit = func() { deps.Metrics.IncAdmission("admitted") }
		hooks.OnQueue = func() {
			deps.Metrics.IncAdmission("queued")
			deps.Metrics.IncRateLimitRejection("principal")
		}
		hooks.OnReject = func() {
			deps.Metrics.IncAdmission("throttled")
			deps.Metrics.IncRateLimitRejection("principal")
			deps.Metrics.IncQueueRejection()
		}
	}
	r.Use(admission.Middleware(deps.Gateway, deps.Extractor, hooks))

	// Handlers.
	var onDecide func(decision, source string)
	if deps.Metrics != nil {
		onDecide = deps.Metrics.IncPermissionDecision
	}
	permissions := newPermissionsHandler(deps.Broker, deps.Broadcast, onDecide)
	queueH := newQueueHandler(deps.Gateway, deps.Queue)
	rateLimits := newRateLimitsHandler(deps.Limiter, deps.Store)

	// Login rate limiter: 5 attempts per IP per minute.
	loginRL := newLoginRateLimiter(5, time.Minute)
	loginRL.startCleanup(context.Background(), 5*time.Minute)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.DBPool != nil {
			pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer pingCancel()
			if err := deps.DBPool.Ping(pingCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","database":"connected"}`))
	})

	// Prometheus metrics endpoint (unauthenticated for scraping).
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Public auth routes.
	if deps.Store != nil {
		authFail := func() {}
		authSuccess := func() {}
		if deps.Metrics != nil {
			authFail = func() { deps.Metrics.IncAuthFailure("session") }
			authSuccess = func() { deps.Metrics.IncAuthSuccess("session") }
		}
		authH := newAuthHandler(deps.Store, authFail, authSuccess)
		r.Post("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := loginRL.allow(clientIP(r))
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts, try again later")
				return
			}
			authH.Login(w, r)
		})
	}

	// Agent endpoints: admitted through the gateway by the admission
	// middleware, then handed to the backend.
	agentBackend := deps.AgentBackend
	if agentBackend == nil {
		agentBackend = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusBadGateway, "no_backend", "no agent backend configured")
		})
	}
	r.Handle("/api/v1/query", agentBackend)
	r.Handle("/api/v1/query/*", agentBackend)
	r.Handle("/api/v1/conversation", agentBackend)
	r.Handle("/api/v1/conversation/*", agentBackend)

	// Session WebSocket: broker events stream here.
	if deps.Hub != nil {
		r.Get("/ws/session/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			deps.Hub.Serve(w, r, chi.URLParam(r, "sessionID"))
		})
	}

	// Authenticated routes.
	r.Group(func(ar chi.Router) {
		ar.Use(requireAuthenticated)

		ar.Get("/api/v1/queue/position", queueH.Position)

		ar.Route("/api/v1/sessions/{sessionID}/permissions", func(pr chi.Router) {
			pr.Post("/request", permissions.Request)
			pr.Post("/respond", permissions.Respond)
			pr.Post("/{requestID}/cancel", permissions.Cancel)
			pr.Get("/pending", permissions.Pending)
			pr.Delete("/pending", permissions.CancelSession)
			pr.Get("/rules", permissions.Rules)
			pr.Delete("/rules", permissions.ClearRules)
		})
	})

	// Admin routes.
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(requireAdmin)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}

		ar.Get("/rate-limits/status", rateLimits.Status)
		ar.Put("/rate-limits", rateLimits.SetLimit)
		ar.Post("/rate-limits/cache/clear", rateLimits.ClearCache)
		ar.Post("/queue/clear", queueH.Clear)
	})

	return r
}
