package api

import (
	"context"
	"net/http"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
)

// LimitWriter persists limit overrides; implemented by the store.
type LimitWriter interface {
	SetRateLimit(ctx context.Context, userID, apiKeyID string, cfg ratelimit.LimitConfig) error
}

// rateLimitsHandler exposes admin operations on the limiter.
type rateLimitsHandler struct {
	limiter *ratelimit.Limiter
	writer  LimitWriter
}

func newRateLimitsHandler(limiter *ratelimit.Limiter, writer LimitWriter) *rateLimitsHandler {
	return &rateLimitsHandler{limiter: limiter, writer: writer}
}

func principalFromParams(userID, apiKeyID string) principal.Principal {
	switch {
	case apiKeyID != "":
		return principal.APIClient(apiKeyID)
	case userID != "":
		return principal.User(userID)
	default:
		return principal.Admin()
	}
}

// Status reports a principal's counter snapshot without consuming quota.
func (h *rateLimitsHandler) Status(w http.ResponseWriter, r *http.Request) {
	p := principalFromParams(r.URL.Query().Get("user_id"), r.URL.Query().Get("api_key_id"))
	writeJSON(w, http.StatusOK, h.limiter.Snapshot(r.Context(), p))
}

type setLimitBody struct {
	UserID     string `json:"user_id"`
	APIKeyID   string `json:"api_key_id"`
	PerMinute  int    `json:"per_minute"`
	PerHour    int    `json:"per_hour"`
	PerDay     int    `json:"per_day"`
	Concurrent int    `json:"concurrent"`
	Priority   int    `json:"priority"`
	Unlimited  bool   `json:"unlimited"`
}

// SetLimit upserts a limit override and invalidates the config cache so it
// takes effect immediately.
func (h *rateLimitsHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	var body setLimitBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.UserID == "" && body.APIKeyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id or api_key_id is required")
		return
	}
	if body.PerMinute < 0 || body.PerHour < 0 || body.PerDay < 0 || body.Concurrent < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limits must be non-negative")
		return
	}

	cfg := ratelimit.LimitConfig{
		PerMinute:  body.PerMinute,
		PerHour:    body.PerHour,
		PerDay:     body.PerDay,
		Concurrent: body.Concurrent,
		Priority:   body.Priority,
		Unlimited:  body.Unlimited,
	}
	if err := h.writer.SetRateLimit(r.Context(), body.UserID, body.APIKeyID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to store rate limit")
		return
	}
	h.limiter.ClearConfigCache()

	auditLog(r, "ratelimit.set", "rate_limit", principalFromParams(body.UserID, body.APIKeyID).Key())
	writeJSON(w, http.StatusOK, cfg)
}

// ClearCache invalidates every cached limit configuration.
func (h *rateLimitsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.limiter.ClearConfigCache()
	auditLog(r, "ratelimit.cache_clear", "rate_limit", "all")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
