package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
)

// LimitConfig describes the quotas for one principal. The zero value means
// "deny everything"; use the resolver's defaults for absent principals.
type LimitConfig struct {
	PerMinute  int
	PerHour    int
	PerDay     int
	Concurrent int
	Priority   int
	Unlimited  bool
}

// DefaultConfig is the built-in quota applied when neither the store nor
// the server configuration supplies one.
var DefaultConfig = LimitConfig{
	PerMinute:  20,
	PerHour:    200,
	PerDay:     1000,
	Concurrent: 3,
}

// LimitStore loads per-principal limit configuration. A nil config with a
// nil error means the principal has no stored override.
type LimitStore interface {
	GetRateLimit(ctx context.Context, userID, apiKeyID string) (*LimitConfig, error)
}

const defaultConfigTTL = 5 * time.Minute

type cachedConfig struct {
	config   LimitConfig
	cachedAt time.Time
}

// Resolver loads and TTL-caches per-principal limit configuration from the
// store, falling back to defaults when the store has no row or is
// unavailable.
type Resolver struct {
	mu       sync.Mutex
	store    LimitStore
	defaults LimitConfig
	ttl      time.Duration
	cache    map[string]cachedConfig
	now      func() time.Time // injectable clock for testing
}

// NewResolver creates a Resolver with the given store and defaults. A nil
// store serves defaults for every principal. A non-positive ttl selects the
// default of 5 minutes.
func NewResolver(store LimitStore, defaults LimitConfig, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultConfigTTL
	}
	return &Resolver{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		cache:    make(map[string]cachedConfig),
		now:      time.Now,
	}
}

// Resolve returns the limit configuration for the principal. Store errors
// are logged and the defaults served; a request is never failed because
// configuration could not be read.
func (r *Resolver) Resolve(ctx context.Context, p principal.Principal) LimitConfig {
	key := p.Key()

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && r.now().Sub(entry.cachedAt) < r.ttl {
		cfg := entry.config
		r.mu.Unlock()
		return cfg
	}
	r.mu.Unlock()

	cfg := r.load(ctx, p)

	r.mu.Lock()
	r.cache[key] = cachedConfig{config: cfg, cachedAt: r.now()}
	r.mu.Unlock()

	return cfg
}

func (r *Resolver) load(ctx context.Context, p principal.Principal) LimitConfig {
	if r.store == nil {
		return r.defaults
	}

	var userID, apiKeyID string
	switch p.Kind {
	case principal.KindAPIClient:
		apiKeyID = p.ID
	case principal.KindUser:
		userID = p.ID
	}

	stored, err := r.store.GetRateLimit(ctx, userID, apiKeyID)
	if err != nil {
		slog.Warn("failed to load rate limit config, serving defaults",
			"principal", p.Key(), "error", err)
		return r.defaults
	}
	if stored == nil {
		return r.defaults
	}
	return *stored
}

// ClearCache invalidates every cached entry. Called when configuration
// changes so new limits take effect before the TTL elapses.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cachedConfig)
}
