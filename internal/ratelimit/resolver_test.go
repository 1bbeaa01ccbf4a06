package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
)

func TestResolverCachesWithinTTL(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := &fakeLimitStore{configs: map[string]*LimitConfig{
		"user:u1": {PerMinute: 7, PerHour: 70, PerDay: 700, Concurrent: 7},
	}}
	r := NewResolver(store, DefaultConfig, 5*time.Minute)
	r.now = clock.Now
	ctx := context.Background()
	p := principal.User("u1")

	for i := 0; i < 5; i++ {
		cfg := r.Resolve(ctx, p)
		if cfg.PerMinute != 7 {
			t.Fatalf("per_minute = %d, want 7", cfg.PerMinute)
		}
	}
	if store.calls != 1 {
		t.Fatalf("store calls = %d, want 1 (cached)", store.calls)
	}

	clock.Advance(6 * time.Minute)
	r.Resolve(ctx, p)
	if store.calls != 2 {
		t.Fatalf("store calls = %d, want 2 (TTL expired)", store.calls)
	}
}

func TestResolverClearCache(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := &fakeLimitStore{configs: map[string]*LimitConfig{}}
	r := NewResolver(store, DefaultConfig, 5*time.Minute)
	r.now = clock.Now
	ctx := context.Background()
	p := principal.User("u1")

	r.Resolve(ctx, p)
	r.ClearCache()
	r.Resolve(ctx, p)
	if store.calls != 2 {
		t.Fatalf("store calls = %d, want 2 after cache clear", store.calls)
	}
}

func TestResolverDefaultsForAbsentPrincipal(t *testing.T) {
	store := &fakeLimitStore{configs: map[string]*LimitConfig{}}
	defaults := LimitConfig{PerMinute: 11, PerHour: 111, PerDay: 1111, Concurrent: 2}
	r := NewResolver(store, defaults, time.Minute)

	cfg := r.Resolve(context.Background(), principal.User("nobody"))
	if cfg != defaults {
		t.Fatalf("config = %+v, want defaults %+v", cfg, defaults)
	}
}

func TestResolverAPICredentialKeying(t *testing.T) {
	store := &fakeLimitStore{configs: map[string]*LimitConfig{
		"api:k1":  {PerMinute: 99, PerHour: 999, PerDay: 9999, Concurrent: 9},
		"user:u1": {PerMinute: 1, PerHour: 1, PerDay: 1, Concurrent: 1},
	}}
	r := NewResolver(store, DefaultConfig, time.Minute)
	ctx := context.Background()

	if cfg := r.Resolve(ctx, principal.APIClient("k1")); cfg.PerMinute != 99 {
		t.Fatalf("api credential config per_minute = %d, want 99", cfg.PerMinute)
	}
	if cfg := r.Resolve(ctx, principal.User("u1")); cfg.PerMinute != 1 {
		t.Fatalf("user config per_minute = %d, want 1", cfg.PerMinute)
	}
}
