package gateway

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/querymeter/gateway/internal/config"
	"github.com/querymeter/gateway/pkg/cache"
	"github.com/querymeter/gateway/pkg/models"
)

func setupLimiterCache(t *testing.T) *cache.Cache {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("failed to parse miniredis port: %v", err)
	}

	c, err := cache.NewCache(config.RedisConfig{
		Host:     mr.Host(),
		Port:     port,
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("failed to connect cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return c
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	limiter := NewRateLimiter(setupLimiterCache(t), 60, zap.NewNop())
	key := &models.APIKey{Identity: "tenant-a", RateLimitPerMin: 5}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}
}

func TestRateLimiterDeniesOverLimit(t *testing.T) {
	limiter := NewRateLimiter(setupLimiterCache(t), 60, zap.NewNop())
	key := &models.APIKey{Identity: "tenant-a", RateLimitPerMin: 3}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if allowed, _ := limiter.Allow(ctx, key); !allowed {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("fourth request should be denied with limit 3")
	}
}

func TestRateLimiterFallsBackToDefaultLimit(t *testing.T) {
	limiter := NewRateLimiter(setupLimiterCache(t), 2, zap.NewNop())
	key := &models.APIKey{Identity: "tenant-a"}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if allowed, _ := limiter.Allow(ctx, key); !allowed {
			t.Fatalf("request %d denied under the default limit", i+1)
		}
	}
	if allowed, _ := limiter.Allow(ctx, key); allowed {
		t.Error("third request should be denied with default limit 2")
	}
}

func TestRateLimiterIsolatesIdentities(t *testing.T) {
	limiter := NewRateLimiter(setupLimiterCache(t), 60, zap.NewNop())
	keyA := &models.APIKey{Identity: "tenant-a", RateLimitPerMin: 1}
	keyB := &models.APIKey{Identity: "tenant-b", RateLimitPerMin: 1}

	ctx := context.Background()
	if allowed, _ := limiter.Allow(ctx, keyA); !allowed {
		t.Fatal("tenant-a first request denied")
	}
	if allowed, _ := limiter.Allow(ctx, keyA); allowed {
		t.Fatal("tenant-a second request should be denied")
	}
	if allowed, _ := limiter.Allow(ctx, keyB); !allowed {
		t.Error("tenant-b should have its own window")
	}
}

func TestRateLimiterUnlimitedWhenNoLimit(t *testing.T) {
	limiter := NewRateLimiter(setupLimiterCache(t), 0, zap.NewNop())
	key := &models.APIKey{Identity: "tenant-a"}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d denied with no limit configured", i+1)
		}
	}
}
